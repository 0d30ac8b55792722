package service

// Broadcaster pushes progress messages to websocket subscribers (avoids import cycle)
type Broadcaster interface {
	BroadcastToQuestionnaire(questionnaireID string, msgType string, payload interface{})
}
