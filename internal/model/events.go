package model

// Event bus topics
const (
	TopicQuestionnaireCreated = "questionnaire.created"
	TopicAnswerBatch          = "questionnaire.answer.batch"
	TopicAnswerCreated        = "answer.created"
	TopicAnswerProcess        = "answer.process"
)

// QuestionnaireCreatedEvent is published once a questionnaire row is durable
type QuestionnaireCreatedEvent struct {
	QuestionnaireID string `json:"questionnaireId"`
}

// AnswerBatchEvent carries one fixed-size chunk of a questionnaire's questions
type AnswerBatchEvent struct {
	QuestionnaireID string   `json:"questionnaireId"`
	BatchIndex      int      `json:"batchIndex"`
	TotalBatches    int      `json:"totalBatches"`
	Questions       []string `json:"questions"`
}

// IsLast is the fan-out sentinel
func (e AnswerBatchEvent) IsLast() bool {
	return e.BatchIndex == e.TotalBatches-1
}

// AnswerEvent carries an answer row for the created and process topics
type AnswerEvent struct {
	Answer  Answer `json:"answer"`
	GapFill bool   `json:"gapFill,omitempty"` // Batch generation skipped this question
}

// Progress message types pushed to websocket subscribers
const (
	MsgStateChanged  = "state_changed"
	MsgAnswerUpdated = "answer_updated"
	MsgBatchDone     = "batch_done"
)
