package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Message is the WebSocket envelope format
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans questionnaire progress out to websocket subscribers
type Hub struct {
	// Questionnaire -> subscribed connections
	subscribers map[string]map[*Connection]struct{}

	mu sync.RWMutex

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *BroadcastMessage
	done       chan struct{}
	log        *zap.Logger
}

// Connection is one subscriber of a questionnaire
type Connection struct {
	QuestionnaireID string
	Send            chan []byte
	Hub             *Hub
}

// BroadcastMessage is a message addressed to every subscriber of a questionnaire
type BroadcastMessage struct {
	QuestionnaireID string
	Message         *Message
}

// NewHub creates a new WebSocket hub and starts its loop
func NewHub(log *zap.Logger) *Hub {
	h := &Hub{
		subscribers: make(map[string]map[*Connection]struct{}),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *BroadcastMessage, 256),
		done:        make(chan struct{}),
		log:         log.Named("ws"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, conns := range h.subscribers {
				for conn := range conns {
					close(conn.Send)
				}
				delete(h.subscribers, id)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if h.subscribers[conn.QuestionnaireID] == nil {
				h.subscribers[conn.QuestionnaireID] = make(map[*Connection]struct{})
			}
			h.subscribers[conn.QuestionnaireID][conn] = struct{}{}
			h.mu.Unlock()
			h.log.Debug("subscriber connected", zap.String("questionnaire_id", conn.QuestionnaireID))

		case conn := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.subscribers[conn.QuestionnaireID]; ok {
				if _, ok := conns[conn]; ok {
					delete(conns, conn)
					close(conn.Send)
					if len(conns) == 0 {
						delete(h.subscribers, conn.QuestionnaireID)
					}
				}
			}
			h.mu.Unlock()
			h.log.Debug("subscriber disconnected", zap.String("questionnaire_id", conn.QuestionnaireID))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg.Message)
			if err != nil {
				h.log.Warn("unencodable message", zap.Error(err))
				continue
			}
			h.mu.RLock()
			for conn := range h.subscribers[msg.QuestionnaireID] {
				select {
				case conn.Send <- data:
				default:
					// Slow subscriber; drop
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Stop closes every subscriber and ends the loop
func (h *Hub) Stop() {
	close(h.done)
}

// Subscribers is the number of live connections for a questionnaire
func (h *Hub) Subscribers(questionnaireID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[questionnaireID])
}

// BroadcastToQuestionnaire queues a message for a questionnaire's subscribers
// (implements service.Broadcaster). It never blocks the caller.
func (h *Hub) BroadcastToQuestionnaire(questionnaireID string, msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("unencodable payload", zap.String("type", msgType), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{
		QuestionnaireID: questionnaireID,
		Message:         &Message{Type: msgType, Payload: data},
	}:
	default:
		h.log.Warn("broadcast queue full; dropping message", zap.String("questionnaire_id", questionnaireID), zap.String("type", msgType))
	}
}
