package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Handler processes one delivery. Returning an error leaves the delivery pending
// so it is redelivered; handlers must therefore be idempotent.
type Handler func(ctx context.Context, payload []byte) error

// Publisher sends payloads to a topic, optionally after a delay
type Publisher interface {
	Publish(ctx context.Context, topic string, after time.Duration, payload any) error
}

// Bus is an at-least-once topic bus
type Bus interface {
	Publisher
	// Subscribe registers handler for topic. A zero timeout uses the bus default.
	Subscribe(topic string, handler Handler, timeout time.Duration)
	Run(ctx context.Context) error
}

// Typed decodes the payload into T before calling fn. Undecodable payloads are
// logged and acknowledged since redelivery cannot fix them.
func Typed[T any](log *zap.Logger, topic string, fn func(ctx context.Context, event T) error) Handler {
	return func(ctx context.Context, payload []byte) error {
		var event T
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Error("dropping undecodable event", zap.String("topic", topic), zap.Error(err))
			return nil
		}
		return fn(ctx, event)
	}
}
