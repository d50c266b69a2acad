package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/register/model"
)

// NoopPublisher logs events instead of delivering them.
// Use in development or when no broker is configured.
type NoopPublisher struct {
	logger *zap.Logger
}

// NewNoopPublisher creates a NoopPublisher backed by the given logger.
func NewNoopPublisher(logger *zap.Logger) *NoopPublisher {
	return &NoopPublisher{logger: logger}
}

// Publish logs the event and returns nil.
func (n *NoopPublisher) Publish(_ context.Context, routingKey string, msg model.Message) error {
	n.logger.Info("event not sent (noop publisher)",
		zap.String("routing_key", routingKey),
		zap.Int64("entry_number", msg.Entry.Number),
		zap.String("action_type", string(msg.ActionType)),
	)
	return nil
}

// Close implements Publisher.
func (n *NoopPublisher) Close() error { return nil }
