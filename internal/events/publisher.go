// Package events delivers register change events to downstream consumers.
package events

import (
	"context"

	"github.com/jmerrifield20/openregister/internal/register/model"
)

// Publisher sends a change event under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg model.Message) error
	Close() error
}

// Channel is the pub/sub channel name for a routing key on an exchange.
func Channel(exchange, routingKey string) string {
	if exchange == "" {
		return routingKey
	}
	return exchange + "." + routingKey
}
