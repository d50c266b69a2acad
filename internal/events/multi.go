package events

import (
	"context"
	"errors"

	"github.com/jmerrifield20/openregister/internal/register/model"
)

// MultiPublisher fans every event out to several publishers.
type MultiPublisher []Publisher

// Publish implements Publisher. Every publisher is tried; errors are joined.
func (m MultiPublisher) Publish(ctx context.Context, routingKey string, msg model.Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, routingKey, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
