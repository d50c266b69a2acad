package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/register/model"
)

// RedisClient is the subset of the go-redis client the publisher uses.
// *redis.Client satisfies it.
type RedisClient interface {
	Publish(channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes events as JSON on Redis pub/sub channels named
// "<exchange>.<routing key>".
type RedisPublisher struct {
	client   RedisClient
	exchange string
	logger   *zap.Logger
}

// NewRedisPublisher connects to the Redis server at url (redis://host:port/db).
func NewRedisPublisher(url, exchange string, logger *zap.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, exchange, logger), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client RedisClient, exchange string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, exchange: exchange, logger: logger}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, routingKey string, msg model.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := Channel(p.exchange, routingKey)

	client := p.client
	if c, ok := client.(*redis.Client); ok {
		client = c.WithContext(ctx)
	}
	receivers, err := client.Publish(channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	p.logger.Debug("event published",
		zap.String("channel", channel),
		zap.Int64("entry_number", msg.Entry.Number),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Ping checks that the Redis server is reachable.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	c, ok := p.client.(*redis.Client)
	if !ok {
		return nil
	}
	return c.WithContext(ctx).Ping().Err()
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
