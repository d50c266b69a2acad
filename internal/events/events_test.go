package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis"
	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/events"
	"github.com/jmerrifield20/openregister/internal/register/model"
)

type published struct {
	channel string
	payload []byte
}

type fakeRedis struct {
	sent   []published
	err    error
	closed bool
}

func (f *fakeRedis) Publish(channel string, message interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestChannel(t *testing.T) {
	if got := events.Channel("register", "country.entries"); got != "register.country.entries" {
		t.Errorf("Channel() = %q", got)
	}
	if got := events.Channel("", "entries"); got != "entries" {
		t.Errorf("Channel() without exchange = %q", got)
	}
}

func TestRedisPublisher_Publish(t *testing.T) {
	fake := &fakeRedis{}
	p := events.NewRedisPublisherWithClient(fake, "register", zap.NewNop())

	entry := model.Entry{Number: 7, Timestamp: time.Unix(0, 0), ItemHash: "sha-256:x", Key: "GB", Signature: "s"}
	msg := model.NewMessage(entry, model.Item{"key": "GB"}, nil)

	if err := p.Publish(context.Background(), "entries", msg); err != nil {
		t.Fatal(err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fake.sent))
	}
	if fake.sent[0].channel != "register.entries" {
		t.Errorf("channel = %q", fake.sent[0].channel)
	}

	var body map[string]any
	if err := json.Unmarshal(fake.sent[0].payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["action-type"] != "NEW" || body["key"] != "GB" {
		t.Errorf("unexpected payload %s", fake.sent[0].payload)
	}

	if err := p.Close(); err != nil || !fake.closed {
		t.Errorf("Close() = %v, closed = %v", err, fake.closed)
	}
}

func TestRedisPublisher_PublishError(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	p := events.NewRedisPublisherWithClient(fake, "register", zap.NewNop())

	err := p.Publish(context.Background(), "entries", model.NewMessage(model.EmptyEntry(1), nil, nil))
	if err == nil {
		t.Fatal("expected publish error")
	}
}

func TestNoopPublisher(t *testing.T) {
	p := events.NewNoopPublisher(zap.NewNop())
	if err := p.Publish(context.Background(), "entries", model.NewMessage(model.EmptyEntry(1), nil, nil)); err != nil {
		t.Errorf("Publish() = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
