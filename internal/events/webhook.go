package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/openregister/internal/register/model"
)

// SignatureHeader carries the HMAC-SHA256 of the delivered body.
const SignatureHeader = "X-Register-Signature"

// RoutingKeyHeader carries the routing key the event was published under.
const RoutingKeyHeader = "X-Register-Routing-Key"

// ErrQueueFull is returned by WebhookPublisher.Publish when deliveries are
// backed up.
var ErrQueueFull = errors.New("webhook delivery queue full")

// WebhookConfig configures a WebhookPublisher.
type WebhookConfig struct {
	URLs      []string
	Secret    string
	QueueSize int
	Workers   int
	// Backoff is the wait before each retry. Its length is the retry count.
	Backoff []time.Duration
}

type delivery struct {
	url        string
	routingKey string
	body       []byte
	entry      int64
}

// WebhookPublisher POSTs change events as JSON to a fixed set of URLs.
// Deliveries run on background workers and are retried with backoff.
type WebhookPublisher struct {
	cfg        WebhookConfig
	httpClient *http.Client
	queue      chan delivery
	wg         sync.WaitGroup
	closeOnce  sync.Once
	logger     *zap.Logger
}

// NewWebhookPublisher starts the delivery workers.
func NewWebhookPublisher(cfg WebhookConfig, logger *zap.Logger) *WebhookPublisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Backoff == nil {
		cfg.Backoff = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}
	}

	p := &WebhookPublisher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan delivery, cfg.QueueSize),
		logger:     logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Publish implements Publisher. It queues one delivery per URL.
func (p *WebhookPublisher) Publish(_ context.Context, routingKey string, msg model.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	for _, url := range p.cfg.URLs {
		select {
		case p.queue <- delivery{url: url, routingKey: routingKey, body: body, entry: msg.Entry.Number}:
		default:
			return fmt.Errorf("%w: %s", ErrQueueFull, url)
		}
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries to finish.
func (p *WebhookPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.queue)
	})
	p.wg.Wait()
	return nil
}

func (p *WebhookPublisher) worker() {
	defer p.wg.Done()
	for d := range p.queue {
		p.deliver(d)
	}
}

// deliver sends one event with retries.
func (p *WebhookPublisher) deliver(d delivery) {
	signature := signPayload(d.body, p.cfg.Secret)

	for attempt := 0; attempt <= len(p.cfg.Backoff); attempt++ {
		if attempt > 0 {
			time.Sleep(p.cfg.Backoff[attempt-1])
		}

		err := p.post(d, signature)
		if err == nil {
			p.logger.Debug("webhook delivered",
				zap.String("url", d.url),
				zap.Int64("entry_number", d.entry),
				zap.Int("attempt", attempt+1),
			)
			return
		}
		p.logger.Warn("webhook: delivery failed",
			zap.String("url", d.url),
			zap.Int64("entry_number", d.entry),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	p.logger.Error("webhook: giving up", zap.String("url", d.url), zap.Int64("entry_number", d.entry))
}

func (p *WebhookPublisher) post(d delivery, signature string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(d.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RoutingKeyHeader, d.routingKey)
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// signPayload computes an HMAC-SHA256 signature. An empty secret disables signing.
func signPayload(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
