package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nftmarket/core/events"
	"nftmarket/native/market"
)

const (
	HeaderEvent      = "X-Market-Event"
	HeaderSignature  = "X-Market-Signature"
	HeaderDeliveryID = "X-Market-Delivery"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 256
)

// DefaultEvents are forwarded when no explicit topic list is configured.
var DefaultEvents = []string{
	market.EventTypePurchaseSettled,
	market.EventTypePurchaseFallback,
	market.EventTypePurchaseFailed,
	market.EventTypeSettlementReclaimed,
}

// Payload is the webhook body.
type Payload struct {
	Type       string            `json:"type"`
	DeliveryID string            `json:"deliveryId"`
	EmittedAt  time.Time         `json:"emittedAt"`
	Attributes map[string]string `json:"attributes"`
}

// Dispatcher forwards selected market events to a webhook endpoint with
// retry and exponential backoff. Emit never blocks; deliveries beyond the
// queue capacity are dropped and counted.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	topics      map[string]struct{}
	logger      *slog.Logger
	queueSize   int

	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan delivery
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type delivery struct {
	id        string
	eventType string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithEvents restricts forwarding to the listed event types.
func WithEvents(types ...string) Option {
	return func(d *Dispatcher) {
		if len(types) == 0 {
			return
		}
		d.topics = make(map[string]struct{}, len(types))
		for _, t := range types {
			if t = strings.TrimSpace(t); t != "" {
				d.topics[t] = struct{}{}
			}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      slog.Default(),
		queueSize:   defaultQueueSize,
		ctx:         ctx,
		cancel:      cancel,
	}
	WithEvents(DefaultEvents...)(dispatcher)
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.queue = make(chan delivery, dispatcher.queueSize)
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Dropped reports events discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Emit implements events.Emitter.
func (d *Dispatcher) Emit(evt events.Event) {
	if d == nil || evt == nil {
		return
	}
	if _, ok := d.topics[evt.EventType()]; !ok {
		return
	}
	payload, ok := evt.(market.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	structured := payload.Event()
	body := Payload{
		Type:       structured.Type,
		DeliveryID: uuid.NewString(),
		EmittedAt:  structured.EmittedAt,
		Attributes: structured.Attributes,
	}
	if err := d.enqueue(body); err != nil {
		d.dropped.Add(1)
		d.logger.Warn("webhook delivery dropped", slog.String("event", body.Type), slog.Any("error", err))
	}
}

func (d *Dispatcher) enqueue(payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	default:
	}
	select {
	case d.queue <- delivery{id: payload.DeliveryID, eventType: payload.Type, body: data}:
		return nil
	default:
		return errors.New("webhook: queue full")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			d.logger.Warn("webhook delivery abandoned",
				slog.String("delivery", job.id),
				slog.String("event", job.eventType),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, job.eventType)
	req.Header.Set(HeaderDeliveryID, job.id)
	req.Header.Set(HeaderSignature, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}

var _ events.Emitter = (*Dispatcher)(nil)
