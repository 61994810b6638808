package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nftmarket/native/market"
	"nftmarket/observability/metrics"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultMaxAttempts = 5
	defaultMinBackoff  = 250 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
)

var (
	ErrQueueFull = errors.New("custody: delivery queue full")
	ErrClosed    = errors.New("custody: client closed")

	errNotSent = errors.New("request never sent")
	errStopped = fmt.Errorf("%w: client stopped before delivery", errNotSent)
)

// Config configures delivery of transfer requests to a custody service.
type Config struct {
	// Endpoint receives a POST with the JSON transfer request.
	Endpoint string
	// Token is sent as a bearer token on every request.
	Token string
	// CallbackURL is advertised so the service knows where to report the
	// outcome; the settlement id is appended.
	CallbackURL string
	Timeout     time.Duration
	Workers     int
	QueueSize   int
	// MaxAttempts bounds deliveries whose outcome is unknown. Backoff between
	// attempts grows from MinBackoff to MaxBackoff.
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// TransferPayload is the wire form of a transfer request.
type TransferPayload struct {
	SettlementID     string `json:"settlementId"`
	Custody          string `json:"custody"`
	OwnerID          string `json:"ownerId"`
	ReceiverID       string `json:"receiverId"`
	ItemID           string `json:"itemId"`
	ApprovalID       uint64 `json:"approvalId"`
	Price            string `json:"price"`
	MaxPayoutEntries uint32 `json:"maxPayoutEntries"`
	CallbackURL      string `json:"callbackUrl,omitempty"`
}

// NewTransferPayload renders a request for the wire.
func NewTransferPayload(req market.TransferRequest, callbackBase string) TransferPayload {
	payload := TransferPayload{
		SettlementID:     req.SettlementID,
		Custody:          string(req.Custody),
		OwnerID:          string(req.Owner),
		ReceiverID:       string(req.Receiver),
		ItemID:           req.ItemID,
		ApprovalID:       req.ApprovalID,
		MaxPayoutEntries: req.MaxPayoutEntries,
		Price:            "0",
	}
	if req.Price != nil {
		payload.Price = req.Price.Dec()
	}
	if base := strings.TrimRight(strings.TrimSpace(callbackBase), "/"); base != "" {
		payload.CallbackURL = base + "/" + req.SettlementID + "/result"
	}
	return payload
}

// HTTPClient hands transfer requests to a bounded queue drained by worker
// goroutines. RequestTransfer never waits on the network.
//
// A request that provably never reached custody (a dial error, a 4xx or a
// worker stopping before the send) is resolved once as a failed transfer.
// Timeouts, other transport errors and 5xx responses leave the outcome
// unknown: delivery is retried under the same Idempotency-Key and the
// settlement stays pending if the attempts run out.
type HTTPClient struct {
	cfg      Config
	client   *http.Client
	resolver market.Resolver
	logger   *slog.Logger
	metrics  *metrics.CustodyMetrics

	queue chan market.TransferRequest
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewHTTPClient validates cfg and returns an idle client. Call Start to run
// the delivery workers.
func NewHTTPClient(cfg Config, resolver market.Resolver, logger *slog.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("custody: endpoint required")
	}
	if resolver == nil {
		return nil, errors.New("custody: resolver required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		resolver: resolver,
		logger:   logger.With(slog.String("component", "custody")),
		metrics:  metrics.Custody(),
		queue:    make(chan market.TransferRequest, cfg.QueueSize),
	}, nil
}

// Start launches the delivery workers. When ctx is cancelled the workers
// resolve every queued request as failed and exit.
func (c *HTTPClient) Start(ctx context.Context) {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
}

// RequestTransfer implements market.Custody.
func (c *HTTPClient) RequestTransfer(_ context.Context, req market.TransferRequest) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- req:
		c.metrics.SetQueueDepth(len(c.queue))
		return nil
	default:
		c.metrics.IncQueueRejection()
		return ErrQueueFull
	}
}

// Close stops accepting requests, lets the workers drain the queue and
// waits for them. Requests left behind by stopped workers are resolved as
// failed.
func (c *HTTPClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()
	c.wg.Wait()
	c.drain()
}

func (c *HTTPClient) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			c.drain()
			return
		}
		select {
		case <-ctx.Done():
			c.drain()
			return
		case req, ok := <-c.queue:
			if !ok {
				return
			}
			c.metrics.SetQueueDepth(len(c.queue))
			c.handle(ctx, req)
		}
	}
}

// drain resolves every request still queued without sending it.
func (c *HTTPClient) drain() {
	for {
		select {
		case req, ok := <-c.queue:
			if !ok {
				return
			}
			c.metrics.SetQueueDepth(len(c.queue))
			c.abandon(req, errStopped)
		default:
			return
		}
	}
}

func (c *HTTPClient) handle(ctx context.Context, req market.TransferRequest) {
	if ctx.Err() != nil {
		c.abandon(req, errStopped)
		return
	}
	start := time.Now()
	attempts := 0
	op := func() error {
		attempts++
		err := c.deliver(ctx, req)
		if err != nil && undelivered(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	retry := func(err error, wait time.Duration) {
		c.metrics.IncDeliveryFailure(deliveryReason(err))
		c.logger.Warn("transfer request outcome unknown, retrying",
			slog.String("settlement", req.SettlementID),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(c.retryPolicy(), ctx), retry)
	if err == nil {
		c.metrics.ObserveDispatched(string(req.Custody), time.Since(start))
		return
	}
	c.metrics.IncDeliveryFailure(deliveryReason(err))
	if undelivered(err) {
		c.abandon(req, err)
		return
	}
	c.logger.Error("transfer request undelivered, settlement left pending",
		slog.String("settlement", req.SettlementID),
		slog.String("custody", string(req.Custody)),
		slog.Int("attempts", attempts),
		slog.Any("error", err))
}

func (c *HTTPClient) retryPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.MinBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()
	return backoff.WithMaxRetries(policy, uint64(c.cfg.MaxAttempts-1))
}

// abandon resolves a request that custody never received as a failed
// transfer so the buyer can be refunded.
func (c *HTTPClient) abandon(req market.TransferRequest, cause error) {
	c.logger.Warn("transfer request not delivered",
		slog.String("settlement", req.SettlementID),
		slog.String("custody", string(req.Custody)),
		slog.Any("error", cause))
	outcome := market.TransferOutcome{Success: false, Reason: "delivery failed: " + cause.Error()}
	if _, err := c.resolver.ResolvePurchase(context.Background(), req.SettlementID, outcome); err != nil &&
		!errors.Is(err, market.ErrExternalTransferFailed) {
		c.logger.Error("resolve undelivered transfer", slog.String("settlement", req.SettlementID), slog.Any("error", err))
	}
}

func (c *HTTPClient) deliver(ctx context.Context, req market.TransferRequest) error {
	body, err := json.Marshal(NewTransferPayload(req, c.cfg.CallbackURL))
	if err != nil {
		return fmt.Errorf("%w: encode: %v", errNotSent, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errNotSent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.SettlementID)
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("custody responded %d", e.code)
}

// undelivered reports whether err proves custody never acted on the request.
// 408 and 429 are refusals to process and are retried.
func undelivered(err error) bool {
	var status *statusError
	if errors.As(err, &status) {
		return status.code >= 400 && status.code < 500 &&
			status.code != http.StatusRequestTimeout && status.code != http.StatusTooManyRequests
	}
	if errors.Is(err, errNotSent) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func deliveryReason(err error) string {
	var status *statusError
	switch {
	case errors.As(err, &status):
		return fmt.Sprintf("http_%d", status.code)
	case errors.Is(err, errStopped):
		return "stopped"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "transport"
	}
}

var _ market.Custody = (*HTTPClient)(nil)
