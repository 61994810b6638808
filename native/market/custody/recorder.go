package custody

import (
	"context"
	"log/slog"
	"sync"

	"nftmarket/native/market"
)

// Recorder is an in-memory custody adapter. It records every transfer
// request and, when auto-approve is enabled, reports success for each one
// from a separate goroutine.
type Recorder struct {
	mu       sync.Mutex
	requests []market.TransferRequest
	fail     error

	resolver    market.Resolver
	autoApprove bool
	payout      []byte
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewRecorder returns a recorder that only records requests.
func NewRecorder() *Recorder {
	return &Recorder{logger: slog.Default()}
}

// NewAutoApprover returns a recorder that resolves every request as a
// successful transfer carrying payout (which may be nil).
func NewAutoApprover(resolver market.Resolver, payout []byte, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{resolver: resolver, autoApprove: resolver != nil, payout: payout, logger: logger}
}

// FailWith makes subsequent RequestTransfer calls return err. Passing nil
// restores normal behaviour.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// RequestTransfer implements market.Custody.
func (r *Recorder) RequestTransfer(_ context.Context, req market.TransferRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.requests = append(r.requests, req)
	if r.autoApprove {
		r.wg.Add(1)
		go r.approve(req)
	}
	return nil
}

func (r *Recorder) approve(req market.TransferRequest) {
	defer r.wg.Done()
	outcome := market.TransferOutcome{Success: true, Payout: r.payout}
	if _, err := r.resolver.ResolvePurchase(context.Background(), req.SettlementID, outcome); err != nil {
		r.logger.Warn("auto-approve resolve failed", slog.String("settlement", req.SettlementID), slog.Any("error", err))
	}
}

// Wait blocks until every auto-approval goroutine has finished.
func (r *Recorder) Wait() { r.wg.Wait() }

// Requests returns a copy of the recorded requests.
func (r *Recorder) Requests() []market.TransferRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]market.TransferRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

// Last returns the most recent request.
func (r *Recorder) Last() (market.TransferRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return market.TransferRequest{}, false
	}
	return r.requests[len(r.requests)-1], true
}

var _ market.Custody = (*Recorder)(nil)
