package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nftmarket/core/events"
	"nftmarket/core/types"
	"nftmarket/observability"
)

var errNilStore = errors.New("market: store returned nil snapshot")

// Engine serialises every market operation over one Ledger. Each operation
// runs in a journaled transaction: a failure reverts all in-memory changes,
// a success persists the touched records in one commit and then publishes
// the operation's events.
type Engine struct {
	mu sync.Mutex

	params  Params
	ledger  *Ledger
	store   Store
	custody Custody
	emitter events.Emitter
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.MarketMetrics
	nowFn   func() time.Time
	newID   func() string

	resolved *lru.Cache[string, *Settlement]

	outbox []*types.Event
	halted error
}

// NewEngine restores the ledger from store (which may be nil for a purely
// in-memory engine) and returns a ready engine with a no-op emitter.
func NewEngine(params Params, store Store) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.ResolvedCacheSize <= 0 {
		params.ResolvedCacheSize = defaultResolvedCacheSize
	}
	ledger := NewLedger(params.Vault)
	if store != nil {
		snap, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("market: load ledger: %w", err)
		}
		if snap == nil {
			return nil, errNilStore
		}
		ledger, err = RestoreLedger(params.Vault, snap)
		if err != nil {
			return nil, err
		}
	}
	resolved, err := lru.New[string, *Settlement](params.ResolvedCacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		params:   params,
		ledger:   ledger,
		store:    store,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("nftmarket/market"),
		metrics:  observability.Market(),
		nowFn:    time.Now,
		newID:    uuid.NewString,
		resolved: resolved,
	}
	e.refreshGauges()
	return e, nil
}

// SetCustody configures the custody adapter used for transfer requests.
func (e *Engine) SetCustody(custody Custody) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custody = custody
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// SetIDFunc overrides settlement id generation.
func (e *Engine) SetIDFunc(fn func() string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		fn = uuid.NewString
	}
	e.newID = fn
}

// Params returns the engine parameters.
func (e *Engine) Params() Params { return e.params }

// Halted returns the invariant violation that stopped the engine, if any.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// --- transactions ---

func (e *Engine) begin() error {
	if e.halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, e.halted)
	}
	e.ledger.j = &journal{}
	e.outbox = e.outbox[:0]
	return nil
}

// rollback reverts the open transaction. Invariant violations halt the
// engine.
func (e *Engine) rollback(err error) error {
	if e.ledger.j != nil {
		e.ledger.j.revert()
		e.ledger.j = nil
	}
	e.outbox = e.outbox[:0]
	if errors.Is(err, ErrInvariantViolation) {
		e.halt(err)
	}
	return err
}

func (e *Engine) halt(err error) {
	if e.halted == nil {
		e.halted = err
		e.logger.Error("market halted", slog.Any("error", err))
		e.metrics.SetHalted(true)
	}
}

// persist writes the open transaction's records. On failure the transaction
// is rolled back.
func (e *Engine) persist() error {
	if e.params.VerifyInvariants {
		if err := e.ledger.CheckInvariants(); err != nil {
			return e.rollback(err)
		}
	}
	if e.store == nil || e.ledger.j.empty() {
		return nil
	}
	cs := e.ledger.changeSet()
	if cs.Empty() {
		return nil
	}
	if err := e.store.Commit(cs); err != nil {
		return e.rollback(fmt.Errorf("market: persist: %w", err))
	}
	return nil
}

// unwind reverts a transaction whose records were already persisted and
// writes the restored records back.
func (e *Engine) unwind(cause error) error {
	j := e.ledger.j
	j.revert()
	e.outbox = e.outbox[:0]
	if e.store != nil {
		if err := e.store.Commit(e.ledger.changeSet()); err != nil {
			e.ledger.j = nil
			err = fmt.Errorf("%w: persist rollback after %v: %v", ErrInvariantViolation, cause, err)
			e.halt(err)
			return err
		}
	}
	e.ledger.j = nil
	return cause
}

// finish closes the transaction and publishes its events.
func (e *Engine) finish() {
	e.ledger.j = nil
	now := e.nowFn().UTC()
	for _, evt := range e.outbox {
		evt.EmittedAt = now
		e.emitter.Emit(marketEvent{evt: evt})
	}
	e.outbox = e.outbox[:0]
	e.refreshGauges()
}

func (e *Engine) queue(evt *types.Event) {
	if evt != nil {
		e.outbox = append(e.outbox, evt)
	}
}

// apply runs fn inside a transaction.
func (e *Engine) apply(op string, fn func() error) error {
	start := e.nowFn()
	err := e.applyLocked(fn)
	e.observe(op, start, err)
	return err
}

func (e *Engine) applyLocked(fn func() error) error {
	if err := e.begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return e.rollback(err)
	}
	if err := e.persist(); err != nil {
		return err
	}
	e.finish()
	return nil
}

func (e *Engine) observe(op string, start time.Time, err error) {
	e.metrics.Observe(op, e.nowFn().Sub(start), ErrorCode(err))
	if err != nil && !errors.Is(err, ErrInvariantViolation) {
		e.logger.Debug("market operation rejected", slog.String("operation", op), slog.String("code", ErrorCode(err)), slog.Any("error", err))
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, uid UID) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrUID(uid)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (e *Engine) refreshGauges() {
	l := e.ledger
	e.metrics.SetLedger(len(l.listings), len(l.offerOwner),
		l.countSettlements(SettlementPending), l.countSettlements(SettlementResolved),
		amountFloat(l.Balance(l.vault)), amountFloat(l.counters.InFlight))
}

// Stats summarises the ledger.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.ledger
	return Stats{
		Listings:          len(l.listings),
		Offers:            len(l.offerOwner),
		PendingSettlement: l.countSettlements(SettlementPending),
		FailedSettlement:  l.countSettlements(SettlementResolved),
		Vault:             l.Balance(l.vault),
		InFlight:          cloneAmount(l.counters.InFlight),
		Dust:              cloneAmount(l.counters.Dust),
	}
}

// CheckInvariants verifies the ledger under the engine lock.
func (e *Engine) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.CheckInvariants()
}

func attrUID(uid UID) attribute.KeyValue { return attribute.String("market.uid", string(uid)) }

func amountFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
