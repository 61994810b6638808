package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"nftmarket/core/events"
	"nftmarket/native/market"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultQueueSize = 1024
	defaultLimit     = 100
	maxLimit         = 1000
)

var (
	ErrNotFound = errors.New("history: sale not found")
	ErrClosed   = errors.New("history: archive closed")
)

var archivedTypes = map[string]struct{}{
	market.EventTypePurchaseSettled:     {},
	market.EventTypePurchaseFallback:    {},
	market.EventTypePurchaseFailed:      {},
	market.EventTypeSettlementReclaimed: {},
}

// Open connects to the archive database and migrates its schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return db, nil
}

// Archive stores resolved settlements. It is an events.Emitter: rows are
// written by a background worker so the emitting operation never waits on
// the database.
type Archive struct {
	db     *gorm.DB
	logger *slog.Logger

	queue   chan Sale
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped uint64
}

// NewArchive starts the writer goroutine over db.
func NewArchive(db *gorm.DB, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive{
		db:     db,
		logger: logger.With(slog.String("component", "history")),
		queue:  make(chan Sale, defaultQueueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Emit implements events.Emitter.
func (a *Archive) Emit(evt events.Event) {
	if a == nil || evt == nil {
		return
	}
	if _, ok := archivedTypes[evt.EventType()]; !ok {
		return
	}
	payload, ok := evt.(market.Payload)
	if !ok || payload.Event() == nil {
		return
	}
	sale := saleFromEvent(payload)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- sale:
	default:
		a.dropped++
		a.logger.Warn("sale dropped, archive queue full", slog.String("settlement", sale.SettlementID))
	}
}

func saleFromEvent(payload market.Payload) Sale {
	evt := payload.Event()
	attr := evt.Attr
	resolved := evt.EmittedAt
	if resolved.IsZero() {
		resolved = time.Now()
	}
	return Sale{
		SettlementID: attr("settlementId"),
		UID:          attr("uid"),
		Custody:      attr("custody"),
		ItemID:       attr("itemId"),
		Buyer:        attr("buyer"),
		Seller:       attr("seller"),
		Price:        attr("price"),
		Fee:          attr("fee"),
		Source:       attr("source"),
		OfferID:      attr("offerId"),
		Outcome:      attr("outcome"),
		Credits:      attr("credits"),
		Dust:         attr("dust"),
		Reason:       attr("reason"),
		ResolvedAt:   resolved.UTC(),
	}
}

func (a *Archive) run() {
	defer a.wg.Done()
	for sale := range a.queue {
		if err := a.Record(context.Background(), sale); err != nil {
			a.logger.Error("archive sale", slog.String("settlement", sale.SettlementID), slog.Any("error", err))
		}
	}
}

// Record upserts sale. A reclaimed settlement overwrites its failed row.
func (a *Archive) Record(ctx context.Context, sale Sale) error {
	if strings.TrimSpace(sale.SettlementID) == "" {
		return errors.New("history: settlement id required")
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "settlement_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"outcome", "credits", "dust", "reason", "fee", "resolved_at", "updated_at",
		}),
	}).Create(&sale).Error
}

// Close stops accepting events and waits until queued rows are written.
func (a *Archive) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	a.wg.Wait()
}

// Dropped reports sales discarded because the queue was full.
func (a *Archive) Dropped() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dropped
}

// Query filters archived sales. Zero values do not filter.
type Query struct {
	Account string
	UID     string
	Outcome string
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// Sales returns matching rows, newest first.
func (a *Archive) Sales(ctx context.Context, q Query) ([]Sale, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	tx := a.db.WithContext(ctx).Model(&Sale{})
	if account := strings.TrimSpace(q.Account); account != "" {
		tx = tx.Where("buyer = ? OR seller = ?", account, account)
	}
	if uid := strings.TrimSpace(q.UID); uid != "" {
		tx = tx.Where("uid = ?", uid)
	}
	if outcome := strings.TrimSpace(q.Outcome); outcome != "" {
		tx = tx.Where("outcome = ?", outcome)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("resolved_at >= ?", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		tx = tx.Where("resolved_at < ?", q.Until.UTC())
	}
	var sales []Sale
	err := tx.Order("resolved_at DESC").Order("settlement_id").Limit(limit).Offset(q.Offset).Find(&sales).Error
	return sales, err
}

// Sale returns the archived row for a settlement.
func (a *Archive) Sale(ctx context.Context, settlementID string) (*Sale, error) {
	var sale Sale
	err := a.db.WithContext(ctx).Where("settlement_id = ?", settlementID).First(&sale).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

var _ events.Emitter = (*Archive)(nil)
