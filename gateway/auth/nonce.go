package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"nftmarket/storage"
)

var noncePrefix = []byte("callback-nonce/")

// DatabaseNonces persists callback nonces in the service key-value store.
type DatabaseNonces struct {
	db storage.Database
}

// NewDatabaseNonces binds nonce persistence to db.
func NewDatabaseNonces(db storage.Database) *DatabaseNonces {
	return &DatabaseNonces{db: db}
}

func nonceKey(record NonceRecord) []byte {
	composite := strings.Join([]string{record.Custody, record.Timestamp, record.Nonce}, "|")
	return append(append([]byte(nil), noncePrefix...), composite...)
}

// EnsureNonce records a nonce usage and reports whether it was already
// present.
func (p *DatabaseNonces) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("nonce persistence not configured")
	}
	if record.Custody == "" || record.Timestamp == "" || record.Nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	key := nonceKey(record)
	_, err := p.db.Get(key)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("load nonce: %w", err)
	}
	observed := record.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(observed.UnixNano()))
	if err := p.db.Put(key, value); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// PruneNonces deletes nonces observed before cutoff.
func (p *DatabaseNonces) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return nil
	}
	batch := storage.NewBatch()
	limit := cutoff.UnixNano()
	err := p.db.Iterate(noncePrefix, func(key, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(value) != 8 || int64(binary.BigEndian.Uint64(value)) < limit {
			batch.Delete(key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return p.db.Write(batch)
}
