package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const (
	HeaderIdempotencyKey    = "Idempotency-Key"
	HeaderIdempotentReplay  = "Idempotent-Replay"
	maxIdempotencyKeyLength = 128
	maxIdempotentBody       = 1 << 20
)

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request")

// StoredResponse is a cached response for an idempotency key.
type StoredResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// IdempotencyStore keeps the first response produced for each caller-scoped
// idempotency key.
type IdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// OpenIdempotencyStore opens (or creates) the SQLite database at path.
// Entries older than ttl are ignored and pruned.
func OpenIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &IdempotencyStore{db: db, ttl: ttl}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *IdempotencyStore) init() error {
	const schema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
            caller TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            content_type TEXT NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(caller, idempotency_key)
        );`
	_, err := s.db.Exec(schema)
	return err
}

func (s *IdempotencyStore) Close() error {
	return s.db.Close()
}

// Lookup returns the stored response for key, nil when none is stored, or
// ErrIdempotencyMismatch when the key was used for a different request.
func (s *IdempotencyStore) Lookup(ctx context.Context, caller, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, content_type, response_body, request_hash, created_at FROM idempotency_keys WHERE caller = ? AND idempotency_key = ?`
	var (
		resp       StoredResponse
		storedHash string
		createdAt  time.Time
	)
	err := s.db.QueryRowContext(ctx, query, caller, key).Scan(&resp.Status, &resp.ContentType, &resp.Body, &storedHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 && time.Since(createdAt) > s.ttl {
		return nil, nil
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &resp, nil
}

func (s *IdempotencyStore) Save(ctx context.Context, caller, key, requestHash string, resp StoredResponse) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(caller, idempotency_key, request_hash, response_status, content_type, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, caller, key, requestHash, resp.Status, resp.ContentType, resp.Body, time.Now().UTC())
	return err
}

// Prune deletes entries created before cutoff.
func (s *IdempotencyStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Idempotency replays the stored response when a mutating request repeats
// an Idempotency-Key. Requests without the header pass through. Server
// errors are not cached.
type Idempotency struct {
	store  *IdempotencyStore
	logger *slog.Logger
}

func NewIdempotency(store *IdempotencyStore, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{store: store, logger: logger}
}

func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if i == nil || i.store == nil || key == "" || isRead(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			http.Error(w, "idempotency key too long", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if len(body) > maxIdempotentBody {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		caller, _ := CallerFromContext(r.Context())
		hash := requestHash(r, body)

		cached, err := i.store.Lookup(r.Context(), caller, key, hash)
		switch {
		case errors.Is(err, ErrIdempotencyMismatch):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			i.logger.Error("idempotency lookup failed", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		case cached != nil:
			if cached.ContentType != "" {
				w.Header().Set("Content-Type", cached.ContentType)
			}
			w.Header().Set(HeaderIdempotentReplay, "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status >= http.StatusInternalServerError {
			return
		}
		stored := StoredResponse{
			Status:      capture.status,
			ContentType: capture.Header().Get("Content-Type"),
			Body:        capture.body.Bytes(),
		}
		if err := i.store.Save(context.WithoutCancel(r.Context()), caller, key, hash, stored); err != nil {
			i.logger.Warn("idempotency save failed", slog.String("key", key), slog.Any("error", err))
		}
	})
}

func requestHash(r *http.Request, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(r.Method))
	sum.Write([]byte{0})
	sum.Write([]byte(r.URL.Path))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
