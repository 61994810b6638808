package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// HeaderCustody identifies the custody service that signed the request.
	HeaderCustody = "X-Custody-Id"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew = 2 * time.Minute
	maxNonceWindow          = 10 * time.Minute
	defaultNonceCapacity    = 4096
	pruneInterval           = time.Minute
)

var (
	ErrUnknownCustody = errors.New("auth: unknown custody service")
	ErrBadSignature   = errors.New("auth: invalid signature")
	ErrStale          = errors.New("auth: timestamp outside allowed skew")
	ErrReplay         = errors.New("auth: nonce already used")
)

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Custody    string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for nonce usage so replays are
// rejected across restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Verifier authenticates custody callbacks. Each custody service signs
// requests with its shared token.
type Verifier struct {
	secrets     map[string]string
	skew        time.Duration
	nonceTTL    time.Duration
	nowFn       func() time.Time
	seen        *expirable.LRU[string, struct{}]
	persistence NoncePersistence

	mu         sync.Mutex
	lastPruned time.Time
}

// NewVerifier builds a verifier keyed by custody id. Skew and TTL are
// clamped to safe maxima.
func NewVerifier(secrets map[string]string, skew, nonceTTL time.Duration, nowFn func() time.Time, persistence NoncePersistence) *Verifier {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 || nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	return &Verifier{
		secrets:     cloned,
		skew:        skew,
		nonceTTL:    nonceTTL,
		nowFn:       nowFn,
		seen:        expirable.NewLRU[string, struct{}](defaultNonceCapacity, nil, nonceTTL),
		persistence: persistence,
	}
}

// Verify validates headers and signature and returns the custody id.
func (v *Verifier) Verify(r *http.Request, body []byte) (string, error) {
	if len(body) > MaxBodyForSignature {
		return "", fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	custody := strings.TrimSpace(r.Header.Get(HeaderCustody))
	secret, ok := v.secrets[custody]
	if custody == "" || !ok || secret == "" {
		return "", ErrUnknownCustody
	}
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	ts, err := parseUnixTimestamp(timestamp)
	if err != nil {
		return "", fmt.Errorf("invalid timestamp: %w", err)
	}
	now := v.nowFn().UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return "", ErrStale
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return "", errors.New("missing X-Nonce header")
	}
	provided, err := hex.DecodeString(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if err != nil || len(provided) == 0 {
		return "", ErrBadSignature
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(provided, expected) {
		return "", ErrBadSignature
	}
	duplicate, err := v.registerNonce(r.Context(), custody, timestamp, nonce, now)
	if err != nil {
		return "", err
	}
	if duplicate {
		return "", ErrReplay
	}
	return custody, nil
}

func (v *Verifier) registerNonce(ctx context.Context, custody, timestamp, nonce string, now time.Time) (bool, error) {
	composite := custody + "|" + timestamp + "|" + nonce
	if v.seen.Contains(composite) {
		return true, nil
	}
	v.seen.Add(composite, struct{}{})
	if v.persistence == nil {
		return false, nil
	}
	if err := v.prune(ctx, now); err != nil {
		return false, err
	}
	existed, err := v.persistence.EnsureNonce(ctx, NonceRecord{Custody: custody, Timestamp: timestamp, Nonce: nonce, ObservedAt: now})
	if err != nil {
		return false, fmt.Errorf("persist nonce: %w", err)
	}
	return existed, nil
}

func (v *Verifier) prune(ctx context.Context, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.lastPruned.IsZero() && now.Sub(v.lastPruned) < pruneInterval {
		return nil
	}
	if err := v.persistence.PruneNonces(ctx, now.Add(-v.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	v.lastPruned = now
	return nil
}

// Sign sets the signature headers on req. It is used by custody simulators
// and tests.
func Sign(req *http.Request, custody, secret, nonce string, now time.Time, body []byte) {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderCustody, custody)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature(secret, timestamp, nonce, req.Method, CanonicalRequestPath(req), body)))
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable HMAC signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// ComputeSignature builds the HMAC-SHA256 signature bytes for the request metadata.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
