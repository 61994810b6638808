package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"nftmarket/native/market"
)

type resolveCall struct {
	id      string
	outcome market.TransferOutcome
}

type fakeResolver struct {
	mu    sync.Mutex
	calls []resolveCall
	done  chan struct{}
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{done: make(chan struct{}, 16)}
}

func (f *fakeResolver) ResolvePurchase(_ context.Context, id string, outcome market.TransferOutcome) (*market.Settlement, error) {
	f.mu.Lock()
	f.calls = append(f.calls, resolveCall{id: id, outcome: outcome})
	f.mu.Unlock()
	f.done <- struct{}{}
	return &market.Settlement{ID: id}, nil
}

func (f *fakeResolver) snapshot() []resolveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]resolveCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func sampleRequest(id string) market.TransferRequest {
	return market.TransferRequest{
		SettlementID:     id,
		Custody:          "nft.example",
		Owner:            "alice",
		Receiver:         "bob",
		ItemID:           "token-1",
		ApprovalID:       7,
		Price:            uint256.NewInt(1_000_000),
		MaxPayoutEntries: 10,
	}
}

func TestHTTPClientDeliversPayload(t *testing.T) {
	received := make(chan TransferPayload, 1)
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		var payload TransferPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	resolver := newFakeResolver()
	client, err := NewHTTPClient(Config{
		Endpoint:    srv.URL,
		Token:       "secret",
		CallbackURL: "https://market.example/v1/settlements/",
		Workers:     1,
	}, resolver, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	require.NoError(t, client.RequestTransfer(context.Background(), sampleRequest("s-1")))

	select {
	case payload := <-received:
		require.Equal(t, "s-1", payload.SettlementID)
		require.Equal(t, "bob", payload.ReceiverID)
		require.Equal(t, "alice", payload.OwnerID)
		require.Equal(t, "1000000", payload.Price)
		require.Equal(t, uint64(7), payload.ApprovalID)
		require.Equal(t, uint32(10), payload.MaxPayoutEntries)
		require.Equal(t, "https://market.example/v1/settlements/s-1/result", payload.CallbackURL)
	case <-time.After(5 * time.Second):
		t.Fatal("custody endpoint never called")
	}
	client.Close()
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, "s-1", idem)
	require.Empty(t, resolver.snapshot())
}

func waitResolved(t *testing.T, resolver *fakeResolver, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-resolver.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("expected %d resolutions, got %d", n, i)
		}
	}
}

func TestHTTPClientResolvesRejectedRequestOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	resolver := newFakeResolver()
	client, err := NewHTTPClient(Config{Endpoint: srv.URL, Workers: 2, MinBackoff: time.Millisecond}, resolver, nil)
	require.NoError(t, err)
	client.Start(context.Background())

	require.NoError(t, client.RequestTransfer(context.Background(), sampleRequest("s-2")))
	waitResolved(t, resolver, 1)
	client.Close()

	calls := resolver.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "s-2", calls[0].id)
	require.False(t, calls[0].outcome.Success)
	require.Contains(t, calls[0].outcome.Reason, "400")
	require.Equal(t, int32(1), hits.Load())
}

func TestHTTPClientResolvesDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	resolver := newFakeResolver()
	client, err := NewHTTPClient(Config{Endpoint: endpoint, Workers: 1, MinBackoff: time.Millisecond}, resolver, nil)
	require.NoError(t, err)
	client.Start(context.Background())

	require.NoError(t, client.RequestTransfer(context.Background(), sampleRequest("s-dial")))
	waitResolved(t, resolver, 1)
	client.Close()

	calls := resolver.snapshot()
	require.Len(t, calls, 1)
	require.False(t, calls[0].outcome.Success)
	require.Contains(t, calls[0].outcome.Reason, "delivery failed")
}

func TestHTTPClientRetriesServerErrorsUnderSameKey(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		n := len(keys)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	resolver := newFakeResolver()
	client, err := NewHTTPClient(Config{
		Endpoint:    srv.URL,
		Workers:     1,
		MaxAttempts: 5,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, resolver, nil)
	require.NoError(t, err)
	client.Start(context.Background())

	require.NoError(t, client.RequestTransfer(context.Background(), sampleRequest("s-retry")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 3
	}, 5*time.Second, 5*time.Millisecond)
	client.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"s-retry", "s-retry", "s-retry"}, keys)
	require.Empty(t, resolver.snapshot())
}

func TestHTTPClientLeavesTimedOutRequestPending(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	resolver := newFakeResolver()
	client, err := NewHTTPClient(Config{
		Endpoint:    srv.URL,
		Workers:     1,
		Timeout:     50 * time.Millisecond,
		MaxAttempts: 3,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, resolver, nil)
	require.NoError(t, err)
	client.Start(context.Background())

	require.NoError(t, client.RequestTransfer(context.Background(), sampleRequest("s-slow")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(keys) == 3
	}, 5*time.Second, 5*time.Millisecond)
	client.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"s-slow", "s-slow", "s-slow"}, keys)
	require.Empty(t, resolver.snapshot(), "a request custody may have received must stay pending")
}

func TestHTTPClientDrainsQueueWhenStopped(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	resolver := newFakeResolver()
	client, err := NewHTTPClient(Config{Endpoint: srv.URL, Workers: 2}, resolver, nil)
	require.NoError(t, err)
	require.NoError(t, client.RequestTransfer(context.Background(), sampleRequest("q-1")))
	require.NoError(t, client.RequestTransfer(context.Background(), sampleRequest("q-2")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client.Start(ctx)
	waitResolved(t, resolver, 2)
	client.Close()

	calls := resolver.snapshot()
	require.Len(t, calls, 2)
	ids := []string{calls[0].id, calls[1].id}
	require.ElementsMatch(t, []string{"q-1", "q-2"}, ids)
	for _, call := range calls {
		require.False(t, call.outcome.Success)
		require.Contains(t, call.outcome.Reason, "stopped before delivery")
	}
	require.Zero(t, hits.Load())
}

func TestUndelivered(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"bad request":  {&statusError{code: http.StatusBadRequest}, true},
		"conflict":     {&statusError{code: http.StatusConflict}, true},
		"throttled":    {&statusError{code: http.StatusTooManyRequests}, false},
		"server error": {&statusError{code: http.StatusBadGateway}, false},
		"dial refused": {&url.Error{Op: "Post", Err: &net.OpError{Op: "dial", Err: errors.New("refused")}}, true},
		"read reset":   {&url.Error{Op: "Post", Err: &net.OpError{Op: "read", Err: errors.New("reset")}}, false},
		"no such host": {&url.Error{Op: "Post", Err: &net.DNSError{Err: "no such host", Name: "custody"}}, true},
		"deadline":     {&url.Error{Op: "Post", Err: context.DeadlineExceeded}, false},
		"encode":       {fmt.Errorf("%w: encode: boom", errNotSent), true},
		"stopped":      {errStopped, true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, undelivered(tc.err))
		})
	}
}

func TestHTTPClientQueueBounds(t *testing.T) {
	client, err := NewHTTPClient(Config{Endpoint: "http://127.0.0.1:1", QueueSize: 1}, newFakeResolver(), nil)
	require.NoError(t, err)

	require.NoError(t, client.RequestTransfer(context.Background(), sampleRequest("a")))
	require.ErrorIs(t, client.RequestTransfer(context.Background(), sampleRequest("b")), ErrQueueFull)

	client.Close()
	require.ErrorIs(t, client.RequestTransfer(context.Background(), sampleRequest("c")), ErrClosed)
}

func TestNewHTTPClientValidation(t *testing.T) {
	_, err := NewHTTPClient(Config{}, newFakeResolver(), nil)
	require.Error(t, err)
	_, err = NewHTTPClient(Config{Endpoint: "http://x"}, nil, nil)
	require.Error(t, err)
}

func TestRecorderAutoApproves(t *testing.T) {
	resolver := newFakeResolver()
	rec := NewAutoApprover(resolver, []byte(`{"payout":{"alice":"1000000"}}`), nil)
	require.NoError(t, rec.RequestTransfer(context.Background(), sampleRequest("s-3")))
	rec.Wait()

	calls := resolver.snapshot()
	require.Len(t, calls, 1)
	require.True(t, calls[0].outcome.Success)
	last, ok := rec.Last()
	require.True(t, ok)
	require.Equal(t, "s-3", last.SettlementID)
}
