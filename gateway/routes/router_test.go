package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"nftmarket/core/events"
	"nftmarket/core/state"
	"nftmarket/gateway/auth"
	"nftmarket/gateway/middleware"
	"nftmarket/native/market"
	"nftmarket/native/market/custody"
	"nftmarket/storage"
)

const (
	testJWTSecret     = "jwt-secret"
	testCustody       = "nft.example"
	testCustodySecret = "custody-secret"
	testRival         = "rival.example"
	testRivalSecret   = "rival-secret"
	testBridge        = "bridge"
	testBridgeSecret  = "bridge-secret"
	testAdmin         = "admin"
	testTreasury      = "treasury"
)

type harness struct {
	t        *testing.T
	engine   *market.Engine
	recorder *custody.Recorder
	hub      *events.Hub
	handler  http.Handler
	nonce    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	params := market.DefaultParams()
	params.Treasury = testTreasury
	params.Admin = testAdmin
	params.VerifyInvariants = true
	engine, err := market.NewEngine(params, nil)
	require.NoError(t, err)
	recorder := custody.NewRecorder()
	engine.SetCustody(recorder)
	hub := events.NewHub(16)
	engine.SetEmitter(hub)

	handler, err := New(Config{
		Engine: engine,
		Verifier: auth.NewVerifier(map[string]string{
			testCustody: testCustodySecret,
			testRival:   testRivalSecret,
			testBridge:  testBridgeSecret,
		}, time.Minute, time.Minute, nil, nil),
		Bridges:       []string{testBridge},
		Hub:           hub,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: testJWTSecret, AllowAnonymousReads: true}, nil),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{MetricsPrefix: "routes_test"}, nil),
	})
	require.NoError(t, err)
	return &harness{t: t, engine: engine, recorder: recorder, hub: hub, handler: handler}
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (h *harness) do(method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	if caller != "" {
		req.Header.Set("Authorization", bearer(h.t, caller))
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func (h *harness) signed(path string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.signedAs(testCustody, testCustodySecret, path, body)
}

func (h *harness) signedAs(custody, secret, path string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(h.t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	h.nonce++
	auth.Sign(req, custody, secret, fmt.Sprintf("nonce-%d", h.nonce), time.Now(), data)
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func (h *harness) fund(account string, value uint64) {
	h.t.Helper()
	_, err := h.engine.Deposit(testAdmin, market.AccountID(account), uint256.NewInt(value))
	require.NoError(h.t, err)
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func TestListingLifecycle(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodPost, "/v1/listings", "alice", map[string]interface{}{
		"custody": testCustody, "itemId": "token-1", "price": "1000", "approvalId": 7,
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	created := decode[listingView](t, res)
	require.Equal(t, "nft.example:token-1", created.UID)
	require.Equal(t, "alice", created.Owner)

	res = h.do(http.MethodPost, "/v1/listings", "alice", map[string]interface{}{
		"custody": testCustody, "itemId": "token-1", "price": "5",
	})
	require.Equal(t, http.StatusConflict, res.Code)
	require.Equal(t, "already_listed", decode[map[string]string](t, res)["code"])

	res = h.do(http.MethodGet, "/v1/listings/nft.example:token-1/price", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "1000", decode[map[string]string](t, res)["price"])

	res = h.do(http.MethodPut, "/v1/listings/nft.example:token-1/price", "mallory", map[string]string{"price": "1"})
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodPut, "/v1/listings/nft.example:token-1/price", "alice", map[string]string{"price": "1200"})
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "1200", decode[listingView](t, res).Price)

	res = h.do(http.MethodGet, "/v1/listings?limit=10", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	page := decode[pageView](t, res)
	require.EqualValues(t, 1, page.Total)
	require.False(t, page.HasNext)

	res = h.do(http.MethodGet, "/v1/owners/alice/listings", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, decode[map[string][]listingView](t, res)["listings"], 1)

	res = h.do(http.MethodDelete, "/v1/listings/nft.example:token-1", "alice", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = h.do(http.MethodGet, "/v1/listings/nft.example:token-1", "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestWritesRequireAuthentication(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodPost, "/v1/listings", "", map[string]string{"custody": testCustody, "itemId": "x", "price": "1"})
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = h.do(http.MethodPost, "/v1/listings", "alice", map[string]string{"custody": testCustody, "itemId": "x", "price": "-1"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(http.MethodPost, "/v1/listings", "alice", map[string]string{"custody": testCustody, "itemId": "x", "price": "1", "bogus": "y"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestOfferEscrowAndWithdraw(t *testing.T) {
	h := newHarness(t)
	h.fund("bob", 500)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/listings", "alice", map[string]string{
		"custody": testCustody, "itemId": "token-1", "price": "1000",
	}).Code)

	res := h.do(http.MethodPost, "/v1/listings/nft.example:token-1/offers", "bob", map[string]string{"amount": "800"})
	require.Equal(t, http.StatusPaymentRequired, res.Code)

	res = h.do(http.MethodPost, "/v1/listings/nft.example:token-1/offers", "bob", map[string]string{"amount": "300"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	offer := decode[offerView](t, res)

	res = h.do(http.MethodGet, "/v1/balances/bob", "bob", nil)
	require.Equal(t, "200", decode[map[string]string](t, res)["balance"])

	res = h.do(http.MethodGet, "/v1/balances/bob", "carol", nil)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodGet, "/v1/bidders/bob/offers", "", nil)
	require.Len(t, decode[map[string][]offerView](t, res)["offers"], 1)

	res = h.do(http.MethodDelete, "/v1/offers/"+offer.ID, "carol", nil)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodDelete, "/v1/offers/"+offer.ID, "bob", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "500", h.engine.Balance("bob").Dec())

	res = h.do(http.MethodPost, "/v1/balances/withdraw", "bob", map[string]string{"amount": "500"})
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "0", decode[map[string]string](t, res)["balance"])
}

func TestBuyAndCustodyCallback(t *testing.T) {
	h := newHarness(t)
	h.fund("bob", 1_000_000)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/listings", "alice", map[string]string{
		"custody": testCustody, "itemId": "token-1", "price": "1000000",
	}).Code)

	res := h.do(http.MethodPost, "/v1/listings/nft.example:token-1/buy", "bob", map[string]string{"amount": "999999"})
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "price_mismatch", decode[map[string]string](t, res)["code"])

	res = h.do(http.MethodPost, "/v1/listings/nft.example:token-1/buy", "bob", map[string]string{"amount": "1000000"})
	require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())
	pending := decode[settlementView](t, res)
	require.Equal(t, "pending", pending.State)
	req, ok := h.recorder.Last()
	require.True(t, ok)
	require.Equal(t, pending.ID, req.SettlementID)

	res = h.do(http.MethodGet, "/v1/settlements/"+pending.ID, "carol", nil)
	require.Equal(t, http.StatusForbidden, res.Code)
	res = h.do(http.MethodGet, "/v1/settlements/"+pending.ID, "alice", nil)
	require.Equal(t, http.StatusOK, res.Code)

	path := "/v1/settlements/" + pending.ID + "/result"
	unsigned := httptest.NewRecorder()
	h.handler.ServeHTTP(unsigned, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"success":true}`)))
	require.Equal(t, http.StatusUnauthorized, unsigned.Code)

	res = h.signed(path, map[string]interface{}{
		"success": true,
		"payout":  map[string]interface{}{"payout": map[string]string{"alice": "900000", "carol": "100000"}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	settled := decode[settlementView](t, res)
	require.Equal(t, "settled", settled.Outcome)
	require.Equal(t, "880000", settled.Credits["alice"])
	require.Equal(t, "100000", settled.Credits["carol"])
	require.Equal(t, "20000", h.engine.Balance(testTreasury).Dec())

	res = h.signed(path, map[string]interface{}{"success": true})
	require.Equal(t, http.StatusConflict, res.Code)
}

func (h *harness) pendingPurchase(itemID string, price uint64) string {
	h.t.Helper()
	h.fund("bob", price)
	amount := fmt.Sprintf("%d", price)
	require.Equal(h.t, http.StatusCreated, h.do(http.MethodPost, "/v1/listings", "alice", map[string]string{
		"custody": testCustody, "itemId": itemID, "price": amount,
	}).Code)
	res := h.do(http.MethodPost, "/v1/listings/"+testCustody+":"+itemID+"/buy", "bob", map[string]string{"amount": amount})
	require.Equal(h.t, http.StatusAccepted, res.Code, res.Body.String())
	return decode[settlementView](h.t, res).ID
}

func TestCallbackFromOtherCustodyRejected(t *testing.T) {
	h := newHarness(t)
	id := h.pendingPurchase("token-3", 1000)
	path := "/v1/settlements/" + id + "/result"

	res := h.signedAs(testRival, testRivalSecret, path, map[string]interface{}{
		"success": true,
		"payout":  map[string]string{"alice": "20", "mallory": "980"},
	})
	require.Equal(t, http.StatusForbidden, res.Code, res.Body.String())
	require.Equal(t, "0", h.engine.Balance("mallory").Dec())
	settlement, ok := h.engine.Settlement(id)
	require.True(t, ok)
	require.Equal(t, market.SettlementPending, settlement.State)

	res = h.signedAs(testRival, testRivalSecret, "/v1/settlements/unknown/result", map[string]interface{}{"success": true})
	require.Equal(t, http.StatusNotFound, res.Code)

	res = h.signed(path, map[string]interface{}{"success": true})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "980", h.engine.Balance("alice").Dec())
}

func TestBridgeResolvesAnyCustody(t *testing.T) {
	h := newHarness(t)
	id := h.pendingPurchase("token-4", 1000)

	res := h.signedAs(testBridge, testBridgeSecret, "/v1/settlements/"+id+"/result", map[string]interface{}{"success": true})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "fallback", decode[settlementView](t, res).Outcome)
	require.Equal(t, "980", h.engine.Balance("alice").Dec())
}

func TestOversizedCallbackRejected(t *testing.T) {
	h := newHarness(t)
	id := h.pendingPurchase("token-6", 10)
	res := h.signed("/v1/settlements/"+id+"/result", map[string]interface{}{
		"success": true,
		"reason":  strings.Repeat("x", auth.MaxBodyForSignature),
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, res.Code)
}

func TestFailedTransferAndReclaim(t *testing.T) {
	h := newHarness(t)
	h.fund("bob", 100)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/listings", "alice", map[string]string{
		"custody": testCustody, "itemId": "token-9", "price": "100",
	}).Code)
	res := h.do(http.MethodPost, "/v1/listings/nft.example:token-9/buy", "bob", map[string]string{"amount": "100"})
	require.Equal(t, http.StatusAccepted, res.Code)
	id := decode[settlementView](t, res).ID

	res = h.signed("/v1/settlements/"+id+"/result", map[string]interface{}{"success": false, "reason": "owner moved token"})
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "failed", decode[settlementView](t, res).Outcome)

	res = h.do(http.MethodGet, "/v1/admin/settlements?state=failed", testAdmin, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, decode[map[string][]settlementView](t, res)["settlements"], 1)

	res = h.do(http.MethodPost, "/v1/admin/settlements/"+id+"/reclaim", "bob", nil)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodPost, "/v1/admin/settlements/"+id+"/reclaim", testAdmin, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "100", h.engine.Balance("bob").Dec())

	res = h.do(http.MethodGet, "/v1/admin/stats", testAdmin, nil)
	require.Equal(t, http.StatusOK, res.Code)
	stats := decode[statsView](t, res)
	require.Equal(t, "0", stats.Vault)
	require.Equal(t, 0, stats.FailedSettlement)
}

func TestApprovalHookListsItem(t *testing.T) {
	h := newHarness(t)
	msg := `{"json_nft":{"contract_id":"nft.example","token_id":"token-5","owner_id":"alice","title":"Sunset","media_url":"https://m","reference_url":"https://r","mint_site":{"name":"mint","nft_link":"https://l"},"price":"250"}}`
	res := h.signed("/v1/approvals", map[string]interface{}{
		"owner": "alice", "signer": "alice", "itemId": "token-5", "approvalId": 3, "msg": msg,
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	listing := decode[listingView](t, res)
	require.Equal(t, "250", listing.Price)
	require.Equal(t, testCustody, listing.Custody)

	res = h.signed("/v1/approvals", map[string]interface{}{
		"owner": "alice", "signer": "mallory", "itemId": "token-6", "approvalId": 4, "msg": msg,
	})
	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestAdminWhitelistAndForceRemove(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodPut, "/v1/admin/whitelist/"+testCustody, "alice", nil)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodPut, "/v1/admin/whitelist/"+testCustody, testAdmin, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, h.engine.IsWhitelisted(testCustody))

	res = h.do(http.MethodGet, "/v1/admin/whitelist", "", nil)
	require.Equal(t, []string{testCustody}, decode[map[string][]string](t, res)["accounts"])

	h.fund("bob", 50)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/listings", "alice", map[string]string{
		"custody": testCustody, "itemId": "bad", "price": "100",
	}).Code)
	require.Equal(t, http.StatusCreated, h.do(http.MethodPost, "/v1/listings/nft.example:bad/offers", "bob", map[string]string{"amount": "50"}).Code)

	res = h.do(http.MethodDelete, "/v1/admin/listings/nft.example:bad", testAdmin, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, decode[map[string][]offerView](t, res)["refunded"], 1)
	require.Equal(t, "50", h.engine.Balance("bob").Dec())
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", decode[map[string]string](t, res)["status"])

	res = h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "routes_test_requests_total")
}

func TestSalesDisabledWithoutArchive(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodGet, "/v1/sales", "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(h.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/events/ws?types=" + market.EventTypeListingCreated
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	_, err = h.engine.List(market.ListRequest{Owner: "alice", Custody: testCustody, ItemID: "token-1", Price: uint256.NewInt(10)})
	require.NoError(t, err)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, market.EventTypeListingCreated, evt.Type)
	require.Equal(t, "nft.example:token-1", evt.Attributes["uid"])
}

func TestMarketStatusMapping(t *testing.T) {
	cases := map[error]int{
		market.ErrNotListed:              http.StatusNotFound,
		market.ErrAlreadyListed:          http.StatusConflict,
		market.ErrNotOwner:               http.StatusForbidden,
		market.ErrSelfOffer:              http.StatusBadRequest,
		market.ErrInsufficientFunds:      http.StatusPaymentRequired,
		market.ErrExternalTransferFailed: http.StatusBadGateway,
		market.ErrHalted:                 http.StatusServiceUnavailable,
		fmt.Errorf("wrapped: %w", market.ErrNoSuchOffer): http.StatusNotFound,
	}
	for err, status := range cases {
		require.Equal(t, status, marketStatus(err), err.Error())
	}
}

func TestLedgerRoot(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodGet, "/v1/admin/root", testAdmin, nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	params := market.DefaultParams()
	params.Treasury = testTreasury
	params.Admin = testAdmin
	store := state.NewMarketStore(storage.NewMemDB())
	engine, err := market.NewEngine(params, store)
	require.NoError(t, err)
	handler, err := New(Config{
		Engine: engine,
		Ledger:        store,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: testJWTSecret}, nil),
	})
	require.NoError(t, err)

	get := func() string {
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/root", nil)
		req.Header.Set("Authorization", bearer(t, testAdmin))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
		return decode[map[string]string](t, res)["root"]
	}
	before := get()
	_, err = engine.Deposit(testAdmin, "bob", uint256.NewInt(5))
	require.NoError(t, err)
	require.NotEqual(t, before, get())
}
