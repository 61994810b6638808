package market

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"nftmarket/core/events"
)

const (
	testVault    AccountID = "market.vault"
	testTreasury AccountID = "treasury"
	testAdmin    AccountID = "admin"
	testCustody  AccountID = "nft.example"
)

type fakeCustody struct {
	requests []TransferRequest
	err      error
}

func (f *fakeCustody) RequestTransfer(_ context.Context, req TransferRequest) error {
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeCustody) last(t *testing.T) TransferRequest {
	t.Helper()
	if len(f.requests) == 0 {
		t.Fatalf("no transfer requested")
	}
	return f.requests[len(f.requests)-1]
}

type recordingEmitter struct {
	types []string
}

func (r *recordingEmitter) Emit(evt events.Event) { r.types = append(r.types, evt.EventType()) }

func testParams() Params {
	params := DefaultParams()
	params.Vault = testVault
	params.Treasury = testTreasury
	params.Admin = testAdmin
	params.VerifyInvariants = true
	return params
}

func newTestEngine(t *testing.T) (*Engine, *fakeCustody) {
	t.Helper()
	engine, err := NewEngine(testParams(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	custody := &fakeCustody{}
	engine.SetCustody(custody)
	seq := 0
	engine.SetIDFunc(func() string {
		seq++
		return fmt.Sprintf("settlement-%d", seq)
	})
	engine.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return engine, custody
}

func fund(t *testing.T, e *Engine, account AccountID, amount uint64) {
	t.Helper()
	if _, err := e.Deposit(testAdmin, account, amt(amount)); err != nil {
		t.Fatalf("deposit %s: %v", account, err)
	}
}

func list(t *testing.T, e *Engine, owner AccountID, item string, price uint64) UID {
	t.Helper()
	listing, err := e.List(ListRequest{Owner: owner, Custody: testCustody, ItemID: item, Price: amt(price), ApprovalID: 1})
	if err != nil {
		t.Fatalf("list %s: %v", item, err)
	}
	return listing.UID()
}

func expectBalance(t *testing.T, e *Engine, account AccountID, want uint64) {
	t.Helper()
	if got := e.Balance(account); !got.Eq(amt(want)) {
		t.Fatalf("balance of %s: expected %d, got %s", account, want, got.Dec())
	}
}

func expectInvariants(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestListAndPageNewestFirst(t *testing.T) {
	engine, _ := newTestEngine(t)
	for i := 1; i <= 5; i++ {
		list(t, engine, "alice", fmt.Sprintf("item-%d", i), uint64(i*10))
	}

	page := engine.Page(0, 2)
	if page.Total != 5 || !page.HasNext || len(page.Listings) != 2 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	if page.Listings[0].ItemID != "item-5" || page.Listings[1].ItemID != "item-4" {
		t.Fatalf("expected newest first, got %s, %s", page.Listings[0].ItemID, page.Listings[1].ItemID)
	}

	page = engine.Page(3, 10)
	if page.HasNext || len(page.Listings) != 2 || page.Listings[0].ItemID != "item-2" || page.Listings[1].ItemID != "item-1" {
		t.Fatalf("unexpected tail page: %+v", page)
	}

	if page := engine.Page(5, 10); len(page.Listings) != 0 || page.HasNext || page.Total != 5 {
		t.Fatalf("expected empty page past the end, got %+v", page)
	}

	owned := engine.ListingsByOwner("alice")
	if len(owned) != 5 || owned[0].ItemID != "item-1" {
		t.Fatalf("unexpected owner listings: %d", len(owned))
	}
	if price, ok := engine.Price(NewUID(testCustody, "item-3")); !ok || price.Uint64() != 30 {
		t.Fatalf("unexpected price lookup: %v %v", price, ok)
	}
	if _, ok := engine.Price(NewUID(testCustody, "missing")); ok {
		t.Fatalf("expected absent price for unknown item")
	}
	if len(engine.ListingsByOwner("nobody")) != 0 {
		t.Fatalf("expected no listings for unknown owner")
	}
}

func TestListRejectsDuplicatesAndInvalidInput(t *testing.T) {
	engine, _ := newTestEngine(t)
	list(t, engine, "alice", "item-1", 100)

	_, err := engine.List(ListRequest{Owner: "bob", Custody: testCustody, ItemID: "item-1", Price: amt(5)})
	if !errors.Is(err, ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
	_, err = engine.List(ListRequest{Owner: "bob", Custody: testCustody, ItemID: "item-2", Price: amt(0)})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	_, err = engine.List(ListRequest{Owner: "bob", Custody: "", ItemID: "item-2", Price: amt(5)})
	if !errors.Is(err, ErrInvalidListing) {
		t.Fatalf("expected ErrInvalidListing, got %v", err)
	}
	if stats := engine.Stats(); stats.Listings != 1 {
		t.Fatalf("expected rejected listings to leave no trace, got %d", stats.Listings)
	}
}

func TestUpdatePriceKeepsOffers(t *testing.T) {
	engine, _ := newTestEngine(t)
	uid := list(t, engine, "alice", "item-1", 100)
	fund(t, engine, "bob", 40)
	if _, err := engine.PlaceOffer(uid, "bob", amt(40)); err != nil {
		t.Fatalf("place offer: %v", err)
	}

	if _, err := engine.UpdatePrice(uid, amt(150), "bob"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := engine.UpdatePrice(NewUID(testCustody, "nope"), amt(150), "alice"); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
	updated, err := engine.UpdatePrice(uid, amt(150), "alice")
	if err != nil {
		t.Fatalf("update price: %v", err)
	}
	if updated.Price.Uint64() != 150 {
		t.Fatalf("expected 150, got %s", updated.Price.Dec())
	}
	if offers := engine.OffersByItem(uid); len(offers) != 1 {
		t.Fatalf("expected offer to survive price change")
	}
	expectInvariants(t, engine)
}

func TestPlaceAndWithdrawOffer(t *testing.T) {
	engine, _ := newTestEngine(t)
	uid := list(t, engine, "alice", "item-1", 100)
	fund(t, engine, "bob", 70)

	offer, err := engine.PlaceOffer(uid, "bob", amt(60))
	if err != nil {
		t.Fatalf("place offer: %v", err)
	}
	if offer.ID != "offer-0" {
		t.Fatalf("expected first offer id offer-0, got %s", offer.ID)
	}
	expectBalance(t, engine, "bob", 10)
	expectBalance(t, engine, testVault, 60)

	if _, err := engine.WithdrawOffer(offer.ID, "carol"); !errors.Is(err, ErrNotOfferOwner) {
		t.Fatalf("expected ErrNotOfferOwner, got %v", err)
	}
	if _, err := engine.WithdrawOffer("offer-99", "bob"); !errors.Is(err, ErrNoSuchOffer) {
		t.Fatalf("expected ErrNoSuchOffer, got %v", err)
	}

	withdrawn, err := engine.WithdrawOffer(offer.ID, "bob")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !withdrawn.Price.Eq(amt(60)) {
		t.Fatalf("expected refund of 60, got %s", withdrawn.Price.Dec())
	}
	expectBalance(t, engine, "bob", 70)
	expectBalance(t, engine, testVault, 0)
	if len(engine.OffersByItem(uid)) != 0 || len(engine.OffersByBidder("bob")) != 0 {
		t.Fatalf("expected offer removed from both indexes")
	}
	if _, ok := engine.Offer(offer.ID); ok {
		t.Fatalf("expected offer id map entry removed")
	}
	if _, err := engine.WithdrawOffer(offer.ID, "bob"); !errors.Is(err, ErrNoSuchOffer) {
		t.Fatalf("expected second withdraw to fail, got %v", err)
	}

	next, err := engine.PlaceOffer(uid, "bob", amt(5))
	if err != nil {
		t.Fatalf("place second offer: %v", err)
	}
	if next.ID != "offer-1" {
		t.Fatalf("expected monotonic offer id, got %s", next.ID)
	}
	expectInvariants(t, engine)
}

func TestPlaceOfferRejections(t *testing.T) {
	engine, _ := newTestEngine(t)
	uid := list(t, engine, "alice", "item-1", 100)
	fund(t, engine, "alice", 100)
	fund(t, engine, "bob", 10)

	if _, err := engine.PlaceOffer(NewUID(testCustody, "missing"), "bob", amt(5)); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
	if _, err := engine.PlaceOffer(uid, "alice", amt(5)); !errors.Is(err, ErrSelfOffer) {
		t.Fatalf("expected ErrSelfOffer, got %v", err)
	}
	if _, err := engine.PlaceOffer(uid, "bob", amt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := engine.PlaceOffer(uid, "bob", amt(11)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	expectBalance(t, engine, "bob", 10)
	if stats := engine.Stats(); stats.Offers != 0 {
		t.Fatalf("expected failed offers to leave no trace")
	}
	// A failed placement must not consume an offer id.
	offer, err := engine.PlaceOffer(uid, "bob", amt(10))
	if err != nil {
		t.Fatalf("place offer: %v", err)
	}
	if offer.ID != "offer-0" {
		t.Fatalf("expected offer-0, got %s", offer.ID)
	}
}

func TestDelistRefundsOffers(t *testing.T) {
	engine, _ := newTestEngine(t)
	uid := list(t, engine, "alice", "item-1", 100)
	fund(t, engine, "bob", 30)
	fund(t, engine, "carol", 20)
	if _, err := engine.PlaceOffer(uid, "bob", amt(30)); err != nil {
		t.Fatalf("bob offer: %v", err)
	}
	if _, err := engine.PlaceOffer(uid, "carol", amt(20)); err != nil {
		t.Fatalf("carol offer: %v", err)
	}

	if _, err := engine.Delist(uid, "bob"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	refunded, err := engine.Delist(uid, "alice")
	if err != nil {
		t.Fatalf("delist: %v", err)
	}
	if len(refunded) != 2 {
		t.Fatalf("expected two refunds, got %d", len(refunded))
	}
	expectBalance(t, engine, "bob", 30)
	expectBalance(t, engine, "carol", 20)
	expectBalance(t, engine, testVault, 0)
	if _, err := engine.Delist(uid, "alice"); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed after delist, got %v", err)
	}
	expectInvariants(t, engine)
}

func TestListDelistSequencesKeepIndexesInAgreement(t *testing.T) {
	engine, _ := newTestEngine(t)
	owners := []AccountID{"alice", "bob", "carol"}
	live := map[UID]AccountID{}
	for round := 0; round < 30; round++ {
		owner := owners[round%len(owners)]
		item := fmt.Sprintf("item-%d", round%7)
		uid := NewUID(testCustody, item)
		if current, ok := live[uid]; ok {
			if _, err := engine.Delist(uid, current); err != nil {
				t.Fatalf("round %d delist: %v", round, err)
			}
			delete(live, uid)
		} else {
			list(t, engine, owner, item, uint64(round+1))
			live[uid] = owner
		}
		expectInvariants(t, engine)
		if stats := engine.Stats(); stats.Listings != len(live) {
			t.Fatalf("round %d: expected %d listings, got %d", round, len(live), stats.Listings)
		}
	}
	for uid, owner := range live {
		found := false
		for _, listing := range engine.ListingsByOwner(owner) {
			if listing.UID() == uid {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s missing from owner index of %s", uid, owner)
		}
	}
}

func TestBuyRemovesListingBeforeCallback(t *testing.T) {
	engine, custody := newTestEngine(t)
	uid := list(t, engine, "alice", "item-1", 1_000)
	fund(t, engine, "bob", 1_000)

	settlement, err := engine.Buy(context.Background(), uid, "bob", amt(1_000))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if settlement.State != SettlementPending {
		t.Fatalf("expected pending settlement, got %s", settlement.State)
	}
	if page := engine.Page(0, 10); len(page.Listings) != 0 || page.Total != 0 {
		t.Fatalf("expected listing gone before callback, got %+v", page)
	}
	req := custody.last(t)
	if req.SettlementID != settlement.ID || req.Receiver != "bob" || req.Owner != "alice" || req.ItemID != "item-1" {
		t.Fatalf("unexpected transfer request: %+v", req)
	}
	if req.MaxPayoutEntries != DefaultMaxPayoutEntries || !req.Price.Eq(amt(1_000)) {
		t.Fatalf("unexpected request terms: %+v", req)
	}
	expectBalance(t, engine, "bob", 0)
	expectBalance(t, engine, testVault, 1_000)
	if stats := engine.Stats(); stats.PendingSettlement != 1 || !stats.InFlight.Eq(amt(1_000)) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, err := engine.Buy(context.Background(), uid, "carol", amt(1_000)); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected second buyer to see ErrNotListed, got %v", err)
	}
	expectInvariants(t, engine)
}

func TestBuyRejections(t *testing.T) {
	engine, custody := newTestEngine(t)
	uid := list(t, engine, "alice", "item-1", 100)
	fund(t, engine, "bob", 500)

	if _, err := engine.Buy(context.Background(), uid, "alice", amt(100)); !errors.Is(err, ErrSelfPurchase) {
		t.Fatalf("expected ErrSelfPurchase, got %v", err)
	}
	for _, attached := range []uint64{99, 101} {
		if _, err := engine.Buy(context.Background(), uid, "bob", amt(attached)); !errors.Is(err, ErrPriceMismatch) {
			t.Fatalf("attached %d: expected ErrPriceMismatch, got %v", attached, err)
		}
	}
	if _, err := engine.Buy(context.Background(), uid, "carol", amt(100)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(custody.requests) != 0 {
		t.Fatalf("expected no transfer requests")
	}
	if _, ok := engine.Listing(uid); !ok {
		t.Fatalf("expected listing to survive rejected purchases")
	}
	expectBalance(t, engine, "bob", 500)
}

func TestResolveWithValidSplit(t *testing.T) {
	engine, custody := newTestEngine(t)
	emitter := &recordingEmitter{}
	engine.SetEmitter(emitter)
	uid := list(t, engine, "seller", "item-1", 1_000_000)
	fund(t, engine, "buyer", 1_000_000)

	if _, err := engine.Buy(context.Background(), uid, "buyer", amt(1_000_000)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	id := custody.last(t).SettlementID
	settled, err := engine.ResolvePurchase(context.Background(), id, TransferOutcome{
		Success: true,
		Payout:  []byte(`{"payout":{"seller":"900000","royalty_addr":"100000"}}`),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if settled.Outcome != OutcomeSettled || settled.Fee.Uint64() != 20_000 {
		t.Fatalf("unexpected settlement: %+v", settled)
	}
	expectBalance(t, engine, "seller", 880_000)
	expectBalance(t, engine, "royalty_addr", 100_000)
	expectBalance(t, engine, testTreasury, 20_000)
	expectBalance(t, engine, testVault, 0)
	if stats := engine.Stats(); stats.PendingSettlement != 0 || !stats.InFlight.IsZero() {
		t.Fatalf("unexpected stats after settlement: %+v", stats)
	}
	if emitter.types[len(emitter.types)-1] != EventTypePurchaseSettled {
		t.Fatalf("expected purchase.settled to be emitted last, got %v", emitter.types)
	}
	expectInvariants(t, engine)
}

func TestResolveRetainsSingleUnitDust(t *testing.T) {
	engine, custody := newTestEngine(t)
	uid := list(t, engine, "seller", "item-1", 1_000)
	fund(t, engine, "buyer", 1_000)
	if _, err := engine.Buy(context.Background(), uid, "buyer", amt(1_000)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	settled, err := engine.ResolvePurchase(context.Background(), custody.last(t).SettlementID, TransferOutcome{
		Success: true,
		Payout:  []byte(`{"seller":"899","artist":"100"}`),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if settled.Outcome != OutcomeSettled || settled.Dust.Uint64() != 1 {
		t.Fatalf("unexpected settlement: %+v", settled)
	}
	// fee = floor(1000*200/10000) = 20
	expectBalance(t, engine, "seller", 879)
	expectBalance(t, engine, "artist", 100)
	expectBalance(t, engine, testTreasury, 20)
	expectBalance(t, engine, testVault, 1)
	if stats := engine.Stats(); !stats.Dust.Eq(amt(1)) {
		t.Fatalf("expected dust of 1, got %s", stats.Dust.Dec())
	}
	expectInvariants(t, engine)
}

func TestResolveFallsBackOnBadSplit(t *testing.T) {
	payloads := map[string][]byte{
		"absent":           nil,
		"malformed":        []byte(`not json`),
		"over price":       []byte(`{"seller":"900","royalty":"200"}`),
		"under by two":     []byte(`{"seller":"998"}`),
		"seller missing":   []byte(`{"royalty":"1000"}`),
		"seller below fee": []byte(`{"seller":"19","royalty":"981"}`),
		"names the vault":  []byte(`{"seller":"500","market.vault":"500"}`),
		"too many":         []byte(`{"a":"100","b":"100","c":"100","d":"100","e":"100","f":"100","g":"100","h":"100","i":"100","j":"50","seller":"50"}`),
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			engine, custody := newTestEngine(t)
			uid := list(t, engine, "seller", "item-1", 1_000)
			fund(t, engine, "buyer", 1_000)
			if _, err := engine.Buy(context.Background(), uid, "buyer", amt(1_000)); err != nil {
				t.Fatalf("buy: %v", err)
			}
			settled, err := engine.ResolvePurchase(context.Background(), custody.last(t).SettlementID, TransferOutcome{Success: true, Payout: payload})
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if settled.Outcome != OutcomeFallback {
				t.Fatalf("expected fallback, got %s", settled.Outcome)
			}
			expectBalance(t, engine, "seller", 980)
			expectBalance(t, engine, testTreasury, 20)
			expectBalance(t, engine, "royalty", 0)
			expectBalance(t, engine, testVault, 0)
			expectInvariants(t, engine)
		})
	}
}

func TestResolveConsumesSettlementOnce(t *testing.T) {
	engine, custody := newTestEngine(t)
	uid := list(t, engine, "seller", "item-1", 100)
	fund(t, engine, "buyer", 100)
	if _, err := engine.Buy(context.Background(), uid, "buyer", amt(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	id := custody.last(t).SettlementID
	if _, err := engine.ResolvePurchase(context.Background(), id, TransferOutcome{Success: true}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := engine.ResolvePurchase(context.Background(), id, TransferOutcome{Success: true}); !errors.Is(err, ErrSettlementResolved) {
		t.Fatalf("expected ErrSettlementResolved, got %v", err)
	}
	if _, err := engine.ResolvePurchase(context.Background(), "unknown", TransferOutcome{Success: true}); !errors.Is(err, ErrUnknownSettlement) {
		t.Fatalf("expected ErrUnknownSettlement, got %v", err)
	}
	expectBalance(t, engine, "seller", 98)
	expectBalance(t, engine, testTreasury, 2)
	if s, ok := engine.Settlement(id); !ok || s.State != SettlementResolved {
		t.Fatalf("expected resolved settlement to be retrievable")
	}
}

func TestFailedTransferHoldsFundsUntilReclaimed(t *testing.T) {
	engine, custody := newTestEngine(t)
	uid := list(t, engine, "seller", "item-1", 500)
	fund(t, engine, "buyer", 500)
	if _, err := engine.Buy(context.Background(), uid, "buyer", amt(500)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	id := custody.last(t).SettlementID

	failed, err := engine.ResolvePurchase(context.Background(), id, TransferOutcome{Success: false, Reason: "token burned"})
	if !errors.Is(err, ErrExternalTransferFailed) {
		t.Fatalf("expected ErrExternalTransferFailed, got %v", err)
	}
	if failed == nil || failed.Outcome != OutcomeFailed || failed.Reason != "token burned" {
		t.Fatalf("unexpected failed settlement: %+v", failed)
	}
	expectBalance(t, engine, "seller", 0)
	expectBalance(t, engine, "buyer", 0)
	expectBalance(t, engine, testVault, 500)
	if _, ok := engine.Listing(uid); ok {
		t.Fatalf("listing must stay removed after a failed transfer")
	}
	if _, err := engine.ResolvePurchase(context.Background(), id, TransferOutcome{Success: true}); !errors.Is(err, ErrSettlementResolved) {
		t.Fatalf("expected late callback to be rejected, got %v", err)
	}
	expectInvariants(t, engine)

	if _, err := engine.ReclaimFailed("buyer", id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	reclaimed, err := engine.ReclaimFailed(testAdmin, id)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed.Outcome != OutcomeReclaimed {
		t.Fatalf("expected reclaimed outcome, got %s", reclaimed.Outcome)
	}
	expectBalance(t, engine, "buyer", 500)
	expectBalance(t, engine, testVault, 0)
	if _, err := engine.ReclaimFailed(testAdmin, id); !errors.Is(err, ErrSettlementResolved) {
		t.Fatalf("expected second reclaim to fail, got %v", err)
	}
	expectInvariants(t, engine)
}

func TestCustodyRequestFailureRestoresListingAndFunds(t *testing.T) {
	engine, custody := newTestEngine(t)
	uid := list(t, engine, "seller", "item-1", 100)
	fund(t, engine, "buyer", 100)
	fund(t, engine, "bidder", 40)
	if _, err := engine.PlaceOffer(uid, "bidder", amt(40)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	custody.err = errors.New("queue full")

	if _, err := engine.Buy(context.Background(), uid, "buyer", amt(100)); !errors.Is(err, ErrExternalTransferFailed) {
		t.Fatalf("expected ErrExternalTransferFailed, got %v", err)
	}
	if _, ok := engine.Listing(uid); !ok {
		t.Fatalf("expected listing restored")
	}
	if len(engine.OffersByItem(uid)) != 1 {
		t.Fatalf("expected offer restored")
	}
	expectBalance(t, engine, "buyer", 100)
	expectBalance(t, engine, "bidder", 0)
	expectBalance(t, engine, testVault, 40)
	if stats := engine.Stats(); stats.PendingSettlement != 0 || !stats.InFlight.IsZero() {
		t.Fatalf("expected no pending settlement, got %+v", stats)
	}
	expectInvariants(t, engine)
}

func TestAcceptOffer(t *testing.T) {
	engine, custody := newTestEngine(t)
	uid := list(t, engine, "seller", "item-1", 1_000)
	other := list(t, engine, "seller", "item-2", 1_000)
	fund(t, engine, "bob", 800)
	fund(t, engine, "carol", 300)

	bobOffer, err := engine.PlaceOffer(uid, "bob", amt(800))
	if err != nil {
		t.Fatalf("bob offer: %v", err)
	}
	carolOffer, err := engine.PlaceOffer(uid, "carol", amt(300))
	if err != nil {
		t.Fatalf("carol offer: %v", err)
	}

	if _, err := engine.AcceptOffer(context.Background(), uid, bobOffer.ID, "bob"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := engine.AcceptOffer(context.Background(), other, bobOffer.ID, "seller"); !errors.Is(err, ErrOfferMismatch) {
		t.Fatalf("expected ErrOfferMismatch, got %v", err)
	}
	if _, err := engine.AcceptOffer(context.Background(), uid, "offer-42", "seller"); !errors.Is(err, ErrNoSuchOffer) {
		t.Fatalf("expected ErrNoSuchOffer, got %v", err)
	}

	settlement, err := engine.AcceptOffer(context.Background(), uid, bobOffer.ID, "seller")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if settlement.Buyer != "bob" || !settlement.Price.Eq(amt(800)) || settlement.Source != SourceOffer {
		t.Fatalf("unexpected settlement: %+v", settlement)
	}
	// Remaining offers are refunded when the listing leaves the market.
	expectBalance(t, engine, "carol", 300)
	if _, ok := engine.Offer(carolOffer.ID); ok {
		t.Fatalf("expected carol's offer refunded")
	}
	if len(engine.OffersByBidder("bob")) != 0 {
		t.Fatalf("expected accepted offer detached")
	}
	expectBalance(t, engine, testVault, 800)
	expectInvariants(t, engine)

	req := custody.last(t)
	if req.Receiver != "bob" || !req.Price.Eq(amt(800)) {
		t.Fatalf("unexpected transfer request: %+v", req)
	}
	if _, err := engine.ResolvePurchase(context.Background(), req.SettlementID, TransferOutcome{Success: true}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	expectBalance(t, engine, "seller", 784)
	expectBalance(t, engine, testTreasury, 16)
	expectBalance(t, engine, testVault, 0)
	expectInvariants(t, engine)
}

func TestForceRemoveRefundsEveryBidder(t *testing.T) {
	engine, _ := newTestEngine(t)
	uid := list(t, engine, "seller", "item-1", 1_000)
	fund(t, engine, "bob", 50)
	fund(t, engine, "carol", 75)
	if _, err := engine.PlaceOffer(uid, "bob", amt(50)); err != nil {
		t.Fatalf("bob offer: %v", err)
	}
	if _, err := engine.PlaceOffer(uid, "carol", amt(75)); err != nil {
		t.Fatalf("carol offer: %v", err)
	}

	if _, err := engine.ForceRemove("seller", uid); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	refunded, err := engine.ForceRemove(testAdmin, uid)
	if err != nil {
		t.Fatalf("force remove: %v", err)
	}
	if len(refunded) != 2 {
		t.Fatalf("expected two refunds, got %d", len(refunded))
	}
	expectBalance(t, engine, "bob", 50)
	expectBalance(t, engine, "carol", 75)
	if len(engine.OffersByItem(uid)) != 0 || len(engine.OffersByBidder("bob")) != 0 || len(engine.OffersByBidder("carol")) != 0 {
		t.Fatalf("expected offer indexes emptied")
	}
	if stats := engine.Stats(); stats.Offers != 0 || stats.Listings != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	expectInvariants(t, engine)
}

func TestWhitelistAdministration(t *testing.T) {
	params := testParams()
	params.EnforceWhitelist = true
	engine, err := NewEngine(params, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	_, err = engine.List(ListRequest{Owner: "alice", Custody: testCustody, ItemID: "1", Price: amt(5)})
	if !errors.Is(err, ErrNotWhitelisted) {
		t.Fatalf("expected ErrNotWhitelisted, got %v", err)
	}
	if _, err := engine.AddToWhitelist("alice", testCustody); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	added, err := engine.AddToWhitelist(testAdmin, testCustody)
	if err != nil || !added {
		t.Fatalf("add whitelist: %v %v", added, err)
	}
	if added, _ := engine.AddToWhitelist(testAdmin, testCustody); added {
		t.Fatalf("expected duplicate add to report no change")
	}
	if !engine.IsWhitelisted(testCustody) || len(engine.Whitelist()) != 1 {
		t.Fatalf("expected custody on allow-list")
	}
	if _, err := engine.List(ListRequest{Owner: "alice", Custody: testCustody, ItemID: "1", Price: amt(5)}); err != nil {
		t.Fatalf("list after allow: %v", err)
	}
	removed, err := engine.RemoveFromWhitelist(testAdmin, testCustody)
	if err != nil || !removed {
		t.Fatalf("remove whitelist: %v %v", removed, err)
	}
	if engine.IsWhitelisted(testCustody) {
		t.Fatalf("expected custody removed")
	}
}

func TestOnApproveListsItem(t *testing.T) {
	engine, _ := newTestEngine(t)
	msg := []byte(`{"json_nft":{"contract_id":"nft.example","token_id":"42","owner_id":"alice","title":"Sunrise",
		"copies":"1","media_url":"ipfs://media","reference_url":"ipfs://ref","mint_site":{"name":"mint","nft_link":"https://mint"},
		"price":"2500"}}`)

	if _, err := engine.OnApprove(ApprovalRequest{Custody: testCustody, Owner: "alice", Signer: "mallory", ItemID: "42", Msg: msg}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign signer, got %v", err)
	}
	if _, err := engine.OnApprove(ApprovalRequest{Custody: testCustody, Owner: testCustody, Signer: testCustody, ItemID: "42", Msg: msg}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for custody signer, got %v", err)
	}
	if _, err := engine.OnApprove(ApprovalRequest{Custody: testCustody, Owner: "alice", Signer: "alice", ItemID: "42", Msg: []byte(`{}`)}); !errors.Is(err, ErrInvalidMarketArgs) {
		t.Fatalf("expected ErrInvalidMarketArgs, got %v", err)
	}

	listing, err := engine.OnApprove(ApprovalRequest{Custody: testCustody, Owner: "alice", Signer: "alice", ItemID: "42", ApprovalID: 9, Msg: msg})
	if err != nil {
		t.Fatalf("on approve: %v", err)
	}
	if listing.Price.Uint64() != 2500 || listing.ApprovalID != 9 || listing.UID() != NewUID(testCustody, "42") {
		t.Fatalf("unexpected listing: %+v", listing)
	}
}

func TestFundsAccounting(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, err := engine.Deposit("alice", "alice", amt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected only admin to credit deposits, got %v", err)
	}
	if _, err := engine.Deposit(testAdmin, testVault, amt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected vault deposits to be rejected, got %v", err)
	}
	fund(t, engine, "alice", 10)
	if _, err := engine.Withdraw("alice", amt(11)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, err := engine.Withdraw("alice", amt(4))
	if err != nil || balance.Uint64() != 6 {
		t.Fatalf("withdraw: %v %v", balance, err)
	}
	expectBalance(t, engine, "alice", 6)
}

func TestEngineWithoutCustodyRejectsPurchases(t *testing.T) {
	engine, err := NewEngine(testParams(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	uid := list(t, engine, "alice", "1", 10)
	if _, err := engine.Buy(context.Background(), uid, "bob", amt(10)); !errors.Is(err, ErrCustodyUnavailable) {
		t.Fatalf("expected ErrCustodyUnavailable, got %v", err)
	}
}

func TestParamsValidate(t *testing.T) {
	params := testParams()
	params.FeeBps = 10_001
	if err := params.Validate(); err == nil {
		t.Fatalf("expected fee above denominator to be rejected")
	}
	params = testParams()
	params.Vault = testTreasury
	if err := params.Validate(); err == nil {
		t.Fatalf("expected shared vault to be rejected")
	}
	params = testParams()
	params.Admin = ""
	if err := params.Validate(); err == nil {
		t.Fatalf("expected missing admin to be rejected")
	}
}

func TestErrorCode(t *testing.T) {
	if code := ErrorCode(fmt.Errorf("wrapped: %w", ErrNotListed)); code != "not_listed" {
		t.Fatalf("unexpected code %q", code)
	}
	if code := ErrorCode(errors.New("boom")); code != "internal" {
		t.Fatalf("unexpected code %q", code)
	}
	if code := ErrorCode(nil); code != "" {
		t.Fatalf("unexpected code %q", code)
	}
}
