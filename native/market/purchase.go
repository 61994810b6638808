package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
)

// Buy purchases a listed item with funds drawn from the buyer's balance. The
// attached amount must equal the listing price exactly. On return the item
// has left the market and a pending settlement awaits the custody callback.
func (e *Engine) Buy(ctx context.Context, uid UID, buyer AccountID, attached *uint256.Int) (*Settlement, error) {
	ctx, span := e.startSpan(ctx, "market.buy", uid)
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.nowFn()
	settlement, err := e.settle(ctx, func() (*Settlement, error) {
		listing, ok := e.ledger.listings[uid]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotListed, uid)
		}
		if listing.Owner == buyer {
			return nil, ErrSelfPurchase
		}
		if buyer == e.params.Vault {
			return nil, ErrUnauthorized
		}
		if attached == nil || !attached.Eq(listing.Price) {
			return nil, fmt.Errorf("%w: attached %s, price %s", ErrPriceMismatch, amountString(attached), listing.Price.Dec())
		}
		if err := e.ledger.transfer(buyer, e.params.Vault, attached); err != nil {
			return nil, err
		}
		return e.startSettlement(listing, buyer, SourceDirect, "")
	})
	e.observe("buy", start, err)
	endSpan(span, err)
	return settlement, err
}

// AcceptOffer sells a listed item to the bidder of one of its offers, paying
// with the offer's escrow.
func (e *Engine) AcceptOffer(ctx context.Context, uid UID, offerID OfferID, caller AccountID) (*Settlement, error) {
	ctx, span := e.startSpan(ctx, "market.accept_offer", uid)
	span.SetAttributes(attribute.String("market.offer_id", string(offerID)))
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.nowFn()
	settlement, err := e.settle(ctx, func() (*Settlement, error) {
		listing, ok := e.ledger.listings[uid]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotListed, uid)
		}
		if listing.Owner != caller {
			return nil, ErrNotOwner
		}
		offer, ok := e.ledger.byItem[uid][offerID]
		if !ok {
			if _, elsewhere := e.ledger.offerOwner[offerID]; elsewhere {
				return nil, fmt.Errorf("%w: offer %s is not on %s", ErrOfferMismatch, offerID, uid)
			}
			return nil, fmt.Errorf("%w: %s", ErrNoSuchOffer, offerID)
		}
		if bidder, ok := e.ledger.offerOwner[offerID]; !ok || bidder != offer.Bidder {
			return nil, fmt.Errorf("%w: bidder of %s does not match records", ErrOfferMismatch, offerID)
		}
		if offer.Bidder == listing.Owner {
			return nil, ErrSelfPurchase
		}
		if err := e.ledger.detachOffer(offer); err != nil {
			return nil, err
		}
		e.queue(NewOfferAcceptedEvent(offer))
		// The escrowed offer becomes the purchase payment; the price agreed
		// is the offer's, not the listing's.
		accepted := listing.Clone()
		accepted.Price = offer.Price.Clone()
		return e.startSettlement(accepted, offer.Bidder, SourceOffer, offer.ID)
	})
	e.observe("accept_offer", start, err)
	endSpan(span, err)
	return settlement, err
}

// settle runs the request phase of a purchase. The ledger changes are
// persisted before the custody request is issued; if the request cannot be
// issued they are reverted and the reverted records persisted.
func (e *Engine) settle(ctx context.Context, fn func() (*Settlement, error)) (*Settlement, error) {
	if e.custody == nil {
		return nil, ErrCustodyUnavailable
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	settlement, err := fn()
	if err != nil {
		return nil, e.rollback(err)
	}
	if err := e.persist(); err != nil {
		return nil, err
	}
	if err := e.custody.RequestTransfer(ctx, e.transferRequest(settlement)); err != nil {
		e.logger.Warn("custody transfer request failed",
			slog.String("settlement", settlement.ID),
			slog.String("uid", string(settlement.UID)),
			slog.Any("error", err))
		return nil, e.unwind(fmt.Errorf("%w: request: %v", ErrExternalTransferFailed, err))
	}
	e.queue(NewPurchaseRequestedEvent(settlement))
	e.finish()
	e.logger.Info("purchase requested",
		slog.String("settlement", settlement.ID),
		slog.String("uid", string(settlement.UID)),
		slog.String("buyer", string(settlement.Buyer)),
		slog.String("seller", string(settlement.Seller)),
		slog.String("price", settlement.Price.Dec()))
	return settlement.Clone(), nil
}

func (e *Engine) transferRequest(s *Settlement) TransferRequest {
	return TransferRequest{
		SettlementID:     s.ID,
		Custody:          s.Custody,
		Owner:            s.Seller,
		Receiver:         s.Buyer,
		ItemID:           s.ItemID,
		ApprovalID:       s.ApprovalID,
		Price:            s.Price.Clone(),
		MaxPayoutEntries: e.params.MaxPayoutEntries,
	}
}

// ResumePending reissues the transfer request of every pending settlement,
// oldest first. Requests carry the settlement id, which the custody service
// uses to drop duplicates. It returns how many requests were issued.
func (e *Engine) ResumePending(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.custody == nil {
		return 0, ErrCustodyUnavailable
	}
	resumed := 0
	for _, settlement := range e.ledger.openSettlements(SettlementPending) {
		if err := e.custody.RequestTransfer(ctx, e.transferRequest(settlement)); err != nil {
			return resumed, fmt.Errorf("market: resume settlement %s: %w", settlement.ID, err)
		}
		resumed++
	}
	if resumed > 0 {
		e.logger.Info("pending settlements resumed", slog.Int("count", resumed))
	}
	return resumed, nil
}

// startSettlement removes the listing through the cleanup routine, moves the
// price into the in-flight total and opens the pending record.
func (e *Engine) startSettlement(listing *Listing, buyer AccountID, source Source, offerID OfferID) (*Settlement, error) {
	stored, ok := e.ledger.listings[listing.UID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotListed, listing.UID())
	}
	if _, err := e.removeListing(stored, RemovalPurchase); err != nil {
		return nil, err
	}
	e.ledger.addInFlight(listing.Price)
	settlement := &Settlement{
		ID:          e.newID(),
		State:       SettlementPending,
		Source:      source,
		OfferID:     offerID,
		UID:         listing.UID(),
		Custody:     listing.Custody,
		ItemID:      listing.ItemID,
		ApprovalID:  listing.ApprovalID,
		Buyer:       buyer,
		Seller:      listing.Owner,
		Price:       listing.Price.Clone(),
		RequestedAt: e.nowFn().UTC(),
	}
	e.ledger.putSettlement(settlement)
	return settlement, nil
}

// ResolvePurchase consumes the pending settlement with the custody
// service's outcome. Each settlement is consumed exactly once; a second
// callback fails with ErrSettlementResolved.
func (e *Engine) ResolvePurchase(ctx context.Context, id string, outcome TransferOutcome) (*Settlement, error) {
	_, span := e.startSpan(ctx, "market.resolve_purchase", "")
	span.SetAttributes(attribute.String("market.settlement_id", id))
	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.nowFn()
	settlement, err := e.resolve(id, outcome)
	e.observe("resolve_purchase", start, err)
	if settlement != nil {
		span.SetAttributes(attribute.String("market.outcome", settlement.Outcome.String()))
	}
	endSpan(span, err)
	return settlement, err
}

func (e *Engine) resolve(id string, outcome TransferOutcome) (*Settlement, error) {
	pending, ok := e.ledger.settlements[id]
	if !ok {
		if _, done := e.resolved.Get(id); done {
			return nil, fmt.Errorf("%w: %s", ErrSettlementResolved, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSettlement, id)
	}
	if pending.State != SettlementPending {
		return nil, fmt.Errorf("%w: %s", ErrSettlementResolved, id)
	}
	if err := e.begin(); err != nil {
		return nil, err
	}
	resolved := pending.Clone()
	resolved.State = SettlementResolved
	resolved.ResolvedAt = e.nowFn().UTC()
	resolved.Fee = PlatformFee(resolved.Price, e.params.FeeBps)

	if !outcome.Success {
		resolved.Outcome = OutcomeFailed
		resolved.Fee = new(uint256.Int)
		resolved.Reason = strings.TrimSpace(outcome.Reason)
		if resolved.Reason == "" {
			resolved.Reason = "custody reported failure"
		}
		e.ledger.putSettlement(resolved)
		if err := e.persist(); err != nil {
			return nil, err
		}
		e.queue(NewPurchaseResolvedEvent(resolved))
		e.finish()
		e.logger.Warn("purchase transfer failed",
			slog.String("settlement", id),
			slog.String("uid", string(resolved.UID)),
			slog.String("reason", resolved.Reason))
		return resolved.Clone(), fmt.Errorf("%w: %s", ErrExternalTransferFailed, resolved.Reason)
	}

	if err := e.payOut(resolved, outcome.Payout); err != nil {
		return nil, e.rollback(err)
	}
	e.ledger.deleteSettlement(id)
	if err := e.persist(); err != nil {
		return nil, err
	}
	e.resolved.Add(id, resolved)
	e.queue(NewPurchaseResolvedEvent(resolved))
	e.finish()
	e.logger.Info("purchase settled",
		slog.String("settlement", id),
		slog.String("outcome", resolved.Outcome.String()),
		slog.String("price", resolved.Price.Dec()),
		slog.String("fee", resolved.Fee.Dec()))
	return resolved.Clone(), nil
}

// payOut distributes a successful sale from the vault. A validated split pays
// every recipient in full except the seller, whose line absorbs the fee.
// Otherwise the seller receives price minus fee.
func (e *Engine) payOut(s *Settlement, raw []byte) error {
	if err := e.ledger.subInFlight(s.Price); err != nil {
		return err
	}
	credits := make(map[AccountID]*uint256.Int)
	if split, ok := e.acceptSplit(s, raw); ok {
		s.Outcome = OutcomeSettled
		distributed := new(uint256.Int)
		for _, recipient := range split.Recipients() {
			amount := split[recipient].Clone()
			distributed.Add(distributed, amount)
			if recipient == s.Seller {
				amount.Sub(amount, s.Fee)
			}
			credits[recipient] = amount
		}
		s.Dust = new(uint256.Int).Sub(s.Price, distributed)
	} else {
		s.Outcome = OutcomeFallback
		credits[s.Seller] = new(uint256.Int).Sub(s.Price, s.Fee)
		s.Dust = new(uint256.Int)
	}
	credits[e.params.Treasury] = addAmounts(credits[e.params.Treasury], s.Fee)

	recipients := make([]AccountID, 0, len(credits))
	for recipient := range credits {
		recipients = append(recipients, recipient)
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })
	for _, recipient := range recipients {
		if err := e.ledger.release(recipient, credits[recipient]); err != nil {
			return err
		}
	}
	e.ledger.addDust(s.Dust)
	s.Credits = credits
	return nil
}

// acceptSplit decodes and validates the custody split. The split must fit
// the entry bound and give the seller enough to absorb the fee.
func (e *Engine) acceptSplit(s *Settlement, raw []byte) (Payout, bool) {
	payout, ok := DecodePayout(raw)
	if !ok {
		return nil, false
	}
	if len(payout) > int(e.params.MaxPayoutEntries) {
		e.logger.Warn("payout exceeds entry bound", slog.String("settlement", s.ID), slog.Int("entries", len(payout)))
		return nil, false
	}
	if _, vault := payout[e.params.Vault]; vault {
		return nil, false
	}
	valid, ok := ValidatePayout(s.Price, payout)
	if !ok {
		e.logger.Warn("payout rejected", slog.String("settlement", s.ID))
		return nil, false
	}
	sellerShare, ok := valid[s.Seller]
	if !ok || sellerShare.Lt(s.Fee) {
		e.logger.Warn("payout seller share below fee", slog.String("settlement", s.ID))
		return nil, false
	}
	return valid, true
}

// ReclaimFailed refunds the buyer of a settlement whose transfer failed.
// Only the admin may reclaim.
func (e *Engine) ReclaimFailed(caller AccountID, id string) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.params.Admin {
		return nil, ErrUnauthorized
	}
	failed, ok := e.ledger.settlements[id]
	if !ok {
		if _, done := e.resolved.Get(id); done {
			return nil, fmt.Errorf("%w: %s", ErrSettlementResolved, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSettlement, id)
	}
	if failed.State == SettlementPending {
		return nil, fmt.Errorf("%w: %s", ErrSettlementPending, id)
	}
	var reclaimed *Settlement
	err := e.apply("reclaim_failed", func() error {
		if err := e.ledger.subInFlight(failed.Price); err != nil {
			return err
		}
		if err := e.ledger.release(failed.Buyer, failed.Price); err != nil {
			return err
		}
		e.ledger.deleteSettlement(id)
		reclaimed = failed.Clone()
		reclaimed.Outcome = OutcomeReclaimed
		reclaimed.ResolvedAt = e.nowFn().UTC()
		reclaimed.Credits = map[AccountID]*uint256.Int{failed.Buyer: failed.Price.Clone()}
		e.queue(NewPurchaseResolvedEvent(reclaimed))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.resolved.Add(id, reclaimed)
	return reclaimed.Clone(), nil
}

// Settlement returns a settlement by id from the open or recently resolved
// sets.
func (e *Engine) Settlement(id string) (*Settlement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.ledger.settlements[id]; ok {
		return s.Clone(), true
	}
	if s, ok := e.resolved.Get(id); ok {
		return s.Clone(), true
	}
	return nil, false
}

// PendingSettlements lists settlements awaiting a callback, oldest first.
func (e *Engine) PendingSettlements() []*Settlement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.openSettlements(SettlementPending)
}

// FailedSettlements lists settlements whose transfer failed and whose funds
// await reclaim.
func (e *Engine) FailedSettlements() []*Settlement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.openSettlements(SettlementResolved)
}

func addAmounts(a, b *uint256.Int) *uint256.Int {
	return new(uint256.Int).Add(cloneAmount(a), cloneAmount(b))
}

var _ Resolver = (*Engine)(nil)
