package market

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PlaceOffer escrows amount from the bidder's balance against a listed item.
func (e *Engine) PlaceOffer(uid UID, bidder AccountID, amount *uint256.Int) (*Offer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var placed *Offer
	err := e.apply("place_offer", func() error {
		listing, ok := e.ledger.listings[uid]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotListed, uid)
		}
		if listing.Owner == bidder {
			return ErrSelfOffer
		}
		if isZero(amount) {
			return ErrInvalidAmount
		}
		if bidder == e.params.Vault {
			return ErrUnauthorized
		}
		if err := e.ledger.transfer(bidder, e.params.Vault, amount); err != nil {
			return err
		}
		placed = &Offer{
			UID:    uid,
			ID:     e.ledger.nextOfferID(),
			Price:  amount.Clone(),
			Bidder: bidder,
		}
		e.ledger.insertOffer(placed)
		e.queue(NewOfferPlacedEvent(placed))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed.Clone(), nil
}

// WithdrawOffer removes the caller's offer and refunds its escrow.
func (e *Engine) WithdrawOffer(id OfferID, caller AccountID) (*Offer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var withdrawn *Offer
	err := e.apply("withdraw_offer", func() error {
		bidder, ok := e.ledger.offerOwner[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchOffer, id)
		}
		if bidder != caller {
			return ErrNotOfferOwner
		}
		offer, ok := e.ledger.byBidder[bidder][id]
		if !ok {
			return fmt.Errorf("%w: offer %s mapped to %s but absent from bidder index", ErrInvariantViolation, id, bidder)
		}
		if err := e.ledger.detachOffer(offer); err != nil {
			return err
		}
		if err := e.ledger.release(offer.Bidder, offer.Price); err != nil {
			return err
		}
		withdrawn = offer
		e.queue(NewOfferWithdrawnEvent(offer))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return withdrawn.Clone(), nil
}

// OffersByItem lists the outstanding offers on an item ordered by id.
func (e *Engine) OffersByItem(uid UID) []*Offer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneOffers(sortedOffers(e.ledger.byItem[uid]))
}

// OffersByBidder lists the bidder's outstanding offers ordered by id.
func (e *Engine) OffersByBidder(bidder AccountID) []*Offer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneOffers(sortedOffers(e.ledger.byBidder[bidder]))
}

// Offer looks up a single offer.
func (e *Engine) Offer(id OfferID) (*Offer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bidder, ok := e.ledger.offerOwner[id]
	if !ok {
		return nil, false
	}
	offer, ok := e.ledger.byBidder[bidder][id]
	if !ok {
		return nil, false
	}
	return offer.Clone(), true
}
