package market

import (
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

// ListRequest carries the fields of a new listing.
type ListRequest struct {
	Owner      AccountID
	Custody    AccountID
	ItemID     string
	Price      *uint256.Int
	ApprovalID uint64
	// Metadata is copied onto the listing.created event only.
	Metadata map[string]string
}

// List places an item on the market.
func (e *Engine) List(req ListRequest) (*Listing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var created *Listing
	err := e.apply("list", func() error {
		listing, err := e.list(req)
		created = listing
		return err
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

func (e *Engine) list(req ListRequest) (*Listing, error) {
	owner := AccountID(strings.TrimSpace(string(req.Owner)))
	custody := AccountID(strings.TrimSpace(string(req.Custody)))
	itemID := strings.TrimSpace(req.ItemID)
	if owner == "" || custody == "" || itemID == "" {
		return nil, ErrInvalidListing
	}
	if strings.Contains(string(custody), UIDDelimiter) {
		return nil, fmt.Errorf("%w: custody address contains %q", ErrInvalidListing, UIDDelimiter)
	}
	if isZero(req.Price) {
		return nil, ErrInvalidAmount
	}
	if e.params.EnforceWhitelist {
		if _, ok := e.ledger.whitelist[custody]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotWhitelisted, custody)
		}
	}
	uid := NewUID(custody, itemID)
	if _, exists := e.ledger.listings[uid]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyListed, uid)
	}
	listing := &Listing{
		Owner:      owner,
		Custody:    custody,
		ItemID:     itemID,
		Price:      req.Price.Clone(),
		ApprovalID: req.ApprovalID,
		Seq:        e.ledger.nextListingSeq(),
	}
	e.ledger.insertListing(listing)
	e.queue(NewListingCreatedEvent(listing, req.Metadata))
	return listing, nil
}

// UpdatePrice changes a listing's price. Escrowed offers are unaffected.
func (e *Engine) UpdatePrice(uid UID, price *uint256.Int, caller AccountID) (*Listing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var updated *Listing
	err := e.apply("update_price", func() error {
		current, ok := e.ledger.listings[uid]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotListed, uid)
		}
		if current.Owner != caller {
			return ErrNotOwner
		}
		if isZero(price) {
			return ErrInvalidAmount
		}
		updated = current.Clone()
		updated.Price = price.Clone()
		e.ledger.replaceListing(updated)
		e.queue(NewListingPriceUpdatedEvent(updated, current.Price))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Delist removes the caller's listing and refunds every offer on it.
func (e *Engine) Delist(uid UID, caller AccountID) ([]*Offer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var refunded []*Offer
	err := e.apply("delist", func() error {
		current, ok := e.ledger.listings[uid]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotListed, uid)
		}
		if current.Owner != caller {
			return ErrNotOwner
		}
		var err error
		refunded, err = e.removeListing(current, RemovalDelist)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cloneOffers(refunded), nil
}

// removeListing runs the cleanup routine and queues its events.
func (e *Engine) removeListing(listing *Listing, reason string) ([]*Offer, error) {
	removed, refunded, err := e.ledger.removeListing(listing.Owner, listing.UID())
	if err != nil {
		return nil, err
	}
	e.queue(NewListingRemovedEvent(removed, reason))
	for _, offer := range refunded {
		e.queue(NewOfferRefundedEvent(offer))
	}
	return refunded, nil
}

// Page returns up to limit listings, newest first, skipping the from most
// recent ones. It never fails; a from beyond the end yields an empty page.
func (e *Engine) Page(from, limit uint64) Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	ordered := e.ledger.orderedListings()
	size := uint64(len(ordered))
	page := Page{Total: size, Listings: []*Listing{}}
	if from >= size {
		return page
	}
	realTo := size - from
	var realFrom uint64
	if realTo > limit {
		realFrom = realTo - limit
	}
	for i := realTo; i > realFrom; i-- {
		page.Listings = append(page.Listings, ordered[i-1].Clone())
	}
	page.HasNext = realFrom > 0
	return page
}

// ListingsByOwner returns the owner's listings ordered by creation.
func (e *Engine) ListingsByOwner(owner AccountID) []*Listing {
	e.mu.Lock()
	defer e.mu.Unlock()
	uids := e.ledger.byOwner[owner]
	out := make([]*Listing, 0, len(uids))
	for uid := range uids {
		if listing, ok := e.ledger.listings[uid]; ok {
			out = append(out, listing.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Listing returns a copy of the listing stored under uid.
func (e *Engine) Listing(uid UID) (*Listing, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	listing, ok := e.ledger.listings[uid]
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

// Price returns the listing price, or false when the item is not listed.
func (e *Engine) Price(uid UID) (*uint256.Int, bool) {
	listing, ok := e.Listing(uid)
	if !ok {
		return nil, false
	}
	return listing.Price, true
}

func cloneOffers(offers []*Offer) []*Offer {
	out := make([]*Offer, 0, len(offers))
	for _, offer := range offers {
		out = append(out, offer.Clone())
	}
	return out
}
