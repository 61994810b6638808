package market

import "fmt"

// removeListing is the one path by which an item leaves the market. It drops
// the listing from the owner index, the listing-set and the data map, then
// refunds every offer still held against the item. A missing index entry
// means the ledger is corrupt and is reported as ErrInvariantViolation.
func (l *Ledger) removeListing(owner AccountID, uid UID) (*Listing, []*Offer, error) {
	if !nestedDelete(l.j, l.byOwner, owner, uid, dirtyKey{}) {
		return nil, nil, fmt.Errorf("%w: %s absent from owner index of %s", ErrInvariantViolation, uid, owner)
	}
	if !mapDelete(l.j, l.listed, uid, dirtyKey{}) {
		return nil, nil, fmt.Errorf("%w: %s absent from listing-set", ErrInvariantViolation, uid)
	}
	listing, ok := l.listings[uid]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s has no listing record", ErrInvariantViolation, uid)
	}
	mapDelete(l.j, l.listings, uid, dirtyKey{kind: dirtyListing, id: string(uid)})

	refunded := sortedOffers(l.byItem[uid])
	for _, offer := range refunded {
		if err := l.detachOffer(offer); err != nil {
			return nil, nil, err
		}
		if err := l.release(offer.Bidder, offer.Price); err != nil {
			return nil, nil, err
		}
	}
	return listing, refunded, nil
}
