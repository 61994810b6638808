package market

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// Ledger is the single owned aggregate holding every market index and the
// funds held in custody. All mutations go through the journal so a failed
// operation leaves no trace.
type Ledger struct {
	vault AccountID

	listed     map[UID]uint64 // listing-set, value is the creation sequence
	byOwner    map[AccountID]map[UID]struct{}
	listings   map[UID]*Listing
	byItem     map[UID]map[OfferID]*Offer
	byBidder   map[AccountID]map[OfferID]*Offer
	offerOwner map[OfferID]AccountID
	balances   map[AccountID]*uint256.Int
	whitelist  map[AccountID]struct{}
	// settlements holds every open settlement: pending ones and failed ones
	// awaiting reclaim. Their prices make up the in-flight total.
	settlements map[string]*Settlement
	counters    Counters

	j *journal
}

// NewLedger returns an empty ledger whose escrowed funds are held by vault.
func NewLedger(vault AccountID) *Ledger {
	return &Ledger{
		vault:       vault,
		listed:      make(map[UID]uint64),
		byOwner:     make(map[AccountID]map[UID]struct{}),
		listings:    make(map[UID]*Listing),
		byItem:      make(map[UID]map[OfferID]*Offer),
		byBidder:    make(map[AccountID]map[OfferID]*Offer),
		offerOwner:  make(map[OfferID]AccountID),
		balances:    make(map[AccountID]*uint256.Int),
		whitelist:   make(map[AccountID]struct{}),
		settlements: make(map[string]*Settlement),
		counters:    Counters{InFlight: new(uint256.Int), Dust: new(uint256.Int)},
	}
}

// RestoreLedger rebuilds the derived indexes from persisted records and
// verifies the result.
func RestoreLedger(vault AccountID, snap *Snapshot) (*Ledger, error) {
	l := NewLedger(vault)
	if snap == nil {
		return l, nil
	}
	for _, listing := range snap.Listings {
		if listing == nil {
			continue
		}
		uid := listing.UID()
		if _, dup := l.listings[uid]; dup {
			return nil, fmt.Errorf("%w: duplicate listing %s", ErrInvariantViolation, uid)
		}
		l.listings[uid] = listing.Clone()
		l.listed[uid] = listing.Seq
		owned, ok := l.byOwner[listing.Owner]
		if !ok {
			owned = make(map[UID]struct{})
			l.byOwner[listing.Owner] = owned
		}
		owned[uid] = struct{}{}
	}
	for _, offer := range snap.Offers {
		if offer == nil {
			continue
		}
		if _, ok := l.listings[offer.UID]; !ok {
			return nil, fmt.Errorf("%w: offer %s references missing listing %s", ErrInvariantViolation, offer.ID, offer.UID)
		}
		if _, dup := l.offerOwner[offer.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate offer %s", ErrInvariantViolation, offer.ID)
		}
		stored := offer.Clone()
		if l.byItem[offer.UID] == nil {
			l.byItem[offer.UID] = make(map[OfferID]*Offer)
		}
		if l.byBidder[offer.Bidder] == nil {
			l.byBidder[offer.Bidder] = make(map[OfferID]*Offer)
		}
		l.byItem[offer.UID][offer.ID] = stored
		l.byBidder[offer.Bidder][offer.ID] = stored
		l.offerOwner[offer.ID] = offer.Bidder
	}
	for account, balance := range snap.Balances {
		if !isZero(balance) {
			l.balances[account] = balance.Clone()
		}
	}
	for _, account := range snap.Whitelist {
		l.whitelist[account] = struct{}{}
	}
	for _, settlement := range snap.Settlements {
		if settlement == nil {
			continue
		}
		if _, dup := l.settlements[settlement.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate settlement %s", ErrInvariantViolation, settlement.ID)
		}
		l.settlements[settlement.ID] = settlement.Clone()
	}
	l.counters = snap.Counters.clone()
	if err := l.CheckInvariants(); err != nil {
		return nil, err
	}
	return l, nil
}

// CheckInvariants verifies that every index agrees with the others and that
// the vault holds exactly the funds the ledger attributes to it.
func (l *Ledger) CheckInvariants() error {
	if len(l.listed) != len(l.listings) {
		return fmt.Errorf("%w: listing-set has %d entries, data map %d", ErrInvariantViolation, len(l.listed), len(l.listings))
	}
	owned := 0
	for owner, uids := range l.byOwner {
		for uid := range uids {
			owned++
			listing, ok := l.listings[uid]
			if !ok || listing.Owner != owner {
				return fmt.Errorf("%w: owner index entry %s/%s has no matching listing", ErrInvariantViolation, owner, uid)
			}
		}
	}
	if owned != len(l.listings) {
		return fmt.Errorf("%w: owner index has %d entries, listings %d", ErrInvariantViolation, owned, len(l.listings))
	}
	for uid, listing := range l.listings {
		if _, ok := l.listed[uid]; !ok {
			return fmt.Errorf("%w: listing %s missing from listing-set", ErrInvariantViolation, uid)
		}
		if listing.UID() != uid {
			return fmt.Errorf("%w: listing stored under %s has uid %s", ErrInvariantViolation, uid, listing.UID())
		}
	}
	escrowed := new(uint256.Int)
	itemOffers := 0
	for uid, offers := range l.byItem {
		if _, ok := l.listings[uid]; !ok {
			return fmt.Errorf("%w: offers held for unlisted item %s", ErrInvariantViolation, uid)
		}
		for id, offer := range offers {
			itemOffers++
			if offer.UID != uid || offer.ID != id {
				return fmt.Errorf("%w: offer %s filed under wrong item", ErrInvariantViolation, id)
			}
			bidder, ok := l.offerOwner[id]
			if !ok || bidder != offer.Bidder {
				return fmt.Errorf("%w: offer %s missing from id map", ErrInvariantViolation, id)
			}
			mirror, ok := l.byBidder[bidder][id]
			if !ok || mirror.UID != uid || !mirror.Price.Eq(offer.Price) {
				return fmt.Errorf("%w: offer %s missing from bidder index", ErrInvariantViolation, id)
			}
			escrowed.Add(escrowed, offer.Price)
		}
	}
	bidderOffers := 0
	for _, offers := range l.byBidder {
		bidderOffers += len(offers)
	}
	if itemOffers != bidderOffers || itemOffers != len(l.offerOwner) {
		return fmt.Errorf("%w: offer indexes disagree (item %d, bidder %d, ids %d)", ErrInvariantViolation, itemOffers, bidderOffers, len(l.offerOwner))
	}
	open := new(uint256.Int)
	for id, settlement := range l.settlements {
		if settlement.ID != id || settlement.Price == nil {
			return fmt.Errorf("%w: settlement %s stored incorrectly", ErrInvariantViolation, id)
		}
		if !settlement.open() {
			return fmt.Errorf("%w: settlement %s is closed but still held", ErrInvariantViolation, id)
		}
		open.Add(open, settlement.Price)
	}
	if !open.Eq(l.counters.InFlight) {
		return fmt.Errorf("%w: open settlements total %s, in-flight %s", ErrInvariantViolation, open.Dec(), l.counters.InFlight.Dec())
	}
	expected := new(uint256.Int).Add(escrowed, l.counters.InFlight)
	expected.Add(expected, l.counters.Dust)
	if vault := l.Balance(l.vault); !vault.Eq(expected) {
		return fmt.Errorf("%w: vault holds %s, expected %s", ErrInvariantViolation, vault.Dec(), expected.Dec())
	}
	return nil
}

// --- reads ---

// Listing returns the listing stored under uid.
func (l *Ledger) Listing(uid UID) (*Listing, bool) {
	listing, ok := l.listings[uid]
	return listing, ok
}

// Balance returns a copy of the account balance.
func (l *Ledger) Balance(account AccountID) *uint256.Int {
	return cloneAmount(l.balances[account])
}

func (l *Ledger) orderedListings() []*Listing {
	uids := make([]UID, 0, len(l.listed))
	for uid := range l.listed {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool {
		si, sj := l.listed[uids[i]], l.listed[uids[j]]
		if si == sj {
			return uids[i] < uids[j]
		}
		return si < sj
	})
	out := make([]*Listing, 0, len(uids))
	for _, uid := range uids {
		out = append(out, l.listings[uid])
	}
	return out
}

func sortedOffers(offers map[OfferID]*Offer) []*Offer {
	out := make([]*Offer, 0, len(offers))
	for _, offer := range offers {
		out = append(out, offer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// --- journaled mutations ---

func (l *Ledger) insertListing(listing *Listing) {
	uid := listing.UID()
	mapPut(l.j, l.listed, uid, listing.Seq, dirtyKey{})
	nestedPut(l.j, l.byOwner, listing.Owner, uid, struct{}{}, dirtyKey{})
	mapPut(l.j, l.listings, uid, listing, dirtyKey{kind: dirtyListing, id: string(uid)})
}

func (l *Ledger) replaceListing(listing *Listing) {
	mapPut(l.j, l.listings, listing.UID(), listing, dirtyKey{kind: dirtyListing, id: string(listing.UID())})
}

func (l *Ledger) insertOffer(offer *Offer) {
	dirty := dirtyKey{kind: dirtyOffer, id: string(offer.ID)}
	nestedPut(l.j, l.byItem, offer.UID, offer.ID, offer, dirty)
	nestedPut(l.j, l.byBidder, offer.Bidder, offer.ID, offer, dirty)
	mapPut(l.j, l.offerOwner, offer.ID, offer.Bidder, dirty)
}

// detachOffer removes an offer from all three offer indexes without moving
// its funds.
func (l *Ledger) detachOffer(offer *Offer) error {
	dirty := dirtyKey{kind: dirtyOffer, id: string(offer.ID)}
	if !nestedDelete(l.j, l.byItem, offer.UID, offer.ID, dirty) {
		return fmt.Errorf("%w: offer %s absent from item index", ErrInvariantViolation, offer.ID)
	}
	if !nestedDelete(l.j, l.byBidder, offer.Bidder, offer.ID, dirty) {
		return fmt.Errorf("%w: offer %s absent from bidder index", ErrInvariantViolation, offer.ID)
	}
	if !mapDelete(l.j, l.offerOwner, offer.ID, dirty) {
		return fmt.Errorf("%w: offer %s absent from id map", ErrInvariantViolation, offer.ID)
	}
	return nil
}

func (l *Ledger) setBalance(account AccountID, amount *uint256.Int) {
	dirty := dirtyKey{kind: dirtyBalance, id: string(account)}
	if isZero(amount) {
		mapDelete(l.j, l.balances, account, dirty)
		return
	}
	mapPut(l.j, l.balances, account, amount, dirty)
}

func (l *Ledger) transfer(from, to AccountID, amount *uint256.Int) error {
	if isZero(amount) || from == to {
		return nil
	}
	fromBal := l.Balance(from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from, fromBal.Dec(), amount.Dec())
	}
	toBal := l.Balance(to)
	if _, overflow := toBal.AddOverflow(toBal, amount); overflow {
		return fmt.Errorf("%w: balance overflow for %s", ErrInvalidAmount, to)
	}
	l.setBalance(from, fromBal.Sub(fromBal, amount))
	l.setBalance(to, toBal)
	return nil
}

// release pays out of the vault. A vault shortfall means the books are wrong.
func (l *Ledger) release(to AccountID, amount *uint256.Int) error {
	if err := l.transfer(l.vault, to, amount); err != nil {
		return fmt.Errorf("%w: vault release to %s: %v", ErrInvariantViolation, to, err)
	}
	return nil
}

func (l *Ledger) setCounters(c Counters) {
	prev := l.counters
	l.counters = c
	l.j.append(func() { l.counters = prev }, dirtyKey{kind: dirtyCounters})
}

func (l *Ledger) nextOfferID() OfferID {
	c := l.counters.clone()
	id := formatOfferID(c.OfferCounter)
	c.OfferCounter++
	l.setCounters(c)
	return id
}

func (l *Ledger) nextListingSeq() uint64 {
	c := l.counters.clone()
	c.ListingSeq++
	l.setCounters(c)
	return c.ListingSeq
}

func (l *Ledger) addInFlight(amount *uint256.Int) {
	c := l.counters.clone()
	c.InFlight.Add(c.InFlight, amount)
	l.setCounters(c)
}

func (l *Ledger) subInFlight(amount *uint256.Int) error {
	c := l.counters.clone()
	if c.InFlight.Lt(amount) {
		return fmt.Errorf("%w: in-flight total %s below %s", ErrInvariantViolation, c.InFlight.Dec(), amount.Dec())
	}
	c.InFlight.Sub(c.InFlight, amount)
	l.setCounters(c)
	return nil
}

func (l *Ledger) addDust(amount *uint256.Int) {
	if isZero(amount) {
		return
	}
	c := l.counters.clone()
	c.Dust.Add(c.Dust, amount)
	l.setCounters(c)
}

func (l *Ledger) putSettlement(settlement *Settlement) {
	mapPut(l.j, l.settlements, settlement.ID, settlement, dirtyKey{kind: dirtySettlement, id: settlement.ID})
}

func (l *Ledger) deleteSettlement(id string) bool {
	return mapDelete(l.j, l.settlements, id, dirtyKey{kind: dirtySettlement, id: id})
}

// openSettlements returns the open settlements in state, oldest first.
func (l *Ledger) openSettlements(state SettlementState) []*Settlement {
	out := make([]*Settlement, 0, len(l.settlements))
	for _, settlement := range l.settlements {
		if settlement.State == state {
			out = append(out, settlement.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

func (l *Ledger) countSettlements(state SettlementState) int {
	n := 0
	for _, settlement := range l.settlements {
		if settlement.State == state {
			n++
		}
	}
	return n
}

func (l *Ledger) whitelistAdd(account AccountID) bool {
	if _, ok := l.whitelist[account]; ok {
		return false
	}
	mapPut(l.j, l.whitelist, account, struct{}{}, dirtyKey{kind: dirtyWhitelist, id: string(account)})
	return true
}

func (l *Ledger) whitelistRemove(account AccountID) bool {
	return mapDelete(l.j, l.whitelist, account, dirtyKey{kind: dirtyWhitelist, id: string(account)})
}

// changeSet captures the current value of every record touched by the
// journal.
func (l *Ledger) changeSet() *ChangeSet {
	cs := newChangeSet()
	for _, key := range l.j.dirtyKeys() {
		switch key.kind {
		case dirtyListing:
			uid := UID(key.id)
			if listing, ok := l.listings[uid]; ok {
				cs.Listings[uid] = listing.Clone()
			} else {
				cs.Listings[uid] = nil
			}
		case dirtyOffer:
			id := OfferID(key.id)
			var current *Offer
			if bidder, ok := l.offerOwner[id]; ok {
				current = l.byBidder[bidder][id].Clone()
			}
			cs.Offers[id] = current
		case dirtyBalance:
			cs.Balances[AccountID(key.id)] = l.Balance(AccountID(key.id))
		case dirtyWhitelist:
			_, ok := l.whitelist[AccountID(key.id)]
			cs.Whitelist[AccountID(key.id)] = ok
		case dirtySettlement:
			var current *Settlement
			if settlement, ok := l.settlements[key.id]; ok {
				current = settlement.Clone()
			}
			cs.Settlements[key.id] = current
		case dirtyCounters:
			c := l.counters.clone()
			cs.Counters = &c
		}
	}
	return cs
}
