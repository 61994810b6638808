package market

import "github.com/holiman/uint256"

// Store persists ledger records. Each record kind is keyed independently so
// a commit only rewrites what an operation touched.
type Store interface {
	Load() (*Snapshot, error)
	Commit(*ChangeSet) error
}

// Snapshot is the full persisted ledger as read at start-up.
type Snapshot struct {
	Listings  []*Listing
	Offers    []*Offer
	Balances  map[AccountID]*uint256.Int
	Whitelist []AccountID
	// Settlements are the open settlements: pending or failed and not yet
	// reclaimed.
	Settlements []*Settlement
	Counters    Counters
}

// ChangeSet carries the current value of every record touched by one
// operation. A nil listing, offer or settlement means the record was
// deleted; a zero balance or false whitelist flag likewise removes the
// record.
type ChangeSet struct {
	Listings    map[UID]*Listing
	Offers      map[OfferID]*Offer
	Balances    map[AccountID]*uint256.Int
	Whitelist   map[AccountID]bool
	Settlements map[string]*Settlement
	Counters    *Counters
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		Listings:    make(map[UID]*Listing),
		Offers:      make(map[OfferID]*Offer),
		Balances:    make(map[AccountID]*uint256.Int),
		Whitelist:   make(map[AccountID]bool),
		Settlements: make(map[string]*Settlement),
	}
}

// Empty reports whether the change set carries no records.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Listings) == 0 && len(c.Offers) == 0 && len(c.Balances) == 0 &&
		len(c.Whitelist) == 0 && len(c.Settlements) == 0 && c.Counters == nil)
}
