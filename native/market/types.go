package market

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// AccountID identifies a caller, a custody service or an internal account.
type AccountID string

// UID joins a custody-service address and an item id. It is the join key of
// every index held by the ledger.
type UID string

// OfferID is the globally unique identifier of an escrowed bid.
type OfferID string

const (
	// UIDDelimiter separates the custody address from the item id.
	UIDDelimiter = ":"
	// OfferPrefix and OfferDelimiter build "offer-<n>" identifiers.
	OfferPrefix    = "offer"
	OfferDelimiter = "-"
)

// NewUID builds the composite identifier for an item held by custody.
func NewUID(custody AccountID, itemID string) UID {
	return UID(string(custody) + UIDDelimiter + itemID)
}

// Split returns the custody address and item id encoded in the UID.
func (u UID) Split() (AccountID, string, bool) {
	custody, item, ok := strings.Cut(string(u), UIDDelimiter)
	if !ok || custody == "" || item == "" {
		return "", "", false
	}
	return AccountID(custody), item, true
}

// Less orders offer ids by their counter, falling back to string order for
// ids that do not carry one.
func (id OfferID) Less(other OfferID) bool {
	a, aok := id.counter()
	b, bok := other.counter()
	if aok && bok {
		return a < b
	}
	return id < other
}

func (id OfferID) counter() (uint64, bool) {
	rest, ok := strings.CutPrefix(string(id), OfferPrefix+OfferDelimiter)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}

func formatOfferID(counter uint64) OfferID {
	return OfferID(fmt.Sprintf("%s%s%d", OfferPrefix, OfferDelimiter, counter))
}

// Listing is an item currently offered for sale.
type Listing struct {
	Owner      AccountID
	Custody    AccountID
	ItemID     string
	Price      *uint256.Int
	ApprovalID uint64
	// Seq orders listings by creation for windowed reads.
	Seq uint64
}

// UID returns the listing's composite identifier.
func (l *Listing) UID() UID { return NewUID(l.Custody, l.ItemID) }

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Price = cloneAmount(l.Price)
	return &clone
}

// Offer is an outstanding bid whose funds are held in the vault.
type Offer struct {
	UID    UID
	ID     OfferID
	Price  *uint256.Int
	Bidder AccountID
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Price = cloneAmount(o.Price)
	return &clone
}

// Page is the result of a windowed, newest-first listing read.
type Page struct {
	Listings []*Listing
	HasNext  bool
	Total    uint64
}

// Counters groups the scalar ledger state persisted alongside the records.
type Counters struct {
	OfferCounter uint64
	ListingSeq   uint64
	// InFlight is the sum of prices of settlements whose funds are still held
	// by the vault (pending or failed).
	InFlight *uint256.Int
	// Dust accumulates the single-unit rounding remainders retained from
	// validated payouts.
	Dust *uint256.Int
}

func (c Counters) clone() Counters {
	c.InFlight = cloneAmount(c.InFlight)
	c.Dust = cloneAmount(c.Dust)
	return c
}

// Stats is a point-in-time summary of the ledger.
type Stats struct {
	Listings          int
	Offers            int
	PendingSettlement int
	FailedSettlement  int
	Vault             *uint256.Int
	InFlight          *uint256.Int
	Dust              *uint256.Int
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

func isZero(v *uint256.Int) bool { return v == nil || v.IsZero() }
