package market

import (
	"context"
	"time"

	"github.com/holiman/uint256"
)

// SettlementState tracks a purchase between the transfer request and the
// custody callback.
type SettlementState uint8

const (
	SettlementPending SettlementState = iota + 1
	SettlementResolved
)

func (s SettlementState) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// SettlementOutcome describes how a resolved settlement distributed funds.
type SettlementOutcome uint8

const (
	OutcomeNone SettlementOutcome = iota
	// OutcomeSettled paid out according to a validated custody split.
	OutcomeSettled
	// OutcomeFallback paid the seller price minus fee because the split was
	// absent or rejected.
	OutcomeFallback
	// OutcomeFailed means the custody service reported the transfer failed.
	// Funds stay in the vault until reclaimed.
	OutcomeFailed
	// OutcomeReclaimed means a failed settlement was refunded to the buyer.
	OutcomeReclaimed
)

func (o SettlementOutcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeFallback:
		return "fallback"
	case OutcomeFailed:
		return "failed"
	case OutcomeReclaimed:
		return "reclaimed"
	default:
		return ""
	}
}

// Source records where the purchase money came from.
type Source uint8

const (
	SourceDirect Source = iota + 1
	SourceOffer
)

func (s Source) String() string {
	if s == SourceOffer {
		return "offer"
	}
	return "direct"
}

// Settlement is the context carried from the transfer request to the
// callback. Open settlements are ledger records and survive restarts.
type Settlement struct {
	ID         string
	State      SettlementState
	Outcome    SettlementOutcome
	Source     Source
	OfferID    OfferID
	UID        UID
	Custody    AccountID
	ItemID     string
	ApprovalID uint64
	Buyer      AccountID
	Seller     AccountID
	Price      *uint256.Int
	Fee        *uint256.Int
	// Credits lists what each account received when the settlement paid out.
	Credits     map[AccountID]*uint256.Int
	Dust        *uint256.Int
	Reason      string
	RequestedAt time.Time
	ResolvedAt  time.Time
}

// open reports whether the settlement still holds its price in the vault.
func (s *Settlement) open() bool {
	return s.State == SettlementPending || (s.State == SettlementResolved && s.Outcome == OutcomeFailed)
}

// Clone returns a deep copy of the settlement.
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Price = cloneAmount(s.Price)
	clone.Fee = cloneAmount(s.Fee)
	clone.Dust = cloneAmount(s.Dust)
	if s.Credits != nil {
		clone.Credits = make(map[AccountID]*uint256.Int, len(s.Credits))
		for k, v := range s.Credits {
			clone.Credits[k] = cloneAmount(v)
		}
	}
	return &clone
}

// TransferRequest asks the custody service to move an item from seller to
// receiver. The custody service answers with exactly one TransferOutcome for
// SettlementID.
type TransferRequest struct {
	SettlementID     string
	Custody          AccountID
	Owner            AccountID
	Receiver         AccountID
	ItemID           string
	ApprovalID       uint64
	Price            *uint256.Int
	MaxPayoutEntries uint32
}

// TransferOutcome is the custody service's single answer to a request.
// Payout optionally carries a serialised split.
type TransferOutcome struct {
	Success bool
	Payout  []byte
	Reason  string
}

// Custody issues transfer requests. RequestTransfer must not block on the
// transfer itself and must not resolve the settlement before returning.
type Custody interface {
	RequestTransfer(ctx context.Context, req TransferRequest) error
}

// Resolver accepts the callback for a pending settlement.
type Resolver interface {
	ResolvePurchase(ctx context.Context, settlementID string, outcome TransferOutcome) (*Settlement, error)
}
