package market

import (
	"sort"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"nftmarket/core/types"
)

const (
	EventTypeListingCreated      = "market.listing.created"
	EventTypeListingPriceUpdated = "market.listing.price_updated"
	EventTypeListingRemoved      = "market.listing.removed"
	EventTypeOfferPlaced         = "market.offer.placed"
	EventTypeOfferWithdrawn      = "market.offer.withdrawn"
	EventTypeOfferRefunded       = "market.offer.refunded"
	EventTypeOfferAccepted       = "market.offer.accepted"
	EventTypePurchaseRequested   = "market.purchase.requested"
	EventTypePurchaseSettled     = "market.purchase.settled"
	EventTypePurchaseFallback    = "market.purchase.fallback"
	EventTypePurchaseFailed      = "market.purchase.failed"
	EventTypeSettlementReclaimed = "market.settlement.reclaimed"
	EventTypeWhitelistAdded      = "market.whitelist.added"
	EventTypeWhitelistRemoved    = "market.whitelist.removed"
	EventTypeFundsDeposited      = "market.funds.deposited"
	EventTypeFundsWithdrawn      = "market.funds.withdrawn"
)

// Reasons attached to market.listing.removed.
const (
	RemovalDelist   = "delist"
	RemovalPurchase = "purchase"
	RemovalForced   = "forced"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Payload exposes the structured event carried by market events.
type Payload interface {
	Event() *types.Event
}

// NewListingCreatedEvent returns the canonical payload for a new listing.
// Optional metadata supplied through the approval hook is copied under a
// "meta." prefix.
func NewListingCreatedEvent(l *Listing, metadata map[string]string) *types.Event {
	evt := newListingEvent(EventTypeListingCreated, l)
	for k, v := range metadata {
		if strings.TrimSpace(v) == "" {
			continue
		}
		evt.Attributes["meta."+k] = v
	}
	return evt
}

// NewListingPriceUpdatedEvent returns the payload for a price change.
func NewListingPriceUpdatedEvent(l *Listing, previous *uint256.Int) *types.Event {
	evt := newListingEvent(EventTypeListingPriceUpdated, l)
	evt.Attributes["previousPrice"] = amountString(previous)
	return evt
}

// NewListingRemovedEvent returns the payload emitted when an item leaves the
// market by any path.
func NewListingRemovedEvent(l *Listing, reason string) *types.Event {
	evt := newListingEvent(EventTypeListingRemoved, l)
	evt.Attributes["reason"] = reason
	return evt
}

func NewOfferPlacedEvent(o *Offer) *types.Event    { return newOfferEvent(EventTypeOfferPlaced, o) }
func NewOfferWithdrawnEvent(o *Offer) *types.Event { return newOfferEvent(EventTypeOfferWithdrawn, o) }
func NewOfferRefundedEvent(o *Offer) *types.Event  { return newOfferEvent(EventTypeOfferRefunded, o) }
func NewOfferAcceptedEvent(o *Offer) *types.Event  { return newOfferEvent(EventTypeOfferAccepted, o) }

// NewPurchaseRequestedEvent is emitted once the transfer request was issued.
func NewPurchaseRequestedEvent(s *Settlement) *types.Event {
	return newSettlementEvent(EventTypePurchaseRequested, s)
}

// NewPurchaseResolvedEvent maps the settlement outcome onto its event type.
func NewPurchaseResolvedEvent(s *Settlement) *types.Event {
	switch s.Outcome {
	case OutcomeSettled:
		return newSettlementEvent(EventTypePurchaseSettled, s)
	case OutcomeFallback:
		return newSettlementEvent(EventTypePurchaseFallback, s)
	case OutcomeReclaimed:
		return newSettlementEvent(EventTypeSettlementReclaimed, s)
	default:
		return newSettlementEvent(EventTypePurchaseFailed, s)
	}
}

func NewWhitelistEvent(account AccountID, added bool) *types.Event {
	eventType := EventTypeWhitelistRemoved
	if added {
		eventType = EventTypeWhitelistAdded
	}
	return &types.Event{Type: eventType, Attributes: map[string]string{"account": string(account)}}
}

func NewFundsEvent(account AccountID, amount *uint256.Int, deposit bool) *types.Event {
	eventType := EventTypeFundsWithdrawn
	if deposit {
		eventType = EventTypeFundsDeposited
	}
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"account": string(account),
		"amount":  amountString(amount),
	}}
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := map[string]string{}
	if l != nil {
		attrs["uid"] = string(l.UID())
		attrs["owner"] = string(l.Owner)
		attrs["custody"] = string(l.Custody)
		attrs["itemId"] = l.ItemID
		attrs["price"] = amountString(l.Price)
		attrs["approvalId"] = strconv.FormatUint(l.ApprovalID, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newOfferEvent(eventType string, o *Offer) *types.Event {
	attrs := map[string]string{}
	if o != nil {
		attrs["uid"] = string(o.UID)
		attrs["offerId"] = string(o.ID)
		attrs["bidder"] = string(o.Bidder)
		attrs["price"] = amountString(o.Price)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newSettlementEvent(eventType string, s *Settlement) *types.Event {
	attrs := map[string]string{}
	if s != nil {
		attrs["settlementId"] = s.ID
		attrs["uid"] = string(s.UID)
		attrs["itemId"] = s.ItemID
		attrs["custody"] = string(s.Custody)
		attrs["buyer"] = string(s.Buyer)
		attrs["seller"] = string(s.Seller)
		attrs["price"] = amountString(s.Price)
		attrs["source"] = s.Source.String()
		if s.OfferID != "" {
			attrs["offerId"] = string(s.OfferID)
		}
		if s.Outcome != OutcomeNone {
			attrs["outcome"] = s.Outcome.String()
			attrs["fee"] = amountString(s.Fee)
		}
		if len(s.Credits) > 0 {
			attrs["credits"] = formatCredits(s.Credits)
		}
		if !isZero(s.Dust) {
			attrs["dust"] = s.Dust.Dec()
		}
		if s.Reason != "" {
			attrs["reason"] = s.Reason
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// formatCredits renders credits as "acct=amount" pairs sorted by account.
func formatCredits(credits map[AccountID]*uint256.Int) string {
	keys := make([]string, 0, len(credits))
	for k := range credits {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+amountString(credits[AccountID(k)]))
	}
	return strings.Join(parts, ",")
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
