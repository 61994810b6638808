package routes

import (
	"time"

	"github.com/holiman/uint256"

	"nftmarket/native/market"
)

type listingView struct {
	UID        string `json:"uid"`
	Owner      string `json:"owner"`
	Custody    string `json:"custody"`
	ItemID     string `json:"itemId"`
	Price      string `json:"price"`
	ApprovalID uint64 `json:"approvalId"`
	Seq        uint64 `json:"seq"`
}

type offerView struct {
	ID     string `json:"id"`
	UID    string `json:"uid"`
	Bidder string `json:"bidder"`
	Price  string `json:"price"`
}

type settlementView struct {
	ID          string            `json:"id"`
	State       string            `json:"state"`
	Outcome     string            `json:"outcome,omitempty"`
	Source      string            `json:"source"`
	OfferID     string            `json:"offerId,omitempty"`
	UID         string            `json:"uid"`
	Custody     string            `json:"custody"`
	ItemID      string            `json:"itemId"`
	ApprovalID  uint64            `json:"approvalId"`
	Buyer       string            `json:"buyer"`
	Seller      string            `json:"seller"`
	Price       string            `json:"price"`
	Fee         string            `json:"fee,omitempty"`
	Credits     map[string]string `json:"credits,omitempty"`
	Dust        string            `json:"dust,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	RequestedAt time.Time         `json:"requestedAt"`
	ResolvedAt  *time.Time        `json:"resolvedAt,omitempty"`
}

type pageView struct {
	Listings []listingView `json:"listings"`
	HasNext  bool          `json:"hasNext"`
	Total    uint64        `json:"total"`
}

type statsView struct {
	Listings          int    `json:"listings"`
	Offers            int    `json:"offers"`
	PendingSettlement int    `json:"pendingSettlements"`
	FailedSettlement  int    `json:"failedSettlements"`
	Vault             string `json:"vault"`
	InFlight          string `json:"inFlight"`
	Dust              string `json:"dust"`
	Halted            string `json:"halted,omitempty"`
}

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func newListingView(l *market.Listing) listingView {
	return listingView{
		UID:        string(l.UID()),
		Owner:      string(l.Owner),
		Custody:    string(l.Custody),
		ItemID:     l.ItemID,
		Price:      amount(l.Price),
		ApprovalID: l.ApprovalID,
		Seq:        l.Seq,
	}
}

func newListingViews(listings []*market.Listing) []listingView {
	out := make([]listingView, 0, len(listings))
	for _, l := range listings {
		out = append(out, newListingView(l))
	}
	return out
}

func newOfferView(o *market.Offer) offerView {
	return offerView{ID: string(o.ID), UID: string(o.UID), Bidder: string(o.Bidder), Price: amount(o.Price)}
}

func newOfferViews(offers []*market.Offer) []offerView {
	out := make([]offerView, 0, len(offers))
	for _, o := range offers {
		out = append(out, newOfferView(o))
	}
	return out
}

func newSettlementView(s *market.Settlement) settlementView {
	view := settlementView{
		ID:          s.ID,
		State:       s.State.String(),
		Outcome:     s.Outcome.String(),
		Source:      s.Source.String(),
		OfferID:     string(s.OfferID),
		UID:         string(s.UID),
		Custody:     string(s.Custody),
		ItemID:      s.ItemID,
		ApprovalID:  s.ApprovalID,
		Buyer:       string(s.Buyer),
		Seller:      string(s.Seller),
		Price:       amount(s.Price),
		Reason:      s.Reason,
		RequestedAt: s.RequestedAt,
	}
	if s.Outcome != market.OutcomeNone {
		view.Fee = amount(s.Fee)
	}
	if len(s.Credits) > 0 {
		view.Credits = make(map[string]string, len(s.Credits))
		for account, credit := range s.Credits {
			view.Credits[string(account)] = amount(credit)
		}
	}
	if s.Dust != nil && !s.Dust.IsZero() {
		view.Dust = s.Dust.Dec()
	}
	if !s.ResolvedAt.IsZero() {
		resolved := s.ResolvedAt
		view.ResolvedAt = &resolved
	}
	return view
}

func newSettlementViews(settlements []*market.Settlement) []settlementView {
	out := make([]settlementView, 0, len(settlements))
	for _, s := range settlements {
		out = append(out, newSettlementView(s))
	}
	return out
}

func newStatsView(stats market.Stats, halted error) statsView {
	view := statsView{
		Listings:          stats.Listings,
		Offers:            stats.Offers,
		PendingSettlement: stats.PendingSettlement,
		FailedSettlement:  stats.FailedSettlement,
		Vault:             amount(stats.Vault),
		InFlight:          amount(stats.InFlight),
		Dust:              amount(stats.Dust),
	}
	if halted != nil {
		view.Halted = halted.Error()
	}
	return view
}
