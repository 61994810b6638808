package routes

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"nftmarket/native/market"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type createListingRequest struct {
	Custody    string            `json:"custody"`
	ItemID     string            `json:"itemId"`
	Price      string            `json:"price"`
	ApprovalID uint64            `json:"approvalId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type priceRequest struct {
	Price string `json:"price"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (a *api) pageListings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := parseUintParam(query.Get("from"), 0)
	if err != nil {
		writeBadRequest(w, errors.New("invalid from"))
		return
	}
	limit, err := parseUintParam(query.Get("limit"), defaultPageSize)
	if err != nil || limit == 0 {
		writeBadRequest(w, errors.New("invalid limit"))
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page := a.engine.Page(from, limit)
	writeJSON(w, http.StatusOK, pageView{
		Listings: newListingViews(page.Listings),
		HasNext:  page.HasNext,
		Total:    page.Total,
	})
}

func parseUintParam(raw string, fallback uint64) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (a *api) createListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createListingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	listing, err := a.engine.List(market.ListRequest{
		Owner:      caller,
		Custody:    market.AccountID(normalizeID(req.Custody)),
		ItemID:     normalizeID(req.ItemID),
		Price:      price,
		ApprovalID: req.ApprovalID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newListingView(listing))
}

func (a *api) getListing(w http.ResponseWriter, r *http.Request) {
	uid, err := pathParam(r, "uid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	listing, ok := a.engine.Listing(market.UID(uid))
	if !ok {
		writeMarketError(w, market.ErrNotListed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listing": newListingView(listing),
		"offers":  newOfferViews(a.engine.OffersByItem(market.UID(uid))),
	})
}

func (a *api) getPrice(w http.ResponseWriter, r *http.Request) {
	uid, err := pathParam(r, "uid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	price, ok := a.engine.Price(market.UID(uid))
	if !ok {
		writeMarketError(w, market.ErrNotListed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uid": uid, "price": amount(price)})
}

func (a *api) updatePrice(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	uid, err := pathParam(r, "uid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	listing, err := a.engine.UpdatePrice(market.UID(uid), price, caller)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(listing))
}

func (a *api) delist(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	uid, err := pathParam(r, "uid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	refunded, err := a.engine.Delist(market.UID(uid), caller)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"refunded": newOfferViews(refunded)})
}

func (a *api) buy(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	uid, err := pathParam(r, "uid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	attached, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	settlement, err := a.engine.Buy(r.Context(), market.UID(uid), caller, attached)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSettlementView(settlement))
}

func (a *api) listOffers(w http.ResponseWriter, r *http.Request) {
	uid, err := pathParam(r, "uid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"offers": newOfferViews(a.engine.OffersByItem(market.UID(uid)))})
}

func (a *api) placeOffer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	uid, err := pathParam(r, "uid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	attached, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	offer, err := a.engine.PlaceOffer(market.UID(uid), caller, attached)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOfferView(offer))
}

func (a *api) acceptOffer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	uid, err := pathParam(r, "uid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	offerID, err := pathParam(r, "offerID")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	settlement, err := a.engine.AcceptOffer(r.Context(), market.UID(uid), market.OfferID(offerID), caller)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSettlementView(settlement))
}

func (a *api) getOffer(w http.ResponseWriter, r *http.Request) {
	offerID, err := pathParam(r, "offerID")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	offer, ok := a.engine.Offer(market.OfferID(offerID))
	if !ok {
		writeMarketError(w, market.ErrNoSuchOffer)
		return
	}
	writeJSON(w, http.StatusOK, newOfferView(offer))
}

func (a *api) withdrawOffer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	offerID, err := pathParam(r, "offerID")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	offer, err := a.engine.WithdrawOffer(market.OfferID(offerID), caller)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOfferView(offer))
}

func (a *api) ownerListings(w http.ResponseWriter, r *http.Request) {
	account, err := pathParam(r, "account")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listings": newListingViews(a.engine.ListingsByOwner(market.AccountID(account))),
	})
}

func (a *api) bidderOffers(w http.ResponseWriter, r *http.Request) {
	account, err := pathParam(r, "account")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"offers": newOfferViews(a.engine.OffersByBidder(market.AccountID(account))),
	})
}
