package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"nftmarket/gateway/auth"
	"nftmarket/native/market"
	"nftmarket/observability/metrics"
)

// resultRequest is the custody service's report for one settlement. Payout
// is passed to the engine verbatim; it may be the flat split or wrapped in a
// {"payout": ...} envelope.
type resultRequest struct {
	Success bool            `json:"success"`
	Payout  json.RawMessage `json:"payout,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

type approvalRequest struct {
	Owner      string `json:"owner"`
	Signer     string `json:"signer"`
	ItemID     string `json:"itemId"`
	ApprovalID uint64 `json:"approvalId"`
	Msg        string `json:"msg"`
}

// readSigned reads the body and verifies the custody signature. It writes
// the error response itself.
func (a *api) readSigned(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
	if err != nil {
		writeBadRequest(w, errors.New("read body"))
		return "", nil, false
	}
	if len(body) > auth.MaxBodyForSignature {
		writeJSONError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
		return "", nil, false
	}
	custody, err := a.verifier.Verify(r, body)
	if err != nil {
		a.logger.Warn("custody signature rejected",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeJSONError(w, http.StatusUnauthorized, err)
		return "", nil, false
	}
	return custody, body, true
}

func (a *api) settlementResult(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "settlementID")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	custody, body, ok := a.readSigned(w, r)
	if !ok {
		metrics.Custody().ObserveCallback("unauthenticated")
		return
	}
	if err := a.authorizeResult(id, custody); err != nil {
		a.logger.Warn("custody result from foreign signer",
			slog.String("settlement", id),
			slog.String("custody", custody),
			slog.Any("error", err))
		metrics.Custody().ObserveCallback(market.ErrorCode(err))
		writeMarketError(w, err)
		return
	}
	var req resultRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.Custody().ObserveCallback("malformed")
		writeBadRequest(w, errors.New("invalid request body"))
		return
	}
	outcome := market.TransferOutcome{Success: req.Success, Reason: strings.TrimSpace(req.Reason)}
	if len(req.Payout) > 0 && string(req.Payout) != "null" {
		outcome.Payout = []byte(req.Payout)
	}
	settlement, err := a.engine.ResolvePurchase(r.Context(), id, outcome)
	if err != nil && !errors.Is(err, market.ErrExternalTransferFailed) {
		a.logger.Warn("custody result rejected",
			slog.String("settlement", id),
			slog.String("custody", custody),
			slog.Any("error", err))
		metrics.Custody().ObserveCallback(market.ErrorCode(err))
		writeMarketError(w, err)
		return
	}
	metrics.Custody().ObserveCallback(settlement.Outcome.String())
	writeJSON(w, http.StatusOK, newSettlementView(settlement))
}

// authorizeResult admits a result only from the custody service the item was
// listed on, or from a configured bridge.
func (a *api) authorizeResult(id, signer string) error {
	settlement, ok := a.engine.Settlement(id)
	if !ok {
		return market.ErrUnknownSettlement
	}
	if _, bridge := a.bridges[normalizeID(signer)]; bridge {
		return nil
	}
	if market.AccountID(normalizeID(signer)) != settlement.Custody {
		return fmt.Errorf("%w: %s does not hold %s", market.ErrUnauthorized, signer, settlement.UID)
	}
	return nil
}

func (a *api) approve(w http.ResponseWriter, r *http.Request) {
	custody, body, ok := a.readSigned(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeBadRequest(w, errors.New("invalid request body"))
		return
	}
	listing, err := a.engine.OnApprove(market.ApprovalRequest{
		Custody:    market.AccountID(normalizeID(custody)),
		Owner:      market.AccountID(normalizeID(req.Owner)),
		Signer:     market.AccountID(normalizeID(req.Signer)),
		ItemID:     normalizeID(req.ItemID),
		ApprovalID: req.ApprovalID,
		Msg:        []byte(req.Msg),
	})
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newListingView(listing))
}

func (a *api) getSettlement(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathParam(r, "settlementID")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	settlement, found := a.engine.Settlement(id)
	if !found {
		writeMarketError(w, market.ErrUnknownSettlement)
		return
	}
	if caller != settlement.Buyer && caller != settlement.Seller && caller != a.engine.Params().Admin {
		writeMarketError(w, market.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementView(settlement))
}
