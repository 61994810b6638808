package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nftmarket/native/market"
)

// requireAdmin guards read-only admin routes; mutating ones are checked by
// the engine.
func (a *api) requireAdmin(w http.ResponseWriter, r *http.Request) (market.AccountID, bool) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return "", false
	}
	if caller != a.engine.Params().Admin {
		writeMarketError(w, market.ErrUnauthorized)
		return "", false
	}
	return caller, true
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	view := newStatsView(a.engine.Stats(), a.engine.Halted())
	writeJSON(w, http.StatusOK, view)
}

func (a *api) ledgerRoot(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	if a.ledger == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("ledger root unavailable"))
		return
	}
	root, err := a.ledger.Root()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"root": root.Hex()})
}

func (a *api) listSettlements(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	var settlements []*market.Settlement
	switch state := strings.TrimSpace(r.URL.Query().Get("state")); state {
	case "", "pending":
		settlements = a.engine.PendingSettlements()
	case "failed":
		settlements = a.engine.FailedSettlements()
	default:
		writeBadRequest(w, fmt.Errorf("unknown settlement state %q", state))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settlements": newSettlementViews(settlements)})
}

func (a *api) reclaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathParam(r, "settlementID")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	settlement, err := a.engine.ReclaimFailed(caller, id)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettlementView(settlement))
}

func (a *api) forceRemove(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	uid, err := pathParam(r, "uid")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	refunded, err := a.engine.ForceRemove(caller, market.UID(uid))
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"refunded": newOfferViews(refunded)})
}

func (a *api) whitelist(w http.ResponseWriter, r *http.Request) {
	accounts := a.engine.Whitelist()
	out := make([]string, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, string(account))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": out})
}

func (a *api) addToWhitelist(w http.ResponseWriter, r *http.Request) {
	a.updateWhitelist(w, r, true)
}

func (a *api) removeFromWhitelist(w http.ResponseWriter, r *http.Request) {
	a.updateWhitelist(w, r, false)
}

func (a *api) updateWhitelist(w http.ResponseWriter, r *http.Request, add bool) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	account, err := pathParam(r, "account")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var changed bool
	if add {
		changed, err = a.engine.AddToWhitelist(caller, market.AccountID(account))
	} else {
		changed, err = a.engine.RemoveFromWhitelist(caller, market.AccountID(account))
	}
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "changed": changed})
}
