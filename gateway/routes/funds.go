package routes

import (
	"net/http"

	"nftmarket/native/market"
)

func (a *api) balance(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	account, err := pathParam(r, "account")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if market.AccountID(account) != caller && caller != a.engine.Params().Admin {
		writeMarketError(w, market.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account,
		"balance": amount(a.engine.Balance(market.AccountID(account))),
	})
}

func (a *api) deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	account, err := pathParam(r, "account")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	value, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	balance, err := a.engine.Deposit(caller, market.AccountID(account), value)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account, "balance": amount(balance)})
}

func (a *api) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	value, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	balance, err := a.engine.Withdraw(caller, value)
	if err != nil {
		writeMarketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": string(caller), "balance": amount(balance)})
}
