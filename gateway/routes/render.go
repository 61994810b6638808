package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	"nftmarket/gateway/middleware"
	"nftmarket/native/market"
)

const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		writeInternalError(w, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusInternalServerError, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeCodedError(w, status, "", err)
}

func writeCodedError(w http.ResponseWriter, status int, code string, err error) {
	message := ""
	if err != nil {
		message = strings.TrimSpace(err.Error())
	}
	if message == "" {
		message = http.StatusText(status)
	}
	body := map[string]string{"error": message}
	if code != "" {
		body["code"] = code
	}
	payload, marshalErr := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if marshalErr != nil {
		_, _ = w.Write([]byte(`{"error":"` + http.StatusText(status) + `"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeMarketError maps engine errors onto HTTP statuses.
func writeMarketError(w http.ResponseWriter, err error) {
	writeCodedError(w, marketStatus(err), market.ErrorCode(err), err)
}

func marketStatus(err error) int {
	switch {
	case errors.Is(err, market.ErrNotListed),
		errors.Is(err, market.ErrNoSuchOffer),
		errors.Is(err, market.ErrUnknownSettlement):
		return http.StatusNotFound
	case errors.Is(err, market.ErrAlreadyListed),
		errors.Is(err, market.ErrSettlementResolved),
		errors.Is(err, market.ErrSettlementPending),
		errors.Is(err, market.ErrOfferMismatch):
		return http.StatusConflict
	case errors.Is(err, market.ErrNotOwner),
		errors.Is(err, market.ErrNotOfferOwner),
		errors.Is(err, market.ErrUnauthorized),
		errors.Is(err, market.ErrNotWhitelisted):
		return http.StatusForbidden
	case errors.Is(err, market.ErrSelfOffer),
		errors.Is(err, market.ErrSelfPurchase),
		errors.Is(err, market.ErrPriceMismatch),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidListing),
		errors.Is(err, market.ErrInvalidMarketArgs):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, market.ErrExternalTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, market.ErrCustodyUnavailable),
		errors.Is(err, market.ErrHalted),
		errors.Is(err, market.ErrInvariantViolation):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// normalizeID trims an identifier and folds it to NFC so equivalent Unicode
// spellings address the same record.
func normalizeID(raw string) string {
	return norm.NFC.String(strings.TrimSpace(raw))
}

func pathParam(r *http.Request, name string) (string, error) {
	raw := chi.URLParam(r, name)
	value, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s", name)
	}
	value = normalizeID(value)
	if value == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return value, nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	amount, err := market.ParseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return amount, nil
}

// requireCaller returns the authenticated account or writes 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (market.AccountID, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return "", false
	}
	return market.AccountID(normalizeID(caller)), true
}
