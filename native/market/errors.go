package market

import "errors"

var (
	ErrAlreadyListed          = errors.New("market: item already listed")
	ErrNotListed              = errors.New("market: item not listed")
	ErrNotOwner               = errors.New("market: caller is not the listing owner")
	ErrNoSuchOffer            = errors.New("market: no such offer")
	ErrNotOfferOwner          = errors.New("market: caller is not the offer owner")
	ErrSelfOffer              = errors.New("market: owner cannot bid on own item")
	ErrSelfPurchase           = errors.New("market: buyer and seller are the same account")
	ErrOfferMismatch          = errors.New("market: offer does not match item records")
	ErrPriceMismatch          = errors.New("market: attached amount does not equal price")
	ErrInvariantViolation     = errors.New("market: index invariant violated")
	ErrExternalTransferFailed = errors.New("market: external transfer failed")

	ErrUnauthorized       = errors.New("market: caller not authorised")
	ErrInvalidAmount      = errors.New("market: amount must be positive")
	ErrInvalidListing     = errors.New("market: listing fields incomplete")
	ErrInvalidMarketArgs  = errors.New("market: invalid market args")
	ErrNotWhitelisted     = errors.New("market: custody service not whitelisted")
	ErrInsufficientFunds  = errors.New("market: insufficient funds")
	ErrUnknownSettlement  = errors.New("market: unknown settlement")
	ErrSettlementResolved = errors.New("market: settlement already resolved")
	ErrSettlementPending  = errors.New("market: settlement still pending")
	ErrCustodyUnavailable = errors.New("market: custody service not configured")
	ErrHalted             = errors.New("market: engine halted after invariant violation")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAlreadyListed, "already_listed"},
	{ErrNotListed, "not_listed"},
	{ErrNotOwner, "not_owner"},
	{ErrNoSuchOffer, "no_such_offer"},
	{ErrNotOfferOwner, "not_offer_owner"},
	{ErrSelfOffer, "self_offer"},
	{ErrSelfPurchase, "self_purchase"},
	{ErrOfferMismatch, "offer_mismatch"},
	{ErrPriceMismatch, "price_mismatch"},
	{ErrInvariantViolation, "invariant_violation"},
	{ErrExternalTransferFailed, "external_transfer_failed"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidListing, "invalid_listing"},
	{ErrInvalidMarketArgs, "invalid_market_args"},
	{ErrNotWhitelisted, "not_whitelisted"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrUnknownSettlement, "unknown_settlement"},
	{ErrSettlementResolved, "settlement_resolved"},
	{ErrSettlementPending, "settlement_pending"},
	{ErrCustodyUnavailable, "custody_unavailable"},
	{ErrHalted, "halted"},
}

// ErrorCode maps an error onto a stable, low-cardinality label. Unknown
// errors report "internal"; nil reports "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal"
}
