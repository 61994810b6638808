package market

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

const (
	// DefaultFeeBps is the platform fee carved out of every settled sale.
	DefaultFeeBps uint32 = 200
	// FeeDenominator is the basis-point scale.
	FeeDenominator uint64 = 10_000
	// DefaultMaxPayoutEntries bounds the split the custody service may return.
	DefaultMaxPayoutEntries uint32 = 10
)

// Payout maps recipients to the amount each should receive from a sale.
type Payout map[AccountID]*uint256.Int

// Recipients returns the payout keys in ascending order.
func (p Payout) Recipients() []AccountID {
	out := make([]AccountID, 0, len(p))
	for id := range p {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sum returns the total of every entry. The second result is false when the
// sum overflows 256 bits.
func (p Payout) Sum() (*uint256.Int, bool) {
	total := new(uint256.Int)
	for _, amount := range p {
		if amount == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, amount); overflow {
			return nil, false
		}
	}
	return total, true
}

// ValidatePayout accepts the split when it sums to price or to price minus a
// single unit. Splits that exceed price, under-pay by two or more units, or
// carry nil amounts are rejected.
func ValidatePayout(price *uint256.Int, payout Payout) (Payout, bool) {
	if price == nil || payout == nil {
		return nil, false
	}
	remainder := price.Clone()
	for _, amount := range payout {
		if amount == nil {
			return nil, false
		}
		if remainder.Lt(amount) {
			return nil, false
		}
		remainder.Sub(remainder, amount)
	}
	if remainder.IsUint64() && remainder.Uint64() <= 1 {
		return payout, true
	}
	return nil, false
}

// PlatformFee returns floor(price * bps / 10000).
func PlatformFee(price *uint256.Int, bps uint32) *uint256.Int {
	if isZero(price) || bps == 0 {
		return new(uint256.Int)
	}
	fee, overflow := new(uint256.Int).MulDivOverflow(price, uint256.NewInt(uint64(bps)), uint256.NewInt(FeeDenominator))
	if overflow {
		// bps <= 10000 keeps the quotient below price.
		return price.Clone()
	}
	return fee
}

type payoutEnvelope struct {
	Payout map[string]json.RawMessage `json:"payout"`
}

// DecodePayout interprets the custody service's result payload. The split may
// be wrapped as {"payout": {...}} or sent as a flat {"account": "amount"} map.
// Anything else, including an empty payload, is reported as absent.
func DecodePayout(raw []byte) (Payout, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}
	var envelope payoutEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Payout != nil {
		if payout, err := parsePayoutEntries(envelope.Payout); err == nil {
			return payout, true
		}
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &flat); err != nil {
		return nil, false
	}
	payout, err := parsePayoutEntries(flat)
	if err != nil {
		return nil, false
	}
	return payout, true
}

func parsePayoutEntries(entries map[string]json.RawMessage) (Payout, error) {
	if len(entries) == 0 {
		return nil, errors.New("empty payout")
	}
	out := make(Payout, len(entries))
	for account, raw := range entries {
		trimmed := strings.TrimSpace(account)
		if trimmed == "" {
			return nil, errors.New("empty payout recipient")
		}
		amount, err := ParseAmountJSON(raw)
		if err != nil {
			return nil, err
		}
		out[AccountID(trimmed)] = amount
	}
	return out, nil
}

// ParseAmountJSON decodes an amount encoded either as a decimal string
// ("1000") or as a bare JSON integer.
func ParseAmountJSON(raw json.RawMessage) (*uint256.Int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty amount")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return ParseAmount(s)
	}
	return ParseAmount(string(trimmed))
}

// ParseAmount parses a base-10 unsigned amount.
func ParseAmount(s string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, errors.New("empty amount")
	}
	if strings.HasPrefix(trimmed, "+") || strings.HasPrefix(trimmed, "-") {
		return nil, errors.New("signed amount")
	}
	return uint256.FromDecimal(trimmed)
}
