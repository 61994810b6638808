package market

import (
	"errors"
	"fmt"
	"strings"
)

const defaultResolvedCacheSize = 4096

// Params configures the engine's fixed identities and fee policy.
type Params struct {
	// Vault is the account holding every escrowed and in-flight amount.
	Vault AccountID
	// Treasury receives the platform fee of every paid-out sale.
	Treasury AccountID
	// Admin may manage the allow-list, force-remove listings, reclaim
	// failed settlements and credit deposits.
	Admin            AccountID
	FeeBps           uint32
	MaxPayoutEntries uint32
	// EnforceWhitelist rejects listings from custody services that are not on
	// the allow-list.
	EnforceWhitelist bool
	// ResolvedCacheSize bounds how many resolved settlements are remembered
	// for duplicate callback detection.
	ResolvedCacheSize int
	// VerifyInvariants runs a full ledger consistency check before every
	// commit.
	VerifyInvariants bool
}

// DefaultParams returns the default fee policy. Identities must still be
// supplied by the caller.
func DefaultParams() Params {
	return Params{
		Vault:             "market.vault",
		FeeBps:            DefaultFeeBps,
		MaxPayoutEntries:  DefaultMaxPayoutEntries,
		ResolvedCacheSize: defaultResolvedCacheSize,
	}
}

// Validate ensures the parameters describe a usable engine.
func (p Params) Validate() error {
	if strings.TrimSpace(string(p.Vault)) == "" {
		return errors.New("market: vault account required")
	}
	if strings.TrimSpace(string(p.Treasury)) == "" {
		return errors.New("market: treasury account required")
	}
	if strings.TrimSpace(string(p.Admin)) == "" {
		return errors.New("market: admin account required")
	}
	if p.Vault == p.Treasury || p.Vault == p.Admin {
		return errors.New("market: vault must be a dedicated account")
	}
	if uint64(p.FeeBps) > FeeDenominator {
		return fmt.Errorf("market: fee bps %d exceeds %d", p.FeeBps, FeeDenominator)
	}
	if p.MaxPayoutEntries == 0 {
		return errors.New("market: max payout entries must be positive")
	}
	return nil
}
