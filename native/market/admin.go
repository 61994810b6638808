package market

import (
	"fmt"
	"sort"
	"strings"
)

func (e *Engine) requireAdmin(caller AccountID) error {
	if caller != e.params.Admin {
		return ErrUnauthorized
	}
	return nil
}

// ForceRemove takes a stale listing off the market, refunding its offers.
func (e *Engine) ForceRemove(caller AccountID, uid UID) ([]*Offer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var refunded []*Offer
	err := e.apply("force_remove", func() error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		listing, ok := e.ledger.listings[uid]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotListed, uid)
		}
		var err error
		refunded, err = e.removeListing(listing, RemovalForced)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cloneOffers(refunded), nil
}

// AddToWhitelist allows a custody service. It reports whether the account
// was newly added.
func (e *Engine) AddToWhitelist(caller, account AccountID) (bool, error) {
	return e.updateWhitelist("whitelist_add", caller, account, true)
}

// RemoveFromWhitelist revokes a custody service. Existing listings stay.
func (e *Engine) RemoveFromWhitelist(caller, account AccountID) (bool, error) {
	return e.updateWhitelist("whitelist_remove", caller, account, false)
}

func (e *Engine) updateWhitelist(op string, caller, account AccountID, add bool) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	account = AccountID(strings.TrimSpace(string(account)))
	changed := false
	err := e.apply(op, func() error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		if account == "" {
			return fmt.Errorf("%w: empty account", ErrInvalidListing)
		}
		if add {
			changed = e.ledger.whitelistAdd(account)
		} else {
			changed = e.ledger.whitelistRemove(account)
		}
		if changed {
			e.queue(NewWhitelistEvent(account, add))
		}
		return nil
	})
	return changed, err
}

// Whitelist returns the allowed custody services in ascending order.
func (e *Engine) Whitelist() []AccountID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AccountID, 0, len(e.ledger.whitelist))
	for account := range e.ledger.whitelist {
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsWhitelisted reports whether the custody service is on the allow-list.
func (e *Engine) IsWhitelisted(account AccountID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.ledger.whitelist[account]
	return ok
}
