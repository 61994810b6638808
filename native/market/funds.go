package market

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Deposit credits funds the host received on behalf of account. Only the
// admin may credit deposits.
func (e *Engine) Deposit(caller, account AccountID, amount *uint256.Int) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var balance *uint256.Int
	err := e.apply("deposit", func() error {
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		if err := e.checkFundsAccount(account, amount); err != nil {
			return err
		}
		current := e.ledger.Balance(account)
		if _, overflow := current.AddOverflow(current, amount); overflow {
			return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
		}
		e.ledger.setBalance(account, current)
		balance = current.Clone()
		e.queue(NewFundsEvent(account, amount, true))
		return nil
	})
	return balance, err
}

// Withdraw debits the caller's free balance.
func (e *Engine) Withdraw(account AccountID, amount *uint256.Int) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var balance *uint256.Int
	err := e.apply("withdraw", func() error {
		if err := e.checkFundsAccount(account, amount); err != nil {
			return err
		}
		current := e.ledger.Balance(account)
		if current.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s", ErrInsufficientFunds, account, current.Dec())
		}
		current.Sub(current, amount)
		e.ledger.setBalance(account, current)
		balance = current.Clone()
		e.queue(NewFundsEvent(account, amount, false))
		return nil
	})
	return balance, err
}

func (e *Engine) checkFundsAccount(account AccountID, amount *uint256.Int) error {
	if account == "" || account == e.params.Vault {
		return ErrUnauthorized
	}
	if isZero(amount) {
		return ErrInvalidAmount
	}
	return nil
}

// Balance returns the free balance of account.
func (e *Engine) Balance(account AccountID) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(account)
}
