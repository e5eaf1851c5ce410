package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// InMemory is a mutex-guarded balance table satisfying the Ledger interface.
// The daemon uses it as its custodian backend and tests use it to drive the
// engine deterministically.
type InMemory struct {
	mu       sync.Mutex
	balances map[string]map[[20]byte]*big.Int
}

// NewInMemory returns an empty in-memory ledger.
func NewInMemory() *InMemory {
	return &InMemory{balances: make(map[string]map[[20]byte]*big.Int)}
}

// Mint credits an account out of thin air. Used to seed genesis balances from
// configuration and to arrange test fixtures.
func (l *InMemory) Mint(token string, account [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return fmt.Errorf("ledger: token symbol required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(normalized, account, amount)
	return nil
}

// BalanceOf reports the current balance for an account. Missing accounts have
// a zero balance.
func (l *InMemory) BalanceOf(token string, account [20]byte) *big.Int {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	l.mu.Lock()
	defer l.mu.Unlock()
	if accounts, ok := l.balances[normalized]; ok {
		if bal, ok := accounts[account]; ok && bal != nil {
			return new(big.Int).Set(bal)
		}
	}
	return big.NewInt(0)
}

// Transfer moves amount of token from one account to the other. The whole
// operation happens under a single lock so a failed check never leaves a
// partial movement behind.
func (l *InMemory) Transfer(ctx context.Context, token string, from, to [20]byte, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return fmt.Errorf("ledger: token symbol required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	accounts, ok := l.balances[normalized]
	if !ok {
		return fmt.Errorf("%w: no balances for token %s", ErrInsufficientBalance, normalized)
	}
	fromBal, ok := accounts[from]
	if !ok || fromBal == nil || fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: token %s", ErrInsufficientBalance, normalized)
	}
	accounts[from] = new(big.Int).Sub(fromBal, amount)
	l.creditLocked(normalized, to, amount)
	return nil
}

func (l *InMemory) creditLocked(token string, account [20]byte, amount *big.Int) {
	accounts, ok := l.balances[token]
	if !ok {
		accounts = make(map[[20]byte]*big.Int)
		l.balances[token] = accounts
	}
	current, ok := accounts[account]
	if !ok || current == nil {
		current = big.NewInt(0)
	}
	accounts[account] = new(big.Int).Add(current, amount)
}
