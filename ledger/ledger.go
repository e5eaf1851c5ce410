package ledger

import (
	"context"
	"errors"
	"math/big"
)

// Well-known transfer failure reasons surfaced by ledger implementations.
var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

// Ledger moves fungible balances between accounts. Every call is all-or-nothing:
// a transfer either completes in full or leaves both accounts untouched. The
// escrow engine issues one call per asset per logical step and treats any
// failure as aborting that step.
type Ledger interface {
	Transfer(ctx context.Context, token string, from, to [20]byte, amount *big.Int) error
}
