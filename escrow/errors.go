package escrow

import (
	"errors"
	"fmt"
)

// Typed error kinds surfaced by the lifecycle engine. Every validation and
// state error leaves the record unchanged.
var (
	ErrNotFound          = errors.New("escrow: not found")
	ErrInvalidParty      = errors.New("escrow: invalid party")
	ErrInvalidAmount     = errors.New("escrow: invalid asset amount")
	ErrInvalidDuration   = errors.New("escrow: duration out of bounds")
	ErrTooManyAssets     = errors.New("escrow: asset list exceeds cap")
	ErrWrongState        = errors.New("escrow: operation illegal in current status")
	ErrExpired           = errors.New("escrow: deadline passed")
	ErrNotExpiredYet     = errors.New("escrow: deadline not reached")
	ErrAlreadyDeposited  = errors.New("escrow: party already deposited")
	ErrAlreadyApproved   = errors.New("escrow: party already approved")
	ErrNothingToWithdraw = errors.New("escrow: nothing to withdraw")
	ErrUnauthorized      = errors.New("escrow: caller not authorized")
	ErrPaused            = errors.New("escrow: module paused")
	ErrTransferFailed    = errors.New("escrow: asset transfer failed")
)

// TransferFailedError carries the failing operation, asset and the underlying
// ledger reason. It matches ErrTransferFailed via errors.Is and exposes the
// ledger error through Unwrap.
type TransferFailedError struct {
	Op    string
	Token string
	Err   error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("escrow: %s transfer of %s failed: %v", e.Op, e.Token, e.Err)
}

func (e *TransferFailedError) Unwrap() error { return e.Err }

func (e *TransferFailedError) Is(target error) bool { return target == ErrTransferFailed }
