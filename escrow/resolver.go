package escrow

import (
	"context"
	"fmt"
	"time"
)

// RaiseDispute freezes an active escrow pending administrative resolution.
// Only a party that has deposited may raise it, and only before the deadline.
// While disputed, deposit and approve are illegal.
func (e *Engine) RaiseDispute(id uint64, caller [20]byte) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if !esc.IsParty(caller) || !esc.SideOf(caller).Deposited {
		return nil, ErrUnauthorized
	}
	if esc.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot dispute in status %s", ErrWrongState, esc.Status)
	}
	now := e.now()
	if now >= esc.Deadline {
		return nil, ErrExpired
	}
	esc.Status = StatusDisputed
	esc.DisputeDeadline = now + int64(e.params.DisputeWindow()/time.Second)
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(esc, caller))
	return esc.Clone(), nil
}

// ResolveDispute routes the entire custodied pool, both input and output
// assets, to the winning party. Whether the standard fee is applied is a
// configuration choice (Params.FeeOnResolve); the routing itself is fixed.
// Only the administrative identity may resolve, and only while the dispute
// window is open; a lapsed window reverts the record to the expiry path.
func (e *Engine) ResolveDispute(ctx context.Context, id uint64, caller, winner [20]byte) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller != e.params.Admin() {
		return nil, ErrUnauthorized
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: cannot resolve in status %s", ErrWrongState, esc.Status)
	}
	now := e.now()
	if now >= esc.DisputeDeadline {
		return nil, fmt.Errorf("%w: dispute window lapsed, expiry path applies", ErrExpired)
	}
	if !esc.IsParty(winner) {
		return nil, fmt.Errorf("%w: winner must be a party", ErrInvalidParty)
	}
	var feeBps uint32
	feeApplied := e.params.FeeOnResolve()
	if feeApplied {
		feeBps = e.params.FeeBps()
	}
	if err := e.release(ctx, esc.Inputs, winner, feeBps); err != nil {
		return nil, e.settlementFailure(esc, "resolve", err)
	}
	if err := e.release(ctx, esc.Outputs, winner, feeBps); err != nil {
		return nil, e.settlementFailure(esc, "resolve", err)
	}
	esc.Status = StatusResolved
	esc.Resolution = &Resolution{Winner: winner, FeeApplied: feeApplied, ResolvedAt: now}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewResolvedEvent(esc))
	return esc.Clone(), nil
}

// Withdraw returns the caller's own deposit, in full and fee-free, once the
// escrow is eligible for the expiry path: past the deadline with approvals
// incomplete, past the dispute window of an unresolved dispute, or already
// expired with this side's withdrawal outstanding. Each party withdraws at
// most once and only what they themselves deposited. Withdrawal stays
// available while the module is paused.
func (e *Engine) Withdraw(ctx context.Context, id uint64, caller [20]byte) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if !esc.IsParty(caller) {
		return nil, ErrUnauthorized
	}
	now := e.now()
	switch esc.Status {
	case StatusCreated, StatusActive:
		if now < esc.Deadline {
			return nil, ErrNotExpiredYet
		}
	case StatusDisputed:
		if now < esc.DisputeDeadline {
			return nil, ErrNotExpiredYet
		}
	case StatusExpired:
		// Remaining withdrawals drain an already expired record.
	default:
		return nil, fmt.Errorf("%w: cannot withdraw in status %s", ErrWrongState, esc.Status)
	}
	side := esc.SideOf(caller)
	if !side.Deposited || side.Withdrawn {
		return nil, ErrNothingToWithdraw
	}
	if err := e.refund(ctx, esc, caller); err != nil {
		return nil, e.settlementFailure(esc, "withdraw", err)
	}
	side.Withdrawn = true
	side.WithdrawnAt = now
	expiredNow := esc.Status != StatusExpired
	esc.Status = StatusExpired
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	if expiredNow {
		e.emit(NewExpiredEvent(esc))
	}
	e.emit(NewWithdrawnEvent(esc, caller))
	return esc.Clone(), nil
}
