package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRaiseDisputePreconditions(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "TOKX", addrA, 100)
	esc := env.create(t)

	if _, err := env.engine.RaiseDispute(esc.ID, addrA); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-depositor dispute: want ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.Deposit(context.Background(), esc.ID, addrA); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.RaiseDispute(esc.ID, addrA); !errors.Is(err, ErrWrongState) {
		t.Fatalf("dispute before active: want ErrWrongState, got %v", err)
	}
}

func TestRaiseDisputeFreezesEscrow(t *testing.T) {
	env := newTestEnv(t)
	esc := activate(t, env)
	ctx := context.Background()

	updated, err := env.engine.RaiseDispute(esc.ID, addrB)
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if updated.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %s", updated.Status)
	}
	wantDeadline := *env.clock + int64(env.engine.Params().DisputeWindow()/time.Second)
	if updated.DisputeDeadline != wantDeadline {
		t.Fatalf("dispute deadline %d, want %d", updated.DisputeDeadline, wantDeadline)
	}
	if _, err := env.engine.Approve(ctx, esc.ID, addrA); !errors.Is(err, ErrWrongState) {
		t.Fatalf("approve while disputed: want ErrWrongState, got %v", err)
	}
	if _, err := env.engine.RaiseDispute(esc.ID, addrA); !errors.Is(err, ErrWrongState) {
		t.Fatalf("double dispute: want ErrWrongState, got %v", err)
	}
	if !env.emitter.seen(EventTypeDisputed) {
		t.Fatalf("expected disputed event")
	}
}

func TestRaiseDisputeAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	esc := activate(t, env)
	env.advance(3 * time.Hour)
	if _, err := env.engine.RaiseDispute(esc.ID, addrA); !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
}

func TestResolveDisputeRoutesPoolToWinner(t *testing.T) {
	env := newTestEnv(t)
	esc := activate(t, env)
	ctx := context.Background()
	if _, err := env.engine.RaiseDispute(esc.ID, addrB); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}

	if _, err := env.engine.ResolveDispute(ctx, esc.ID, addrB, addrA); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("party resolving: want ErrUnauthorized, got %v", err)
	}
	if _, err := env.engine.ResolveDispute(ctx, esc.ID, addrAdmin, addrFee); !errors.Is(err, ErrInvalidParty) {
		t.Fatalf("outsider winner: want ErrInvalidParty, got %v", err)
	}

	updated, err := env.engine.ResolveDispute(ctx, esc.ID, addrAdmin, addrA)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if updated.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", updated.Status)
	}
	if updated.Resolution == nil || updated.Resolution.Winner != addrA || !updated.Resolution.FeeApplied {
		t.Fatalf("unexpected resolution record: %+v", updated.Resolution)
	}
	// Winner receives both pools net of the standard fee: 100 TOKX at 25 bp
	// pays 1, 50 TOKY floors to 0.
	if got := env.balance("TOKX", addrA); got != 99 {
		t.Fatalf("winner TOKX = %d, want 99", got)
	}
	if got := env.balance("TOKY", addrA); got != 50 {
		t.Fatalf("winner TOKY = %d, want 50", got)
	}
	if got := env.balance("TOKX", addrFee); got != 1 {
		t.Fatalf("fee TOKX = %d, want 1", got)
	}
	if !env.emitter.seen(EventTypeResolved) {
		t.Fatalf("expected resolved event")
	}

	if _, err := env.engine.Deposit(ctx, esc.ID, addrA); !errors.Is(err, ErrWrongState) {
		t.Fatalf("deposit on resolved: want ErrWrongState, got %v", err)
	}
	if _, err := env.engine.Approve(ctx, esc.ID, addrA); !errors.Is(err, ErrWrongState) {
		t.Fatalf("approve on resolved: want ErrWrongState, got %v", err)
	}
}

func TestResolveDisputeFeeWaivedPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Params().feeOnResolve = false
	esc := activate(t, env)
	ctx := context.Background()
	if _, err := env.engine.RaiseDispute(esc.ID, addrA); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	updated, err := env.engine.ResolveDispute(ctx, esc.ID, addrAdmin, addrB)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if updated.Resolution.FeeApplied {
		t.Fatalf("fee must be waived under this policy")
	}
	if got := env.balance("TOKX", addrB); got != 100 {
		t.Fatalf("winner TOKX = %d, want full 100", got)
	}
	if got := env.balance("TOKX", addrFee); got != 0 {
		t.Fatalf("fee TOKX = %d, want 0", got)
	}
}

func TestResolveAfterWindowLapsesRevertsToExpiry(t *testing.T) {
	env := newTestEnv(t)
	esc := activate(t, env)
	ctx := context.Background()
	if _, err := env.engine.RaiseDispute(esc.ID, addrA); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	env.advance(25 * time.Hour)

	if _, err := env.engine.ResolveDispute(ctx, esc.ID, addrAdmin, addrA); !errors.Is(err, ErrExpired) {
		t.Fatalf("lapsed resolve: want ErrExpired, got %v", err)
	}
	updated, err := env.engine.Withdraw(ctx, esc.ID, addrA)
	if err != nil {
		t.Fatalf("withdraw after lapsed dispute: %v", err)
	}
	if updated.Status != StatusExpired {
		t.Fatalf("expected expired, got %s", updated.Status)
	}
	if got := env.balance("TOKX", addrA); got != 100 {
		t.Fatalf("A must recover own deposit in full, has %d", got)
	}
	if _, err := env.engine.Withdraw(ctx, esc.ID, addrB); err != nil {
		t.Fatalf("withdraw B: %v", err)
	}
	if got := env.balance("TOKY", addrB); got != 50 {
		t.Fatalf("B must recover own deposit in full, has %d", got)
	}
}

func TestWithdrawBeforeDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "TOKX", addrA, 100)
	esc := env.create(t)
	if _, err := env.engine.Deposit(context.Background(), esc.ID, addrA); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := env.engine.Withdraw(context.Background(), esc.ID, addrA); !errors.Is(err, ErrNotExpiredYet) {
		t.Fatalf("want ErrNotExpiredYet, got %v", err)
	}
}

func TestWithdrawOneSidedDepositAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "TOKX", addrA, 100)
	esc := env.create(t)
	ctx := context.Background()
	if _, err := env.engine.Deposit(ctx, esc.ID, addrA); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	env.advance(3 * time.Hour)

	updated, err := env.engine.Withdraw(ctx, esc.ID, addrA)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if updated.Status != StatusExpired || !updated.A.Withdrawn {
		t.Fatalf("unexpected record after withdrawal: %+v", updated)
	}
	if got := env.balance("TOKX", addrA); got != 100 {
		t.Fatalf("A recovered %d, want 100", got)
	}
	if !env.emitter.seen(EventTypeExpired) || !env.emitter.seen(EventTypeWithdrawn) {
		t.Fatalf("expected expired and withdrawn events")
	}

	// B never deposited and has nothing to withdraw.
	if _, err := env.engine.Withdraw(ctx, esc.ID, addrB); !errors.Is(err, ErrNothingToWithdraw) {
		t.Fatalf("want ErrNothingToWithdraw, got %v", err)
	}
	// A cannot withdraw twice.
	if _, err := env.engine.Withdraw(ctx, esc.ID, addrA); !errors.Is(err, ErrNothingToWithdraw) {
		t.Fatalf("double withdrawal: want ErrNothingToWithdraw, got %v", err)
	}
}

func TestWithdrawReturnsExactlyOwnDeposit(t *testing.T) {
	env := newTestEnv(t)
	esc := activate(t, env)
	ctx := context.Background()
	env.advance(3 * time.Hour)

	if _, err := env.engine.Withdraw(ctx, esc.ID, addrB); err != nil {
		t.Fatalf("withdraw B: %v", err)
	}
	if got := env.balance("TOKY", addrB); got != 50 {
		t.Fatalf("B TOKY = %d, want 50", got)
	}
	if got := env.balance("TOKX", addrB); got != 0 {
		t.Fatalf("B must never receive A's assets, TOKX %d", got)
	}
	if _, err := env.engine.Withdraw(ctx, esc.ID, addrA); err != nil {
		t.Fatalf("withdraw A: %v", err)
	}
	if got := env.balance("TOKX", addrA); got != 100 {
		t.Fatalf("A TOKX = %d, want 100", got)
	}
	if got := env.balance("TOKX", addrCustody) + env.balance("TOKY", addrCustody); got != 0 {
		t.Fatalf("custody must be drained, holds %d", got)
	}
}

func TestWithdrawAvailableWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "TOKX", addrA, 100)
	esc := env.create(t)
	ctx := context.Background()
	if _, err := env.engine.Deposit(ctx, esc.ID, addrA); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	env.advance(3 * time.Hour)
	if err := env.engine.Params().Pause(addrAdmin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := env.engine.Withdraw(ctx, esc.ID, addrA); err != nil {
		t.Fatalf("withdraw while paused must succeed: %v", err)
	}
}
