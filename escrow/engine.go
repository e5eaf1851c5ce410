package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"escrowd/events"
	"escrowd/ledger"
)

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilLedger = errors.New("escrow engine: ledger not configured")
)

// State is the narrow persistence interface the engine requires. The store
// exclusively owns the records; the engine holds no persistent state of its
// own beyond Params.
type State interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool)
	NextEscrowID() (uint64, error)
	EscrowIndex(participant [20]byte, id uint64) error
	EscrowByParticipant(participant [20]byte) ([]uint64, error)
}

// Engine validates lifecycle commands, enforces the state machine, computes
// fees and issues transfer instructions to the asset ledger. All commands
// against one record serialize on a per-record lock held across ledger calls.
type Engine struct {
	state   State
	ledger  ledger.Ledger
	emitter events.Emitter
	params  *Params
	custody [20]byte
	nowFn   func() int64
	locks   *lockTable
	logger  *slog.Logger
}

// NewEngine creates a lifecycle engine with a no-op emitter. State, ledger and
// custody account must be configured before use.
func NewEngine(params *Params) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		params:  params,
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   newLockTable(),
		logger:  slog.Default(),
	}
}

// SetState configures the record store backend.
func (e *Engine) SetState(state State) { e.state = state }

// SetLedger configures the asset ledger collaborator.
func (e *Engine) SetLedger(l ledger.Ledger) { e.ledger = l }

// SetCustody configures the account that holds deposited assets.
func (e *Engine) SetCustody(addr [20]byte) { e.custody = addr }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetLogger overrides the structured logger. Passing nil resets to the
// process default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		e.logger = slog.Default()
		return
	}
	e.logger = logger
}

// Params exposes the mutable process-wide configuration for administrative
// collaborators.
func (e *Engine) Params() *Params { return e.params }

func (e *Engine) now() int64 { return e.nowFn() }

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) ready() error {
	switch {
	case e == nil || e.state == nil:
		return errNilState
	case e.ledger == nil:
		return errNilLedger
	case e.custody == ([20]byte{}):
		return errors.New("escrow engine: custody account not configured")
	default:
		return nil
	}
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return SanitizeEscrow(esc)
}

// Get returns a copy of the record, or ErrNotFound.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadEscrow(id)
}

// ListByParticipant returns the identifiers of every escrow the address
// participates in, in creation order.
func (e *Engine) ListByParticipant(participant [20]byte) ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.EscrowByParticipant(participant)
}

func validateAssetList(list []AssetAmount, limit int) ([]AssetAmount, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: asset list must not be empty", ErrInvalidAmount)
	}
	if len(list) > limit {
		return nil, fmt.Errorf("%w: %d assets, cap %d", ErrTooManyAssets, len(list), limit)
	}
	out := make([]AssetAmount, len(list))
	for i, a := range list {
		token, err := NormalizeToken(a.Token)
		if err != nil {
			return nil, err
		}
		if a.Amount == nil || a.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidAmount)
		}
		out[i] = AssetAmount{Token: token, Amount: new(big.Int).Set(a.Amount)}
	}
	return out, nil
}

// Create records a new escrow definition. No transfers occur here: creation
// only records intent. When a live escrow with an identical definition already
// exists between the same parties, that record is returned instead of a
// duplicate.
func (e *Engine) Create(caller, counterparty [20]byte, inputs, outputs []AssetAmount, duration time.Duration) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.params.Paused() {
		return nil, ErrPaused
	}
	if caller == ([20]byte{}) || counterparty == ([20]byte{}) {
		return nil, fmt.Errorf("%w: parties must be non-zero", ErrInvalidParty)
	}
	if caller == counterparty {
		return nil, fmt.Errorf("%w: counterparty must differ from caller", ErrInvalidParty)
	}
	if duration < e.params.MinDuration() || duration > e.params.MaxDuration() {
		return nil, fmt.Errorf("%w: %s outside [%s, %s]", ErrInvalidDuration, duration, e.params.MinDuration(), e.params.MaxDuration())
	}
	limit := e.params.MaxAssets()
	normalizedInputs, err := validateAssetList(inputs, limit)
	if err != nil {
		return nil, err
	}
	normalizedOutputs, err := validateAssetList(outputs, limit)
	if err != nil {
		return nil, err
	}
	fingerprint := DefinitionFingerprint(caller, counterparty, normalizedInputs, normalizedOutputs)
	if existing, err := e.findLiveDefinition(caller, fingerprint); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	now := e.now()
	id, err := e.state.NextEscrowID()
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:          id,
		PartyA:      caller,
		PartyB:      counterparty,
		Inputs:      normalizedInputs,
		Outputs:     normalizedOutputs,
		Deadline:    now + int64(duration/time.Second),
		CreatedAt:   now,
		Status:      StatusCreated,
		Fingerprint: fingerprint,
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndex(esc.PartyA, id); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndex(esc.PartyB, id); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

func (e *Engine) findLiveDefinition(participant [20]byte, fingerprint [32]byte) (*Escrow, error) {
	ids, err := e.state.EscrowByParticipant(participant)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		esc, ok := e.state.EscrowGet(id)
		if !ok {
			continue
		}
		if esc.Fingerprint == fingerprint && !esc.Status.Terminal() {
			return esc.Clone(), nil
		}
	}
	return nil, nil
}

// Deposit moves the caller's pledged assets into custody, one ledger call per
// asset. The whole attempt is atomic: a failure part-way triggers a
// compensating rollback of the assets already moved, and the record is left
// exactly as before.
func (e *Engine) Deposit(ctx context.Context, id uint64, caller [20]byte) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.params.Paused() {
		return nil, ErrPaused
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
	if esc.Status != StatusCreated && esc.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot deposit in status %s", ErrWrongState, esc.Status)
	}
	now := e.now()
	if now >= esc.Deadline {
		return nil, ErrExpired
	}
	side := esc.SideOf(caller)
	if side.Deposited {
		return nil, ErrAlreadyDeposited
	}
	if err := e.collect(ctx, caller, esc.PledgeOf(caller)); err != nil {
		return nil, err
	}
	side.Deposited = true
	side.DepositedAt = now
	activated := esc.A.Deposited && esc.B.Deposited
	if activated {
		esc.Status = StatusActive
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewDepositedEvent(esc, caller))
	if activated {
		e.emit(NewActivatedEvent(esc))
	}
	return esc.Clone(), nil
}

// collect pulls every asset of one side into custody, rolling back on the
// first failure so no partial set is ever left custodied.
func (e *Engine) collect(ctx context.Context, from [20]byte, assets []AssetAmount) error {
	moved := make([]AssetAmount, 0, len(assets))
	for _, asset := range assets {
		if err := e.ledger.Transfer(ctx, asset.Token, from, e.custody, asset.Amount); err != nil {
			// The compensating transfers must run even when the failure was
			// the caller's context dying mid-deposit.
			e.rollback(context.WithoutCancel(ctx), from, moved)
			return &TransferFailedError{Op: "deposit", Token: asset.Token, Err: err}
		}
		moved = append(moved, asset)
	}
	return nil
}

func (e *Engine) rollback(ctx context.Context, to [20]byte, moved []AssetAmount) {
	for _, asset := range moved {
		if err := e.ledger.Transfer(ctx, asset.Token, e.custody, to, asset.Amount); err != nil {
			// A rollback failure strands custody without a deposit flag;
			// this needs operator attention, not silent loss.
			e.logger.Error("deposit rollback failed",
				"token", asset.Token,
				"amount", asset.Amount.String(),
				"err", err,
			)
		}
	}
}

// Approve records the caller's approval. When both approvals are in it
// triggers completion: every input asset is released to party B and every
// output asset to party A, net of fees. State checks run first and transfers
// last; a transfer failure during release leaves the record active with both
// approvals recorded and is reported as a high-severity condition requiring
// administrative remediation.
func (e *Engine) Approve(ctx context.Context, id uint64, caller [20]byte) (*Escrow, error) {
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
	if esc.Status != StatusActive {
		return nil, fmt.Errorf("%w: cannot approve in status %s", ErrWrongState, esc.Status)
	}
	now := e.now()
	if now >= esc.Deadline {
		return nil, ErrExpired
	}
	side := esc.SideOf(caller)
	if side.Approved {
		return nil, ErrAlreadyApproved
	}
	side.Approved = true
	side.ApprovedAt = now
	// Approvals are durable even when the release below fails.
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewApprovedEvent(esc, caller))
	if !(esc.A.Approved && esc.B.Approved) {
		return esc.Clone(), nil
	}

	feeBps := e.params.FeeBps()
	if err := e.release(ctx, esc.Inputs, esc.PartyB, feeBps); err != nil {
		return nil, e.settlementFailure(esc, "complete", err)
	}
	if err := e.release(ctx, esc.Outputs, esc.PartyA, feeBps); err != nil {
		return nil, e.settlementFailure(esc, "complete", err)
	}
	esc.Status = StatusCompleted
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewCompletedEvent(esc))
	return esc.Clone(), nil
}

// release pays out one custodied pool: net amounts to the recipient, fee
// shares to the fee recipient.
func (e *Engine) release(ctx context.Context, assets []AssetAmount, to [20]byte, feeBps uint32) error {
	feeRecipient := e.params.FeeRecipient()
	for _, asset := range assets {
		net, fee := Split(asset.Amount, feeBps)
		if net.Sign() > 0 {
			if err := e.ledger.Transfer(ctx, asset.Token, e.custody, to, net); err != nil {
				return &TransferFailedError{Op: "release", Token: asset.Token, Err: err}
			}
		}
		if fee.Sign() > 0 {
			if err := e.ledger.Transfer(ctx, asset.Token, e.custody, feeRecipient, fee); err != nil {
				return &TransferFailedError{Op: "fee", Token: asset.Token, Err: err}
			}
		}
	}
	return nil
}

// refund returns one side's full deposit, no fee.
func (e *Engine) refund(ctx context.Context, esc *Escrow, party [20]byte) error {
	for _, asset := range esc.PledgeOf(party) {
		if err := e.ledger.Transfer(ctx, asset.Token, e.custody, party, asset.Amount); err != nil {
			return &TransferFailedError{Op: "refund", Token: asset.Token, Err: err}
		}
	}
	return nil
}

// settlementFailure logs and emits the partial-release condition. The caller
// returns the error untouched so the command surfaces it synchronously.
func (e *Engine) settlementFailure(esc *Escrow, op string, err error) error {
	e.logger.Error("settlement transfer failed, funds remain custodied",
		"escrow", esc.ID,
		"op", op,
		"status", esc.Status.String(),
		"err", err,
	)
	e.emit(NewSettlementFailedEvent(esc, op, err))
	return err
}

// Cancel unwinds an escrow that never reached activation. Either party may
// cancel; the at-most-one side that already deposited is refunded in full.
// Cancellation remains available while the module is paused.
func (e *Engine) Cancel(ctx context.Context, id uint64, caller [20]byte) (*Escrow, error) {
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
	if esc.Status != StatusCreated {
		return nil, fmt.Errorf("%w: cannot cancel in status %s", ErrWrongState, esc.Status)
	}
	for _, party := range [][20]byte{esc.PartyA, esc.PartyB} {
		if esc.SideOf(party).Deposited {
			if err := e.refund(ctx, esc, party); err != nil {
				return nil, e.settlementFailure(esc, "cancel", err)
			}
		}
	}
	esc.Status = StatusCancelled
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(esc, caller))
	return esc.Clone(), nil
}
