package escrow

import (
	"fmt"
	"sync"
	"time"
)

// Default lifecycle bounds applied when a ParamsConfig leaves them unset.
const (
	DefaultMinDuration   = time.Hour
	DefaultMaxDuration   = 30 * 24 * time.Hour
	DefaultDisputeWindow = 72 * time.Hour
	DefaultMaxAssets     = 10
)

// ParamsConfig is the deploy-time snapshot of the engine's process-wide
// configuration.
type ParamsConfig struct {
	FeeBps        uint32
	FeeRecipient  [20]byte
	Admin         [20]byte
	MinDuration   time.Duration
	MaxDuration   time.Duration
	DisputeWindow time.Duration
	MaxAssets     int
	// FeeOnResolve controls whether the standard fee is applied when a
	// dispute is resolved in a winner's favour. The payout routing itself is
	// fixed: the whole custodied pool goes to the winner.
	FeeOnResolve bool
}

// Params holds the mutable process-wide configuration of the lifecycle engine.
// Mutations are gated on the administrative identity; reads are safe from any
// goroutine.
type Params struct {
	mu            sync.RWMutex
	feeBps        uint32
	feeRecipient  [20]byte
	admin         [20]byte
	paused        bool
	minDuration   time.Duration
	maxDuration   time.Duration
	disputeWindow time.Duration
	maxAssets     int
	feeOnResolve  bool
}

// NewParams validates the snapshot and builds the live parameter set.
func NewParams(cfg ParamsConfig) (*Params, error) {
	if cfg.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("escrow: fee rate %d exceeds maximum %d bps", cfg.FeeBps, MaxFeeBps)
	}
	if cfg.FeeBps > 0 && cfg.FeeRecipient == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: fee recipient required for non-zero fee rate")
	}
	if cfg.Admin == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: admin identity required")
	}
	p := &Params{
		feeBps:        cfg.FeeBps,
		feeRecipient:  cfg.FeeRecipient,
		admin:         cfg.Admin,
		minDuration:   cfg.MinDuration,
		maxDuration:   cfg.MaxDuration,
		disputeWindow: cfg.DisputeWindow,
		maxAssets:     cfg.MaxAssets,
		feeOnResolve:  cfg.FeeOnResolve,
	}
	if p.minDuration <= 0 {
		p.minDuration = DefaultMinDuration
	}
	if p.maxDuration <= 0 {
		p.maxDuration = DefaultMaxDuration
	}
	if p.minDuration > p.maxDuration {
		return nil, fmt.Errorf("escrow: minimum duration exceeds maximum")
	}
	if p.disputeWindow <= 0 {
		p.disputeWindow = DefaultDisputeWindow
	}
	if p.maxAssets <= 0 {
		p.maxAssets = DefaultMaxAssets
	}
	return p, nil
}

func (p *Params) isAdmin(caller [20]byte) bool {
	return caller != ([20]byte{}) && caller == p.admin
}

// FeeBps returns the current fee rate in basis points.
func (p *Params) FeeBps() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.feeBps
}

// FeeRecipient returns the account receiving fee shares.
func (p *Params) FeeRecipient() [20]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.feeRecipient
}

// Admin returns the administrative identity.
func (p *Params) Admin() [20]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.admin
}

// Paused reports whether create/deposit are currently disabled.
func (p *Params) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// MinDuration returns the lower bound for escrow durations.
func (p *Params) MinDuration() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minDuration
}

// MaxDuration returns the upper bound for escrow durations.
func (p *Params) MaxDuration() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxDuration
}

// DisputeWindow returns the fixed window granted for dispute resolution.
func (p *Params) DisputeWindow() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.disputeWindow
}

// MaxAssets returns the per-side asset list cap.
func (p *Params) MaxAssets() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxAssets
}

// FeeOnResolve reports whether dispute resolutions apply the standard fee.
func (p *Params) FeeOnResolve() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.feeOnResolve
}

// SetFeeRate updates the fee rate. Only the admin may call it and the rate is
// bounded by MaxFeeBps.
func (p *Params) SetFeeRate(caller [20]byte, bps uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isAdmin(caller) {
		return ErrUnauthorized
	}
	if bps > MaxFeeBps {
		return fmt.Errorf("escrow: fee rate %d exceeds maximum %d bps", bps, MaxFeeBps)
	}
	if bps > 0 && p.feeRecipient == ([20]byte{}) {
		return fmt.Errorf("escrow: fee recipient required for non-zero fee rate")
	}
	p.feeBps = bps
	return nil
}

// SetFeeRecipient updates the fee recipient account. Admin only.
func (p *Params) SetFeeRecipient(caller, recipient [20]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isAdmin(caller) {
		return ErrUnauthorized
	}
	if recipient == ([20]byte{}) {
		return fmt.Errorf("escrow: fee recipient must not be zero")
	}
	p.feeRecipient = recipient
	return nil
}

// Pause disables create and deposit. Operations that recover already
// custodied funds (approve, cancel, withdraw, dispute handling) stay
// available so users are never locked out of their own assets.
func (p *Params) Pause(caller [20]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isAdmin(caller) {
		return ErrUnauthorized
	}
	p.paused = true
	return nil
}

// Unpause re-enables create and deposit. Admin only.
func (p *Params) Unpause(caller [20]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isAdmin(caller) {
		return ErrUnauthorized
	}
	p.paused = false
	return nil
}
