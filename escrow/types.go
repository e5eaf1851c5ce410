package escrow

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Status represents the lifecycle states of an escrow record. Transitions are
// monotonic: a record never moves back to an earlier state.
type Status uint8

const (
	StatusCreated Status = iota
	StatusActive
	StatusCompleted
	StatusCancelled
	StatusDisputed
	StatusExpired
	// StatusResolved is the terminal state of an administratively resolved
	// dispute. It differs from StatusCompleted only in provenance; the asset
	// safety guarantees are identical.
	StatusResolved
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusActive, StatusCompleted, StatusCancelled, StatusDisputed, StatusExpired, StatusResolved:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions other
// than the remaining expiry withdrawals.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusResolved:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusDisputed:
		return "disputed"
	case StatusExpired:
		return "expired"
	case StatusResolved:
		return "resolved"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

const maxTokenSymbolLen = 16

// NormalizeToken canonicalises an asset identifier to its uppercase form and
// rejects empty or malformed symbols. The ledger decides whether a token
// actually exists; the engine only enforces shape.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty token symbol", ErrInvalidAmount)
	}
	if len(trimmed) > maxTokenSymbolLen {
		return "", fmt.Errorf("%w: token symbol too long", ErrInvalidAmount)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: token symbol %q", ErrInvalidAmount, symbol)
		}
	}
	return trimmed, nil
}

// AssetAmount pairs a fungible asset identifier with a positive quantity.
type AssetAmount struct {
	Token  string
	Amount *big.Int
}

// Clone returns a deep copy of the asset amount.
func (a AssetAmount) Clone() AssetAmount {
	out := AssetAmount{Token: a.Token, Amount: big.NewInt(0)}
	if a.Amount != nil {
		out.Amount = new(big.Int).Set(a.Amount)
	}
	return out
}

func cloneAssets(assets []AssetAmount) []AssetAmount {
	if assets == nil {
		return nil
	}
	out := make([]AssetAmount, len(assets))
	for i, a := range assets {
		out[i] = a.Clone()
	}
	return out
}

// PartyState tracks one side's progress through the lifecycle. Each flag flips
// exactly once from false to true.
type PartyState struct {
	Deposited   bool
	DepositedAt int64
	Approved    bool
	ApprovedAt  int64
	Withdrawn   bool
	WithdrawnAt int64
}

// Resolution records the outcome of an administrative dispute resolution. It
// is only present on records in StatusResolved.
type Resolution struct {
	Winner     [20]byte
	FeeApplied bool
	ResolvedAt int64
}

// Escrow is the central custody record binding two parties' asset commitments.
// PartyA owes the input assets, PartyB owes the output assets. Identity,
// parties, asset lists and creation time are immutable after Create.
type Escrow struct {
	ID              uint64
	PartyA          [20]byte
	PartyB          [20]byte
	Inputs          []AssetAmount
	Outputs         []AssetAmount
	Deadline        int64
	DisputeDeadline int64 // zero until a dispute is raised
	CreatedAt       int64
	Status          Status
	A               PartyState
	B               PartyState
	Resolution      *Resolution
	Fingerprint     [32]byte
}

// Clone returns a deep copy so callers can mutate the result without touching
// the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Inputs = cloneAssets(e.Inputs)
	clone.Outputs = cloneAssets(e.Outputs)
	if e.Resolution != nil {
		res := *e.Resolution
		clone.Resolution = &res
	}
	return &clone
}

// IsParty reports whether the address is one of the two counterparties.
func (e *Escrow) IsParty(addr [20]byte) bool {
	if e == nil {
		return false
	}
	return addr == e.PartyA || addr == e.PartyB
}

// SideOf returns the mutable party state for the given address, or nil when
// the address is not a party.
func (e *Escrow) SideOf(addr [20]byte) *PartyState {
	switch {
	case e == nil:
		return nil
	case addr == e.PartyA:
		return &e.A
	case addr == e.PartyB:
		return &e.B
	default:
		return nil
	}
}

// PledgeOf returns the asset list owed by the given party.
func (e *Escrow) PledgeOf(addr [20]byte) []AssetAmount {
	switch {
	case e == nil:
		return nil
	case addr == e.PartyA:
		return e.Inputs
	case addr == e.PartyB:
		return e.Outputs
	default:
		return nil
	}
}

// SanitizeEscrow validates and normalises a record, returning a cloned
// instance with canonical token casing and non-nil amounts. The original value
// is never mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil record")
	}
	clone := e.Clone()
	if clone.PartyA == ([20]byte{}) || clone.PartyB == ([20]byte{}) {
		return nil, ErrInvalidParty
	}
	if clone.PartyA == clone.PartyB {
		return nil, ErrInvalidParty
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", clone.Status)
	}
	for _, list := range [][]AssetAmount{clone.Inputs, clone.Outputs} {
		for i := range list {
			token, err := NormalizeToken(list[i].Token)
			if err != nil {
				return nil, err
			}
			list[i].Token = token
			if list[i].Amount == nil || list[i].Amount.Sign() <= 0 {
				return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidAmount)
			}
		}
	}
	return clone, nil
}

// DefinitionFingerprint hashes the immutable escrow definition. Two records
// with the same parties and asset lists share a fingerprint, which Create uses
// to detect duplicate live definitions.
func DefinitionFingerprint(partyA, partyB [20]byte, inputs, outputs []AssetAmount) [32]byte {
	chunks := make([][]byte, 0, 2+2*(len(inputs)+len(outputs)))
	chunks = append(chunks, partyA[:], partyB[:])
	for _, list := range [][]AssetAmount{inputs, outputs} {
		for _, a := range list {
			chunks = append(chunks, []byte(a.Token))
			if a.Amount != nil {
				chunks = append(chunks, a.Amount.Bytes())
			}
		}
	}
	return ethcrypto.Keccak256Hash(chunks...)
}
