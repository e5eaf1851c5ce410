package escrow

import (
	"encoding/hex"
	"strconv"
	"strings"

	"escrowd/crypto"
	"escrowd/events"
)

// Event types emitted by the lifecycle engine, one per state transition.
const (
	EventTypeCreated          = "escrow.created"
	EventTypeDeposited        = "escrow.deposited"
	EventTypeActivated        = "escrow.activated"
	EventTypeApproved         = "escrow.approved"
	EventTypeCompleted        = "escrow.completed"
	EventTypeCancelled        = "escrow.cancelled"
	EventTypeDisputed         = "escrow.disputed"
	EventTypeResolved         = "escrow.resolved"
	EventTypeExpired          = "escrow.expired"
	EventTypeWithdrawn        = "escrow.withdrawn"
	EventTypeSettlementFailed = "escrow.settlement_failed"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) events.Event { return newEscrowEvent(EventTypeCreated, e, nil) }

// NewDepositedEvent returns the payload emitted when a party's pledge moves
// into custody.
func NewDepositedEvent(e *Escrow, party [20]byte) events.Event {
	return newEscrowEvent(EventTypeDeposited, e, map[string]string{"party": crypto.EncodeAddress(party)})
}

// NewActivatedEvent returns the payload emitted when both deposits are in and
// the record advances to active.
func NewActivatedEvent(e *Escrow) events.Event { return newEscrowEvent(EventTypeActivated, e, nil) }

// NewApprovedEvent returns the payload emitted when a party approves
// finalisation.
func NewApprovedEvent(e *Escrow, party [20]byte) events.Event {
	return newEscrowEvent(EventTypeApproved, e, map[string]string{"party": crypto.EncodeAddress(party)})
}

// NewCompletedEvent returns the payload emitted on cooperative completion.
func NewCompletedEvent(e *Escrow) events.Event { return newEscrowEvent(EventTypeCompleted, e, nil) }

// NewCancelledEvent returns the payload emitted on pre-activation
// cancellation.
func NewCancelledEvent(e *Escrow, party [20]byte) events.Event {
	return newEscrowEvent(EventTypeCancelled, e, map[string]string{"party": crypto.EncodeAddress(party)})
}

// NewDisputedEvent returns the payload emitted when a dispute is raised.
func NewDisputedEvent(e *Escrow, party [20]byte) events.Event {
	return newEscrowEvent(EventTypeDisputed, e, map[string]string{
		"party":           crypto.EncodeAddress(party),
		"disputeDeadline": strconv.FormatInt(e.DisputeDeadline, 10),
	})
}

// NewResolvedEvent returns the payload emitted when an administrator resolves
// a dispute in a winner's favour.
func NewResolvedEvent(e *Escrow) events.Event {
	extra := map[string]string{}
	if e != nil && e.Resolution != nil {
		extra["winner"] = crypto.EncodeAddress(e.Resolution.Winner)
		extra["feeApplied"] = strconv.FormatBool(e.Resolution.FeeApplied)
	}
	return newEscrowEvent(EventTypeResolved, e, extra)
}

// NewExpiredEvent returns the payload emitted when a record first enters the
// expiry path.
func NewExpiredEvent(e *Escrow) events.Event { return newEscrowEvent(EventTypeExpired, e, nil) }

// NewWithdrawnEvent returns the payload emitted when a party reclaims their
// own deposit after expiry.
func NewWithdrawnEvent(e *Escrow, party [20]byte) events.Event {
	return newEscrowEvent(EventTypeWithdrawn, e, map[string]string{"party": crypto.EncodeAddress(party)})
}

// NewSettlementFailedEvent returns the payload emitted when a release
// transfer fails after all state checks passed. This is the high-severity
// condition requiring administrative remediation.
func NewSettlementFailedEvent(e *Escrow, op string, reason error) events.Event {
	extra := map[string]string{"op": op}
	if reason != nil {
		extra["reason"] = reason.Error()
	}
	return newEscrowEvent(EventTypeSettlementFailed, e, extra)
}

func newEscrowEvent(eventType string, e *Escrow, extra map[string]string) events.Event {
	attrs := make(map[string]string)
	if e != nil {
		attrs["id"] = strconv.FormatUint(e.ID, 10)
		attrs["partyA"] = crypto.EncodeAddress(e.PartyA)
		attrs["partyB"] = crypto.EncodeAddress(e.PartyB)
		attrs["status"] = e.Status.String()
		attrs["inputs"] = formatAssets(e.Inputs)
		attrs["outputs"] = formatAssets(e.Outputs)
		attrs["deadline"] = strconv.FormatInt(e.Deadline, 10)
		attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
		attrs["fingerprint"] = hex.EncodeToString(e.Fingerprint[:])
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return events.Event{Type: eventType, Attributes: attrs}
}

func formatAssets(assets []AssetAmount) string {
	parts := make([]string, 0, len(assets))
	for _, a := range assets {
		amount := "0"
		if a.Amount != nil {
			amount = a.Amount.String()
		}
		parts = append(parts, a.Token+":"+amount)
	}
	return strings.Join(parts, ",")
}
