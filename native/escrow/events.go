package escrow

import (
	"math/big"
	"strconv"
	"strings"
)

const (
	EventTypeCreated    = "escrow.created"
	EventTypeApproved   = "escrow.approved"
	EventTypeCompleted  = "escrow.completed"
	EventTypeCancelled  = "escrow.cancelled"
	EventTypeDisputed   = "escrow.disputed"
	EventTypeResolved   = "escrow.resolved"
	EventTypeExpired    = "escrow.expired"
	EventTypeDeposit    = "escrow.account.deposit"
	EventTypeWithdrawal = "escrow.account.withdrawal"
)

// Event is the canonical payload emitted on every lifecycle transition. All
// attribute values are strings so the payload survives any transport.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives engine events. Implementations must not block; the engine
// emits after the owning transition has committed.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) Event { return newEscrowEvent(EventTypeCreated, e, nil) }

// NewApprovedEvent returns the payload emitted when a party signs off.
func NewApprovedEvent(e *Escrow, caller string) Event {
	return newEscrowEvent(EventTypeApproved, e, map[string]string{"approver": caller})
}

// NewCompletedEvent returns the payload emitted when the escrow settles in
// favour of the beneficiary.
func NewCompletedEvent(e *Escrow, fee *big.Int) Event {
	attrs := map[string]string{}
	if fee != nil {
		attrs["fee"] = fee.String()
	}
	return newEscrowEvent(EventTypeCompleted, e, attrs)
}

// NewCancelledEvent returns the payload emitted when the depositor is made
// whole again.
func NewCancelledEvent(e *Escrow) Event { return newEscrowEvent(EventTypeCancelled, e, nil) }

// NewDisputedEvent returns the payload emitted when a dispute freezes the
// record.
func NewDisputedEvent(e *Escrow) Event {
	attrs := map[string]string{}
	if strings.TrimSpace(e.DisputeReason) != "" {
		attrs["reason"] = e.DisputeReason
	}
	return newEscrowEvent(EventTypeDisputed, e, attrs)
}

// NewResolvedEvent returns the payload emitted when an arbitrator settles a
// disputed record.
func NewResolvedEvent(e *Escrow, favorBuyer bool) Event {
	return newEscrowEvent(EventTypeResolved, e, map[string]string{
		"favorBuyer": strconv.FormatBool(favorBuyer),
	})
}

// NewExpiredEvent returns the payload emitted when the sweeper flags an
// overdue record.
func NewExpiredEvent(e *Escrow) Event { return newEscrowEvent(EventTypeExpired, e, nil) }

// NewDepositEvent returns the payload for an external deposit into a
// principal's available balance.
func NewDepositEvent(principal string, amount, available *big.Int) Event {
	return newAccountEvent(EventTypeDeposit, principal, amount, available)
}

// NewWithdrawalEvent returns the payload for an external withdrawal.
func NewWithdrawalEvent(principal string, amount, available *big.Int) Event {
	return newAccountEvent(EventTypeWithdrawal, principal, amount, available)
}

func newEscrowEvent(eventType string, e *Escrow, extra map[string]string) Event {
	attrs := make(map[string]string, 8+len(extra))
	if e != nil {
		attrs["id"] = strconv.FormatUint(e.ID, 10)
		attrs["depositor"] = e.Depositor
		attrs["beneficiary"] = e.Beneficiary
		if e.Arbitrator != "" {
			attrs["arbitrator"] = e.Arbitrator
		}
		if e.Amount != nil {
			attrs["amount"] = e.Amount.String()
		}
		attrs["condition"] = e.Condition.Kind.String()
		attrs["status"] = e.Status.String()
		attrs["createdAt"] = strconv.FormatInt(e.CreatedAt, 10)
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return Event{Type: eventType, Attributes: attrs}
}

func newAccountEvent(eventType, principal string, amount, available *big.Int) Event {
	attrs := map[string]string{"principal": principal}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	if available != nil {
		attrs["available"] = available.String()
	}
	return Event{Type: eventType, Attributes: attrs}
}
