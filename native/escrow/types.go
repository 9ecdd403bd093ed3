package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states supported by the escrow engine.
// Transitions are one-directional; a record never re-enters Active from a
// terminal state.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusDisputed
	StatusCancelled
	StatusCompleted
	StatusExpired
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDisputed, StatusCancelled, StatusCompleted, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusExpired:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDisputed:
		return "disputed"
	case StatusCancelled:
		return "cancelled"
	case StatusCompleted:
		return "completed"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ConditionKind enumerates the release conditions an escrow can carry.
type ConditionKind uint8

const (
	ConditionTimeDelay ConditionKind = iota + 1
	ConditionManualApproval
	ConditionMultiSig
	ConditionExternal
)

func (k ConditionKind) String() string {
	switch k {
	case ConditionTimeDelay:
		return "time_delay"
	case ConditionManualApproval:
		return "manual_approval"
	case ConditionMultiSig:
		return "multisig"
	case ConditionExternal:
		return "external"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseConditionKind resolves the canonical wire name of a condition kind.
func ParseConditionKind(raw string) (ConditionKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "time_delay", "timedelay":
		return ConditionTimeDelay, nil
	case "manual_approval", "manualapproval":
		return ConditionManualApproval, nil
	case "multisig", "multi_sig":
		return ConditionMultiSig, nil
	case "external":
		return ConditionExternal, nil
	default:
		return 0, fmt.Errorf("escrow: unsupported condition kind %q", raw)
	}
}

// Condition determines which transition path completes the escrow without a
// dispute. ReleaseAt applies to TimeDelay, Signers to MultiSig and Reference
// to External conditions; ManualApproval delegates to the record's arbitrator.
type Condition struct {
	Kind      ConditionKind
	ReleaseAt int64
	Signers   []string
	Reference string
}

// Clone returns a deep copy of the condition.
func (c Condition) Clone() Condition {
	clone := c
	if len(c.Signers) > 0 {
		clone.Signers = append([]string(nil), c.Signers...)
	}
	return clone
}

// Escrow captures the immutable metadata and runtime status of a single
// escrow record. Identity, parties, amount and condition never change after
// creation; only Status, Approvals and DisputeReason are mutated by the
// engine.
type Escrow struct {
	ID            uint64
	Depositor     string
	Beneficiary   string
	Arbitrator    string
	Amount        *big.Int
	Condition     Condition
	Status        Status
	Approvals     []string
	CreatedAt     int64
	ExpiresAt     int64
	Deadline      int64
	DisputeReason string
	Description   string
	ServiceID     string
	ProjectTitle  string
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if len(e.Approvals) > 0 {
		clone.Approvals = append([]string(nil), e.Approvals...)
	}
	clone.Condition = e.Condition.Clone()
	return &clone
}

// HasApproved reports whether the principal already signed off on the record.
func (e *Escrow) HasApproved(principal string) bool {
	for _, existing := range e.Approvals {
		if existing == principal {
			return true
		}
	}
	return false
}

// mayApprove reports whether the principal belongs to the set of parties whose
// approval the record can accept: the depositor, the beneficiary, the
// arbitrator for ManualApproval conditions, and every MultiSig signer.
func (e *Escrow) mayApprove(principal string) bool {
	if principal == e.Depositor || principal == e.Beneficiary {
		return true
	}
	if e.Condition.Kind == ConditionManualApproval && principal == e.Arbitrator {
		return true
	}
	for _, signer := range e.Condition.Signers {
		if signer == principal {
			return true
		}
	}
	return false
}

// completionSatisfied evaluates the condition-specific completion rule against
// the current approval set.
func (e *Escrow) completionSatisfied() bool {
	switch e.Condition.Kind {
	case ConditionManualApproval:
		return e.Arbitrator != "" && e.HasApproved(e.Arbitrator)
	case ConditionMultiSig:
		for _, signer := range e.Condition.Signers {
			if !e.HasApproved(signer) {
				return false
			}
		}
		return len(e.Condition.Signers) > 0
	default:
		// TimeDelay and External complete on mutual buyer+seller sign-off.
		return e.HasApproved(e.Depositor) && e.HasApproved(e.Beneficiary)
	}
}
