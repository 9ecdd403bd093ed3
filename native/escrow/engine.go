package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"escrowd/native/fees"
	"escrowd/native/ledger"
)

var errNilLedger = errors.New("escrow engine: ledger not configured")

// Engine wires the escrow state machine to the account ledger and fee
// accountant. Each mutating operation runs inside the store's per-record
// exclusive section and commits the status transition only after every ledger
// movement has succeeded, so a failed payout never leaves a terminal status
// behind.
type Engine struct {
	store           *Store
	ledger          *ledger.Ledger
	fees            *fees.Accountant
	emitter         Emitter
	platformAccount string
	nowFn           func() int64
}

// NewEngine constructs an engine with a no-op emitter. The platform account
// receives collected fees; it is an ordinary ledger principal.
func NewEngine(store *Store, led *ledger.Ledger, accountant *fees.Accountant, platformAccount string) *Engine {
	return &Engine{
		store:           store,
		ledger:          led,
		fees:            accountant,
		emitter:         NoopEmitter{},
		platformAccount: strings.TrimSpace(platformAccount),
		nowFn:           func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Store exposes the record store for read paths.
func (e *Engine) Store() *Store { return e.store }

// Ledger exposes the account ledger for read paths.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Fees exposes the fee accountant for read paths.
func (e *Engine) Fees() *fees.Accountant { return e.fees }

func (e *Engine) emit(evt Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// CreateInput carries the caller-supplied definition of a new escrow.
type CreateInput struct {
	Depositor    string
	Beneficiary  string
	Arbitrator   string
	Amount       *big.Int
	Condition    Condition
	Deadline     int64
	ExpiresAt    int64
	Description  string
	ServiceID    string
	ProjectTitle string
}

func (e *Engine) validateCreate(input *CreateInput, now int64) error {
	input.Depositor = strings.TrimSpace(input.Depositor)
	input.Beneficiary = strings.TrimSpace(input.Beneficiary)
	input.Arbitrator = strings.TrimSpace(input.Arbitrator)
	if input.Depositor == "" || input.Beneficiary == "" {
		return fmt.Errorf("%w: depositor and beneficiary required", ErrInvalidData)
	}
	if input.Beneficiary == input.Depositor {
		return fmt.Errorf("%w: beneficiary must differ from depositor", ErrInvalidData)
	}
	if input.Amount == nil || input.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidData)
	}
	if input.Deadline != 0 && input.Deadline <= now {
		return fmt.Errorf("%w: deadline must be in the future", ErrInvalidData)
	}
	if input.ExpiresAt != 0 && input.ExpiresAt <= now {
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidData)
	}
	switch input.Condition.Kind {
	case ConditionTimeDelay, ConditionExternal:
	case ConditionManualApproval:
		if input.Arbitrator == "" {
			return fmt.Errorf("%w: manual approval requires an arbitrator", ErrInvalidData)
		}
	case ConditionMultiSig:
		if len(input.Condition.Signers) == 0 {
			return fmt.Errorf("%w: multisig requires at least one signer", ErrInvalidData)
		}
		seen := make(map[string]struct{}, len(input.Condition.Signers))
		for i, signer := range input.Condition.Signers {
			trimmed := strings.TrimSpace(signer)
			if trimmed == "" {
				return fmt.Errorf("%w: empty multisig signer", ErrInvalidData)
			}
			if _, dup := seen[trimmed]; dup {
				return fmt.Errorf("%w: duplicate multisig signer %s", ErrInvalidData, trimmed)
			}
			seen[trimmed] = struct{}{}
			input.Condition.Signers[i] = trimmed
		}
	default:
		return fmt.Errorf("%w: unsupported condition kind", ErrInvalidData)
	}
	return nil
}

// Create validates the definition, locks the depositor's funds and inserts the
// record in Active status, returning a snapshot of the stored escrow.
func (e *Engine) Create(input CreateInput) (*Escrow, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	now := e.now()
	if err := e.validateCreate(&input, now); err != nil {
		return nil, err
	}
	if err := e.ledger.Lock(input.Depositor, input.Amount); err != nil {
		return nil, err
	}
	rec := &Escrow{
		Depositor:    input.Depositor,
		Beneficiary:  input.Beneficiary,
		Arbitrator:   input.Arbitrator,
		Amount:       new(big.Int).Set(input.Amount),
		Condition:    input.Condition.Clone(),
		Status:       StatusActive,
		CreatedAt:    now,
		ExpiresAt:    input.ExpiresAt,
		Deadline:     input.Deadline,
		Description:  strings.TrimSpace(input.Description),
		ServiceID:    strings.TrimSpace(input.ServiceID),
		ProjectTitle: strings.TrimSpace(input.ProjectTitle),
	}
	rec.ID = e.store.Create(rec)
	stored, err := e.store.Get(rec.ID)
	if err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(stored))
	return stored, nil
}

// Approve records the caller's sign-off and, once the record's completion rule
// is satisfied, settles the escrow in favour of the beneficiary. Re-approving
// is an idempotent no-op. The returned flag reports whether this call
// completed the escrow.
func (e *Engine) Approve(id uint64, caller string) (*Escrow, bool, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return nil, false, fmt.Errorf("%w: caller required", ErrInvalidData)
	}
	var (
		completed bool
		fee       *big.Int
		approved  bool
	)
	rec, err := e.store.Update(id, func(rec *Escrow) error {
		if rec.Status != StatusActive {
			return fmt.Errorf("%w: cannot approve in status %s", ErrInvalidState, rec.Status)
		}
		if !rec.mayApprove(caller) {
			return fmt.Errorf("%w: %s is not a party to escrow %d", ErrUnauthorized, caller, id)
		}
		if rec.HasApproved(caller) {
			return nil
		}
		rec.Approvals = append(rec.Approvals, caller)
		approved = true
		if !rec.completionSatisfied() {
			return nil
		}
		settledFee, err := e.settle(rec)
		if err != nil {
			return err
		}
		fee = settledFee
		rec.Status = StatusCompleted
		completed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if approved {
		e.emit(NewApprovedEvent(rec, caller))
	}
	if completed {
		e.emit(NewCompletedEvent(rec, fee))
	}
	return rec, completed, nil
}

// settle pays the beneficiary amount minus fee and routes the fee to the
// platform account, recording accrual and collection. Called with the record
// lock held, before the status transition commits.
func (e *Engine) settle(rec *Escrow) (*big.Int, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	fee := e.fees.Assess(rec.Amount)
	net := new(big.Int).Sub(rec.Amount, fee)
	if net.Sign() > 0 {
		if err := e.ledger.TransferLocked(rec.Depositor, rec.Beneficiary, net); err != nil {
			return nil, err
		}
	}
	if fee.Sign() > 0 {
		if err := e.ledger.TransferLocked(rec.Depositor, e.platformAccount, fee); err != nil {
			return nil, err
		}
	}
	e.fees.Record(rec.Amount)
	e.fees.MarkCollected(fee)
	return fee, nil
}

// Cancel reverses an Active escrow and refunds the depositor in full. A
// unilateral cancel is blocked once the counterparty has approved: the
// approval set must be empty or contain only the caller.
func (e *Engine) Cancel(id uint64, caller string) (*Escrow, error) {
	caller = strings.TrimSpace(caller)
	rec, err := e.store.Update(id, func(rec *Escrow) error {
		if caller != rec.Depositor && caller != rec.Beneficiary {
			return fmt.Errorf("%w: %s is not a party to escrow %d", ErrUnauthorized, caller, id)
		}
		if rec.Status != StatusActive {
			return fmt.Errorf("%w: cannot cancel in status %s", ErrInvalidState, rec.Status)
		}
		for _, approver := range rec.Approvals {
			if approver != caller {
				return fmt.Errorf("%w: counterparty already approved", ErrInvalidState)
			}
		}
		if err := e.ledger.Release(rec.Depositor, rec.Amount); err != nil {
			return err
		}
		rec.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(rec))
	return rec, nil
}

// Dispute freezes an Active escrow pending arbitration. Approvals already
// present are retained but no longer trigger completion.
func (e *Engine) Dispute(id uint64, caller, reason string) (*Escrow, error) {
	caller = strings.TrimSpace(caller)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason required", ErrInvalidData)
	}
	rec, err := e.store.Update(id, func(rec *Escrow) error {
		if caller != rec.Depositor && caller != rec.Beneficiary {
			return fmt.Errorf("%w: %s is not a party to escrow %d", ErrUnauthorized, caller, id)
		}
		if rec.Status != StatusActive {
			return fmt.Errorf("%w: cannot dispute in status %s", ErrInvalidState, rec.Status)
		}
		rec.Status = StatusDisputed
		rec.DisputeReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(rec))
	return rec, nil
}

// Resolve applies the arbitrator's binary outcome to a Disputed escrow. A
// buyer-favouring resolution refunds the depositor in full and charges no fee;
// otherwise the beneficiary is paid amount minus fee. Admin capability is
// supplied by the identity collaborator.
func (e *Engine) Resolve(id uint64, caller string, admin, favorBuyer bool) (*Escrow, error) {
	caller = strings.TrimSpace(caller)
	var fee *big.Int
	rec, err := e.store.Update(id, func(rec *Escrow) error {
		if !admin && (rec.Arbitrator == "" || caller != rec.Arbitrator) {
			return fmt.Errorf("%w: %s may not resolve escrow %d", ErrUnauthorized, caller, id)
		}
		if rec.Status != StatusDisputed {
			return fmt.Errorf("%w: cannot resolve in status %s", ErrInvalidState, rec.Status)
		}
		if favorBuyer {
			if err := e.ledger.Release(rec.Depositor, rec.Amount); err != nil {
				return err
			}
			rec.Status = StatusCancelled
			return nil
		}
		settledFee, err := e.settle(rec)
		if err != nil {
			return err
		}
		fee = settledFee
		rec.Status = StatusCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewResolvedEvent(rec, favorBuyer))
	if rec.Status == StatusCompleted {
		e.emit(NewCompletedEvent(rec, fee))
	}
	return rec, nil
}

// Deposit credits the principal's available balance and emits the account
// event. Returns the new available balance.
func (e *Engine) Deposit(principal string, amount *big.Int) (*big.Int, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	available, err := e.ledger.Deposit(principal, amount)
	if err != nil {
		return nil, err
	}
	e.emit(NewDepositEvent(strings.TrimSpace(principal), amount, available))
	return available, nil
}

// Withdraw debits the principal's available balance and emits the account
// event. Returns the new available balance.
func (e *Engine) Withdraw(principal string, amount *big.Int) (*big.Int, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	available, err := e.ledger.Withdraw(principal, amount)
	if err != nil {
		return nil, err
	}
	e.emit(NewWithdrawalEvent(strings.TrimSpace(principal), amount, available))
	return available, nil
}

// overdue reports whether the record's deadline or expiry has elapsed.
func overdue(rec *Escrow, now int64) bool {
	if rec.Deadline != 0 && rec.Deadline < now {
		return true
	}
	if rec.ExpiresAt != 0 && rec.ExpiresAt <= now {
		return true
	}
	return false
}

// Sweep flags every Active record whose deadline has passed as Expired and
// returns the newly expired ids. Expiry moves no funds: it surfaces the record
// for arbitration. Running the sweep twice with the same clock yields an empty
// second delta.
func (e *Engine) Sweep(now int64) []uint64 {
	var expired []uint64
	for _, id := range e.store.IDs() {
		rec, err := e.store.Update(id, func(rec *Escrow) error {
			if rec.Status != StatusActive || !overdue(rec, now) {
				return errSweepSkip
			}
			rec.Status = StatusExpired
			return nil
		})
		if err != nil {
			continue
		}
		expired = append(expired, id)
		e.emit(NewExpiredEvent(rec))
	}
	return expired
}

var errSweepSkip = errors.New("escrow: sweep skip")
