package escrow

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"escrowd/native/fees"
	"escrowd/native/ledger"
)

const testPlatform = "platform"

type capturedEvents struct {
	mu     sync.Mutex
	events []Event
}

func (c *capturedEvents) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturedEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Type)
	}
	return out
}

func newTestEngine(t *testing.T, bps uint32) (*Engine, *ledger.Ledger, *capturedEvents) {
	t.Helper()
	accountant, err := fees.NewAccountant(fees.Policy{Bps: bps})
	if err != nil {
		t.Fatalf("fee accountant: %v", err)
	}
	led := ledger.New()
	engine := NewEngine(NewStore(), led, accountant, testPlatform)
	engine.SetNowFunc(func() int64 { return 1_000 })
	captured := &capturedEvents{}
	engine.SetEmitter(captured)
	return engine, led, captured
}

func fund(t *testing.T, led *ledger.Ledger, principal string, amount int64) {
	t.Helper()
	if _, err := led.Deposit(principal, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit %s: %v", principal, err)
	}
}

func mustCreate(t *testing.T, engine *Engine, input CreateInput) *Escrow {
	t.Helper()
	rec, err := engine.Create(input)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return rec
}

func timeDelayInput(depositor, beneficiary string, amount int64) CreateInput {
	return CreateInput{
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Amount:      big.NewInt(amount),
		Condition:   Condition{Kind: ConditionTimeDelay, ReleaseAt: 2_000},
	}
}

func balance(t *testing.T, led *ledger.Ledger, principal string) (int64, int64) {
	t.Helper()
	b := led.BalanceOf(principal)
	return b.Available.Int64(), b.Locked.Int64()
}

func TestCreateValidation(t *testing.T) {
	engine, led, _ := newTestEngine(t, 0)
	fund(t, led, "alice", 1_000)

	t.Run("rejects non-positive amount", func(t *testing.T) {
		input := timeDelayInput("alice", "bob", 500)
		input.Amount = big.NewInt(0)
		if _, err := engine.Create(input); !errors.Is(err, ErrInvalidData) {
			t.Fatalf("expected ErrInvalidData, got %v", err)
		}
	})

	t.Run("rejects self escrow", func(t *testing.T) {
		if _, err := engine.Create(timeDelayInput("alice", "alice", 100)); !errors.Is(err, ErrInvalidData) {
			t.Fatalf("expected ErrInvalidData, got %v", err)
		}
	})

	t.Run("rejects past deadline", func(t *testing.T) {
		input := timeDelayInput("alice", "bob", 100)
		input.Deadline = 500
		if _, err := engine.Create(input); !errors.Is(err, ErrInvalidData) {
			t.Fatalf("expected ErrInvalidData, got %v", err)
		}
	})

	t.Run("rejects manual approval without arbitrator", func(t *testing.T) {
		input := timeDelayInput("alice", "bob", 100)
		input.Condition = Condition{Kind: ConditionManualApproval}
		if _, err := engine.Create(input); !errors.Is(err, ErrInvalidData) {
			t.Fatalf("expected ErrInvalidData, got %v", err)
		}
	})

	t.Run("rejects insufficient funds", func(t *testing.T) {
		if _, err := engine.Create(timeDelayInput("alice", "bob", 5_000)); !errors.Is(err, ledger.ErrInsufficientBalance) {
			t.Fatalf("expected ErrInsufficientBalance, got %v", err)
		}
		available, locked := balance(t, led, "alice")
		if available != 1_000 || locked != 0 {
			t.Fatalf("expected balances untouched, got available=%d locked=%d", available, locked)
		}
	})

	t.Run("no mutation before validation passes", func(t *testing.T) {
		input := timeDelayInput("alice", "bob", 100)
		input.Deadline = 1 // in the past
		if _, err := engine.Create(input); err == nil {
			t.Fatalf("expected validation failure")
		}
		available, locked := balance(t, led, "alice")
		if available != 1_000 || locked != 0 {
			t.Fatalf("expected balances untouched, got available=%d locked=%d", available, locked)
		}
	})
}

func TestMutualApprovalCompletes(t *testing.T) {
	// Scenario A: TimeDelay escrow settles on buyer+seller mutual sign-off.
	engine, led, captured := newTestEngine(t, 250)
	fund(t, led, "alice", 1_500)

	rec := mustCreate(t, engine, timeDelayInput("alice", "bob", 1_000))
	if available, locked := balance(t, led, "alice"); available != 500 || locked != 1_000 {
		t.Fatalf("expected lock of 1000, got available=%d locked=%d", available, locked)
	}

	updated, completed, err := engine.Approve(rec.ID, "alice")
	if err != nil {
		t.Fatalf("alice approve: %v", err)
	}
	if completed || updated.Status != StatusActive {
		t.Fatalf("expected still active after a single approval, got %s", updated.Status)
	}

	updated, completed, err = engine.Approve(rec.ID, "bob")
	if err != nil {
		t.Fatalf("bob approve: %v", err)
	}
	if !completed || updated.Status != StatusCompleted {
		t.Fatalf("expected completion, got completed=%v status=%s", completed, updated.Status)
	}

	fee := int64(25) // 2.5% of 1000
	if available, locked := balance(t, led, "alice"); available != 500 || locked != 0 {
		t.Fatalf("expected depositor fully unlocked, got available=%d locked=%d", available, locked)
	}
	if available, _ := balance(t, led, "bob"); available != 1_000-fee {
		t.Fatalf("expected payout %d, got %d", 1_000-fee, available)
	}
	if available, _ := balance(t, led, testPlatform); available != fee {
		t.Fatalf("expected platform fee %d, got %d", fee, available)
	}

	stats := engine.Fees().Snapshot()
	if stats.TotalFees.Int64() != fee || stats.CollectedFees.Int64() != fee || stats.TotalTransactions != 1 {
		t.Fatalf("unexpected fee stats: %+v", stats)
	}

	types := captured.types()
	want := []string{EventTypeCreated, EventTypeApproved, EventTypeApproved, EventTypeCompleted}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
}

func TestApproveAuthorizationAndIdempotence(t *testing.T) {
	engine, led, _ := newTestEngine(t, 0)
	fund(t, led, "alice", 1_000)
	rec := mustCreate(t, engine, timeDelayInput("alice", "bob", 400))

	t.Run("stranger cannot approve", func(t *testing.T) {
		if _, _, err := engine.Approve(rec.ID, "mallory"); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("double approval is a no-op", func(t *testing.T) {
		if _, _, err := engine.Approve(rec.ID, "alice"); err != nil {
			t.Fatalf("first approve: %v", err)
		}
		updated, completed, err := engine.Approve(rec.ID, "alice")
		if err != nil {
			t.Fatalf("second approve: %v", err)
		}
		if completed {
			t.Fatalf("re-approval must not complete the escrow")
		}
		if len(updated.Approvals) != 1 {
			t.Fatalf("expected a single approval, got %v", updated.Approvals)
		}
	})

	t.Run("unknown escrow", func(t *testing.T) {
		if _, _, err := engine.Approve(999, "alice"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestConcurrentMutualApprovalPaysOnce(t *testing.T) {
	engine, led, _ := newTestEngine(t, 100)
	fund(t, led, "alice", 1_000)
	rec := mustCreate(t, engine, timeDelayInput("alice", "bob", 1_000))

	var wg sync.WaitGroup
	completions := make(chan bool, 2)
	for _, caller := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(caller string) {
			defer wg.Done()
			_, completed, err := engine.Approve(rec.ID, caller)
			if err != nil {
				t.Errorf("approve %s: %v", caller, err)
				return
			}
			completions <- completed
		}(caller)
	}
	wg.Wait()
	close(completions)

	count := 0
	for completed := range completions {
		if completed {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one completing approval, got %d", count)
	}
	fee := int64(10)
	if available, _ := balance(t, led, "bob"); available != 1_000-fee {
		t.Fatalf("expected single payout of %d, got %d", 1_000-fee, available)
	}
	if _, locked := balance(t, led, "alice"); locked != 0 {
		t.Fatalf("expected no residual lock, got %d", locked)
	}
}

func TestManualApprovalCondition(t *testing.T) {
	engine, led, _ := newTestEngine(t, 0)
	fund(t, led, "alice", 500)
	input := timeDelayInput("alice", "bob", 500)
	input.Arbitrator = "carol"
	input.Condition = Condition{Kind: ConditionManualApproval}
	rec := mustCreate(t, engine, input)

	if _, completed, err := engine.Approve(rec.ID, "alice"); err != nil || completed {
		t.Fatalf("depositor approval must not complete manual-approval escrow: completed=%v err=%v", completed, err)
	}
	updated, completed, err := engine.Approve(rec.ID, "carol")
	if err != nil {
		t.Fatalf("arbitrator approve: %v", err)
	}
	if !completed || updated.Status != StatusCompleted {
		t.Fatalf("expected arbitrator sign-off to complete, got %s", updated.Status)
	}
	if available, _ := balance(t, led, "bob"); available != 500 {
		t.Fatalf("expected full payout with zero fee policy, got %d", available)
	}
}

func TestMultiSigCondition(t *testing.T) {
	engine, led, _ := newTestEngine(t, 0)
	fund(t, led, "alice", 900)
	input := timeDelayInput("alice", "bob", 900)
	input.Condition = Condition{Kind: ConditionMultiSig, Signers: []string{"sig1", "sig2", "sig3"}}
	rec := mustCreate(t, engine, input)

	for _, signer := range []string{"sig1", "sig2"} {
		if _, completed, err := engine.Approve(rec.ID, signer); err != nil || completed {
			t.Fatalf("partial signer set must not complete: signer=%s completed=%v err=%v", signer, completed, err)
		}
	}
	// Buyer and seller approvals never substitute for the signer set.
	if _, completed, err := engine.Approve(rec.ID, "alice"); err != nil || completed {
		t.Fatalf("depositor approval must not complete multisig: completed=%v err=%v", completed, err)
	}
	updated, completed, err := engine.Approve(rec.ID, "sig3")
	if err != nil {
		t.Fatalf("final signer approve: %v", err)
	}
	if !completed || updated.Status != StatusCompleted {
		t.Fatalf("expected exact signer set to complete, got %s", updated.Status)
	}
	if available, _ := balance(t, led, "bob"); available != 900 {
		t.Fatalf("expected payout 900, got %d", available)
	}
}

func TestCancel(t *testing.T) {
	// Scenario B: depositor cancels before any counterparty approval.
	t.Run("refunds depositor in full", func(t *testing.T) {
		engine, led, captured := newTestEngine(t, 250)
		fund(t, led, "alice", 500)
		rec := mustCreate(t, engine, timeDelayInput("alice", "bob", 500))

		updated, err := engine.Cancel(rec.ID, "alice")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if updated.Status != StatusCancelled {
			t.Fatalf("expected cancelled, got %s", updated.Status)
		}
		if available, locked := balance(t, led, "alice"); available != 500 || locked != 0 {
			t.Fatalf("expected full refund, got available=%d locked=%d", available, locked)
		}
		types := captured.types()
		if types[len(types)-1] != EventTypeCancelled {
			t.Fatalf("expected cancelled event, got %v", types)
		}
	})

	t.Run("blocked once counterparty approved", func(t *testing.T) {
		engine, led, _ := newTestEngine(t, 0)
		fund(t, led, "alice", 500)
		rec := mustCreate(t, engine, timeDelayInput("alice", "bob", 500))
		if _, _, err := engine.Approve(rec.ID, "bob"); err != nil {
			t.Fatalf("bob approve: %v", err)
		}
		if _, err := engine.Cancel(rec.ID, "alice"); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("own approval does not block cancel", func(t *testing.T) {
		engine, led, _ := newTestEngine(t, 0)
		fund(t, led, "alice", 500)
		rec := mustCreate(t, engine, timeDelayInput("alice", "bob", 500))
		if _, _, err := engine.Approve(rec.ID, "alice"); err != nil {
			t.Fatalf("alice approve: %v", err)
		}
		if _, err := engine.Cancel(rec.ID, "alice"); err != nil {
			t.Fatalf("cancel after own approval: %v", err)
		}
	})

	t.Run("stranger cannot cancel", func(t *testing.T) {
		engine, led, _ := newTestEngine(t, 0)
		fund(t, led, "alice", 500)
		rec := mustCreate(t, engine, timeDelayInput("alice", "bob", 500))
		if _, err := engine.Cancel(rec.ID, "mallory"); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestDisputeAndResolve(t *testing.T) {
	setup := func(t *testing.T) (*Engine, *ledger.Ledger, *Escrow) {
		engine, led, _ := newTestEngine(t, 500) // 5%
		fund(t, led, "alice", 200)
		input := timeDelayInput("alice", "bob", 200)
		input.Arbitrator = "carol"
		rec := mustCreate(t, engine, input)
		return engine, led, rec
	}

	t.Run("dispute requires a party and a reason", func(t *testing.T) {
		engine, _, rec := setup(t)
		if _, err := engine.Dispute(rec.ID, "mallory", "because"); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
		if _, err := engine.Dispute(rec.ID, "bob", "   "); !errors.Is(err, ErrInvalidData) {
			t.Fatalf("expected ErrInvalidData for blank reason, got %v", err)
		}
	})

	t.Run("approvals stop completing while disputed", func(t *testing.T) {
		engine, _, rec := setup(t)
		if _, _, err := engine.Approve(rec.ID, "alice"); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if _, err := engine.Dispute(rec.ID, "bob", "incomplete work"); err != nil {
			t.Fatalf("dispute: %v", err)
		}
		if _, _, err := engine.Approve(rec.ID, "bob"); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState while disputed, got %v", err)
		}
		stored, err := engine.Store().Get(rec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(stored.Approvals) != 1 || stored.DisputeReason != "incomplete work" {
			t.Fatalf("expected retained approvals and recorded reason, got %+v", stored)
		}
	})

	t.Run("favor buyer refunds without fee", func(t *testing.T) {
		// Scenario C.
		engine, led, rec := setup(t)
		if _, err := engine.Dispute(rec.ID, "bob", "incomplete work"); err != nil {
			t.Fatalf("dispute: %v", err)
		}
		updated, err := engine.Resolve(rec.ID, "carol", false, true)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if updated.Status != StatusCancelled {
			t.Fatalf("expected cancelled, got %s", updated.Status)
		}
		if available, locked := balance(t, led, "alice"); available != 200 || locked != 0 {
			t.Fatalf("expected full refund, got available=%d locked=%d", available, locked)
		}
		stats := engine.Fees().Snapshot()
		if stats.TotalFees.Sign() != 0 || stats.TotalTransactions != 0 {
			t.Fatalf("buyer-favouring resolution must not charge a fee: %+v", stats)
		}
	})

	t.Run("favor seller pays net of fee", func(t *testing.T) {
		engine, led, rec := setup(t)
		if _, err := engine.Dispute(rec.ID, "alice", "never delivered"); err != nil {
			t.Fatalf("dispute: %v", err)
		}
		updated, err := engine.Resolve(rec.ID, "carol", false, false)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if updated.Status != StatusCompleted {
			t.Fatalf("expected completed, got %s", updated.Status)
		}
		fee := int64(10) // 5% of 200
		if available, _ := balance(t, led, "bob"); available != 200-fee {
			t.Fatalf("expected payout %d, got %d", 200-fee, available)
		}
		if available, _ := balance(t, led, testPlatform); available != fee {
			t.Fatalf("expected platform fee %d, got %d", fee, available)
		}
	})

	t.Run("only arbitrator or admin may resolve", func(t *testing.T) {
		engine, _, rec := setup(t)
		if _, err := engine.Dispute(rec.ID, "bob", "incomplete work"); err != nil {
			t.Fatalf("dispute: %v", err)
		}
		if _, err := engine.Resolve(rec.ID, "bob", false, true); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
		if _, err := engine.Resolve(rec.ID, "ops", true, true); err != nil {
			t.Fatalf("admin resolve: %v", err)
		}
	})

	t.Run("resolve requires disputed status", func(t *testing.T) {
		engine, _, rec := setup(t)
		if _, err := engine.Resolve(rec.ID, "carol", false, true); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})
}

func TestSweep(t *testing.T) {
	engine, led, _ := newTestEngine(t, 0)
	fund(t, led, "alice", 1_000)

	overdueInput := timeDelayInput("alice", "bob", 300)
	overdueInput.Deadline = 1_500
	overdueRec := mustCreate(t, engine, overdueInput)

	freshInput := timeDelayInput("alice", "bob", 300)
	freshInput.Deadline = 9_000
	freshRec := mustCreate(t, engine, freshInput)

	disputedInput := timeDelayInput("alice", "bob", 300)
	disputedInput.Deadline = 1_500
	disputedRec := mustCreate(t, engine, disputedInput)
	if _, err := engine.Dispute(disputedRec.ID, "bob", "late"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	expired := engine.Sweep(2_000)
	if len(expired) != 1 || expired[0] != overdueRec.ID {
		t.Fatalf("expected only %d to expire, got %v", overdueRec.ID, expired)
	}

	t.Run("expiry moves no funds", func(t *testing.T) {
		if available, locked := balance(t, led, "alice"); available != 100 || locked != 900 {
			t.Fatalf("expected untouched balances, got available=%d locked=%d", available, locked)
		}
	})

	t.Run("sweep is idempotent", func(t *testing.T) {
		// Scenario D second half is covered below; same clock yields no delta.
		if again := engine.Sweep(2_000); len(again) != 0 {
			t.Fatalf("expected empty delta, got %v", again)
		}
	})

	t.Run("expired records reject approve and cancel", func(t *testing.T) {
		if _, _, err := engine.Approve(overdueRec.ID, "alice"); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState on approve, got %v", err)
		}
		if _, err := engine.Cancel(overdueRec.ID, "alice"); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState on cancel, got %v", err)
		}
	})

	t.Run("fresh record survives", func(t *testing.T) {
		stored, err := engine.Store().Get(freshRec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Status != StatusActive {
			t.Fatalf("expected active, got %s", stored.Status)
		}
	})

	t.Run("disputed record is left alone", func(t *testing.T) {
		stored, err := engine.Store().Get(disputedRec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Status != StatusDisputed {
			t.Fatalf("expected disputed, got %s", stored.Status)
		}
	})
}

func TestWithdrawLeavesBalancesOnFailure(t *testing.T) {
	// Scenario E.
	engine, led, _ := newTestEngine(t, 0)
	fund(t, led, "alice", 100)
	if _, err := engine.Withdraw("alice", big.NewInt(500)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if available, locked := balance(t, led, "alice"); available != 100 || locked != 0 {
		t.Fatalf("expected unchanged balances, got available=%d locked=%d", available, locked)
	}
}

func TestConservation(t *testing.T) {
	engine, led, _ := newTestEngine(t, 300)
	fund(t, led, "alice", 10_000)
	fund(t, led, "bob", 2_000)
	supply := func() int64 { return led.TotalSupply().Int64() }
	start := supply()

	recA := mustCreate(t, engine, timeDelayInput("alice", "bob", 4_000))
	recB := mustCreate(t, engine, timeDelayInput("alice", "bob", 1_000))
	recC := mustCreate(t, engine, timeDelayInput("bob", "alice", 500))

	if _, _, err := engine.Approve(recA.ID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, err := engine.Approve(recA.ID, "bob"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := engine.Cancel(recB.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := engine.Dispute(recC.ID, "alice", "quality"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := engine.Resolve(recC.ID, "ops", true, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if got := supply(); got != start {
		t.Fatalf("conservation violated: start=%d end=%d", start, got)
	}
	if _, err := engine.Withdraw("bob", big.NewInt(1_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := supply(); got != start-1_000 {
		t.Fatalf("expected supply to drop by the withdrawal, start=%d end=%d", start, got)
	}
}
