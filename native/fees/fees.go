package fees

import (
	"fmt"
	"math/big"
	"sync"
)

// MaxBps is the upper bound for a platform fee policy (100%).
const MaxBps = 10_000

// Policy captures the platform's cut of completed escrows. The rate is
// configuration, never hard-coded by callers.
type Policy struct {
	Bps uint32
}

// Validate reports whether the policy is within the supported range.
func (p Policy) Validate() error {
	if p.Bps > MaxBps {
		return fmt.Errorf("fees: bps out of range: %d", p.Bps)
	}
	return nil
}

// Assess computes the fee owed on gross using floor division. The remainder
// always goes to the beneficiary, so fee+net == gross exactly.
func (p Policy) Assess(gross *big.Int) *big.Int {
	if gross == nil || gross.Sign() <= 0 || p.Bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(gross, big.NewInt(int64(p.Bps)))
	fee.Div(fee, big.NewInt(MaxBps))
	if fee.Cmp(gross) > 0 {
		return new(big.Int).Set(gross)
	}
	return fee
}

// Stats is a read-only snapshot of fee accounting totals. TotalFees accrues at
// completion time; CollectedFees advances only once the fee transfer has
// landed in the platform account, modelling settlement lag.
type Stats struct {
	TotalFees         *big.Int
	CollectedFees     *big.Int
	TotalTransactions uint64
}

// Accountant tracks accrued and collected platform fees across completed
// escrows. All totals grow monotonically.
type Accountant struct {
	mu        sync.Mutex
	policy    Policy
	totalFees *big.Int
	collected *big.Int
	txCount   uint64
}

// NewAccountant constructs an accountant for the supplied policy.
func NewAccountant(policy Policy) (*Accountant, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Accountant{
		policy:    policy,
		totalFees: big.NewInt(0),
		collected: big.NewInt(0),
	}, nil
}

// Policy returns the configured fee policy.
func (a *Accountant) Policy() Policy {
	return a.policy
}

// Assess computes the fee for gross without recording anything.
func (a *Accountant) Assess(gross *big.Int) *big.Int {
	return a.policy.Assess(gross)
}

// Record accrues the fee for a completed escrow of the given gross amount and
// increments the transaction counter. It returns the assessed fee.
func (a *Accountant) Record(gross *big.Int) *big.Int {
	fee := a.policy.Assess(gross)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalFees.Add(a.totalFees, fee)
	a.txCount++
	return new(big.Int).Set(fee)
}

// MarkCollected records that fee has settled into the platform account.
func (a *Accountant) MarkCollected(fee *big.Int) {
	if fee == nil || fee.Sign() <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.collected.Add(a.collected, fee)
}

// Snapshot returns the current totals.
func (a *Accountant) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		TotalFees:         new(big.Int).Set(a.totalFees),
		CollectedFees:     new(big.Int).Set(a.collected),
		TotalTransactions: a.txCount,
	}
}
