package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

var (
	// ErrInsufficientBalance is returned when an operation would drive the
	// available balance below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInvariantViolation indicates internal bookkeeping corruption. It is
	// fatal for the affected record and must never be retried automatically.
	ErrInvariantViolation = errors.New("ledger: invariant violation")
	// ErrInvalidAmount is returned for nil, zero, or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInvalidPrincipal is returned for empty principal identifiers.
	ErrInvalidPrincipal = errors.New("ledger: principal required")
)

// Balance is a point-in-time snapshot of a single principal's funds. Available
// funds may be withdrawn or committed to a new escrow; locked funds back a
// specific active escrow.
type Balance struct {
	Available *big.Int
	Locked    *big.Int
}

type account struct {
	mu        sync.Mutex
	available *big.Int
	locked    *big.Int
}

// Ledger maintains per-principal available and locked balances. Accounts are
// created lazily on first use and never deleted so zero balances remain
// auditable. Operations on a single principal serialize on that principal's
// lock; two-principal transfers always acquire locks in lexicographic order.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*account)}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (l *Ledger) acquire(principal string) (*account, error) {
	trimmed := strings.TrimSpace(principal)
	if trimmed == "" {
		return nil, ErrInvalidPrincipal
	}
	l.mu.RLock()
	acc, ok := l.accounts[trimmed]
	l.mu.RUnlock()
	if ok {
		return acc, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok = l.accounts[trimmed]; ok {
		return acc, nil
	}
	acc = &account{available: big.NewInt(0), locked: big.NewInt(0)}
	l.accounts[trimmed] = acc
	return acc, nil
}

// Deposit credits the principal's available balance.
func (l *Ledger) Deposit(principal string, amount *big.Int) (*big.Int, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	acc, err := l.acquire(principal)
	if err != nil {
		return nil, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.available = new(big.Int).Add(acc.available, amount)
	return cloneBigInt(acc.available), nil
}

// Withdraw debits the principal's available balance, failing without any
// state change when funds are insufficient.
func (l *Ledger) Withdraw(principal string, amount *big.Int) (*big.Int, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	acc, err := l.acquire(principal)
	if err != nil {
		return nil, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.available.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	acc.available = new(big.Int).Sub(acc.available, amount)
	return cloneBigInt(acc.available), nil
}

// Lock moves amount from available to locked for the principal.
func (l *Ledger) Lock(principal string, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	acc, err := l.acquire(principal)
	if err != nil {
		return err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	acc.available = new(big.Int).Sub(acc.available, amount)
	acc.locked = new(big.Int).Add(acc.locked, amount)
	return nil
}

// Release moves amount from locked back to available for the same principal.
// A shortfall in the locked column means the escrow engine and the ledger have
// diverged, which is surfaced as ErrInvariantViolation.
func (l *Ledger) Release(principal string, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	acc, err := l.acquire(principal)
	if err != nil {
		return err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.locked.Cmp(amount) < 0 {
		return fmt.Errorf("%w: release %s exceeds locked %s for %s", ErrInvariantViolation, amount, acc.locked, principal)
	}
	acc.locked = new(big.Int).Sub(acc.locked, amount)
	acc.available = new(big.Int).Add(acc.available, amount)
	return nil
}

// TransferLocked atomically debits from's locked balance and credits to's
// available balance. Locks are taken in lexicographic principal order so
// concurrent transfers between the same pair cannot deadlock.
func (l *Ledger) TransferLocked(from, to string, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	src, err := l.acquire(from)
	if err != nil {
		return err
	}
	dst, err := l.acquire(to)
	if err != nil {
		return err
	}
	if src == dst {
		return fmt.Errorf("%w: self transfer for %s", ErrInvariantViolation, from)
	}
	first, second := src, dst
	if strings.TrimSpace(to) < strings.TrimSpace(from) {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	if src.locked.Cmp(amount) < 0 {
		return fmt.Errorf("%w: transfer %s exceeds locked %s for %s", ErrInvariantViolation, amount, src.locked, from)
	}
	src.locked = new(big.Int).Sub(src.locked, amount)
	dst.available = new(big.Int).Add(dst.available, amount)
	return nil
}

// BalanceOf returns a snapshot of the principal's balances. Unknown principals
// report zero without materialising an account.
func (l *Ledger) BalanceOf(principal string) Balance {
	trimmed := strings.TrimSpace(principal)
	l.mu.RLock()
	acc, ok := l.accounts[trimmed]
	l.mu.RUnlock()
	if !ok {
		return Balance{Available: big.NewInt(0), Locked: big.NewInt(0)}
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return Balance{Available: cloneBigInt(acc.available), Locked: cloneBigInt(acc.locked)}
}

// TotalSupply sums available plus locked across every account. Deposits and
// withdrawals are the only operations that change the result.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		accounts = append(accounts, acc)
	}
	l.mu.RUnlock()
	total := big.NewInt(0)
	for _, acc := range accounts {
		acc.mu.Lock()
		total.Add(total, acc.available)
		total.Add(total, acc.locked)
		acc.mu.Unlock()
	}
	return total
}
