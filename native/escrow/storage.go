package escrow

import (
	"fmt"
	"strings"
	"sync"
)

// Role identifies the relationship between a principal and an escrow record
// for listing queries.
type Role string

const (
	RoleDepositor   Role = "depositor"
	RoleBeneficiary Role = "beneficiary"
	RoleArbitrator  Role = "arbitrator"
)

// ParseRole resolves the canonical role name.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleDepositor:
		return RoleDepositor, nil
	case RoleBeneficiary:
		return RoleBeneficiary, nil
	case RoleArbitrator:
		return RoleArbitrator, nil
	default:
		return "", fmt.Errorf("escrow: unsupported role %q", raw)
	}
}

type slot struct {
	mu  sync.Mutex
	rec *Escrow
}

// Store owns the collection of escrow records keyed by a monotonically
// increasing identifier. Records are never physically deleted; terminal states
// are retained for history and statistics. Every mutation runs under a
// per-record exclusive section and commits all-or-nothing, so readers only
// ever observe a record between transitions.
type Store struct {
	mu     sync.RWMutex
	nextID uint64
	slots  map[uint64]*slot
	order  []uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{slots: make(map[uint64]*slot)}
}

// Create assigns the next identifier, inserts the record and returns its id.
// The stored instance is a private copy of rec.
func (s *Store) Create(rec *Escrow) uint64 {
	clone := rec.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	clone.ID = s.nextID
	s.slots[clone.ID] = &slot{rec: clone}
	s.order = append(s.order, clone.ID)
	return clone.ID
}

func (s *Store) slotFor(id uint64) (*slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	return sl, ok
}

// Get returns a snapshot of the record or ErrNotFound.
func (s *Store) Get(id uint64) (*Escrow, error) {
	sl, ok := s.slotFor(id)
	if !ok {
		return nil, ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.rec.Clone(), nil
}

// Update applies fn to a copy of the record under the per-record lock. The
// copy replaces the stored instance only when fn returns nil, so a failed
// transition leaves no partial state behind. The committed snapshot is
// returned on success.
func (s *Store) Update(id uint64, fn func(*Escrow) error) (*Escrow, error) {
	sl, ok := s.slotFor(id)
	if !ok {
		return nil, ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	working := sl.rec.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	sl.rec = working
	return working.Clone(), nil
}

// IDs returns every identifier in insertion order.
func (s *Store) IDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint64(nil), s.order...)
}

// ListByPrincipal returns snapshots of every record where the principal holds
// the given role, in insertion order.
func (s *Store) ListByPrincipal(principal string, role Role) []*Escrow {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil
	}
	ids := s.IDs()
	out := make([]*Escrow, 0, len(ids))
	for _, id := range ids {
		sl, ok := s.slotFor(id)
		if !ok {
			continue
		}
		sl.mu.Lock()
		rec := sl.rec
		var match bool
		switch role {
		case RoleDepositor:
			match = rec.Depositor == principal
		case RoleBeneficiary:
			match = rec.Beneficiary == principal
		case RoleArbitrator:
			match = rec.Arbitrator == principal
		}
		if match {
			out = append(out, rec.Clone())
		}
		sl.mu.Unlock()
	}
	return out
}
