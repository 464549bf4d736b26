package approval

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore mirrors the teacher's single-mutex-plus-map escalation
// manager, adapted to the ApprovalRecord/binding shape: Put is
// idempotent, Resolve is single-use, and expiry is checked both lazily
// (on Get/Resolve) and via an explicit Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Put(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[r.ApprovalID]; ok && existing.State == StatePending {
		return nil
	}
	cp := *r
	s.records[r.ApprovalID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, approvalID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[approvalID]
	if !ok {
		return nil, fmt.Errorf("approval: no record %q", approvalID)
	}
	s.expireLocked(r)
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, approvalID string, approved bool, approverID string, binding Binding) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[approvalID]
	if !ok {
		return nil, fmt.Errorf("approval: no record %q", approvalID)
	}
	s.expireLocked(r)
	if r.State != StatePending {
		return nil, fmt.Errorf("approval: %q is not pending (state=%s)", approvalID, r.State)
	}

	now := s.clock()
	r.ResolvedAt = &now
	r.Approved = approved
	r.ApproverID = approverID
	r.Binding = binding
	if approved {
		r.State = StateApproved
	} else {
		r.State = StateDenied
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Record
	for _, r := range s.records {
		if r.State != StatePending {
			continue
		}
		if now.After(r.ExpiresAt) {
			r.State = StateExpired
			cp := *r
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

func (s *MemoryStore) expireLocked(r *Record) {
	if r.State == StatePending && s.clock().After(r.ExpiresAt) {
		r.State = StateExpired
	}
}
