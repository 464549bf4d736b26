package budget

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory. Thread-safe via mutex; no
// durability across restarts.
type MemoryStorage struct {
	mu            sync.Mutex
	reservations  map[string]*Reservation // keyed by request_id
	counterTotals map[string]int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		reservations:  make(map[string]*Reservation),
		counterTotals: make(map[string]int64),
	}
}

func (s *MemoryStorage) GetReservation(ctx context.Context, requestID string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[requestID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStorage) SaveReservation(ctx context.Context, r *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reservations[r.RequestID] = &cp
	return nil
}

func (s *MemoryStorage) CounterTotal(ctx context.Context, counterKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterTotals[counterKey], nil
}

func (s *MemoryStorage) AdjustCounter(ctx context.Context, counterKey string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterTotals[counterKey] += delta
	return nil
}
