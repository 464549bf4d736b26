package approval

import (
	"context"
	"testing"
	"time"
)

func newPendingRecord(id string, expiresAt time.Time) *Record {
	return &Record{
		ApprovalID: id,
		State:      StatePending,
		CreatedAt:  time.Now(),
		ExpiresAt:  expiresAt,
		Binding:    Binding{RequestID: "req-1", PolicyHash: "ph", DecisionHash: "dh"},
	}
}

func TestMemoryStorePutIsIdempotentWhilePending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, newPendingRecord("a1", time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, newPendingRecord("a1", time.Now().Add(2*time.Hour))); err != nil {
		t.Fatal(err)
	}

	r, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if r.ExpiresAt.Sub(time.Now()) > 90*time.Minute {
		t.Error("expected second Put to be a no-op, but expiry moved")
	}
}

func TestMemoryStoreResolveIsSingleUse(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	binding := Binding{RequestID: "req-1", PolicyHash: "ph", DecisionHash: "dh"}

	if err := s.Put(ctx, newPendingRecord("a1", time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve(ctx, "a1", true, "ops-1", binding); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve(ctx, "a1", true, "ops-1", binding); err == nil {
		t.Error("expected resolving an already-resolved approval to fail")
	}
}

func TestMemoryStoreExpiresOnGet(t *testing.T) {
	now := time.Now()
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := s.Put(ctx, newPendingRecord("a1", now.Add(-time.Second))); err != nil {
		t.Fatal(err)
	}
	r, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StateExpired {
		t.Errorf("expected expired state, got %s", r.State)
	}
}

func TestMemoryStoreSweepCollectsExpired(t *testing.T) {
	base := time.Now()
	clock := base
	s := NewMemoryStore().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	if err := s.Put(ctx, newPendingRecord("expired-1", base.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, newPendingRecord("still-pending", base.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	expired, err := s.Sweep(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ApprovalID != "expired-1" {
		t.Errorf("expected exactly expired-1 to sweep, got %+v", expired)
	}
}

func TestBindingEqual(t *testing.T) {
	a := Binding{RequestID: "r", PolicyHash: "p", DecisionHash: "d"}
	b := Binding{RequestID: "r", PolicyHash: "p", DecisionHash: "d"}
	c := Binding{RequestID: "r", PolicyHash: "p", DecisionHash: "different"}
	if !a.Equal(b) {
		t.Error("expected identical bindings to be equal")
	}
	if a.Equal(c) {
		t.Error("expected differing decision_hash to break equality")
	}
}
