package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// countingStore wraps MemStore and records Consume calls, so tests can
// verify the fast-fail path skips the store round trip.
type countingStore struct {
	*MemStore
	calls int
}

func (s *countingStore) Consume(ctx context.Context, key string, points int, ttl time.Duration) (int64, error) {
	s.calls++
	return s.MemStore.Consume(ctx, key, points, ttl)
}

// failingStore always errors, standing in for a counter store outage.
type failingStore struct{}

func (failingStore) Consume(context.Context, string, int, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

// recordHandler captures log records for assertions.
type recordHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}
func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.records))
	for i, r := range h.records {
		out[i] = r.Message
	}
	return out
}

func testLimiter(store CounterStore, opts Options) (*Limiter, *recordHandler) {
	h := &recordHandler{}
	l := New(store, slog.New(h), opts)
	l.now = func() time.Time { return time.Unix(1000, 0) }
	return l, h
}

func TestConsumeWithinLimit(t *testing.T) {
	l, _ := testLimiter(NewMemStore(), Options{
		Identity: "alice", Tenant: "t1",
		IdentityLimit: 100, TenantLimit: 1000,
		Window: time.Minute, Enforced: true,
	})
	for i := 0; i < 10; i++ {
		if err := l.Consume(context.Background(), 10); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if l.ConsumedPoints() != 100 {
		t.Fatalf("consumed = %d, want 100", l.ConsumedPoints())
	}
	// The 101st point overdraws the identity bucket.
	err := l.Consume(context.Background(), 1)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.Scope != ScopeIdentity {
		t.Fatalf("scope = %q, want identity", exceeded.Scope)
	}
}

func TestConsumeTenantBucketBinds(t *testing.T) {
	store := NewMemStore()
	// Two identities under one tenant: the tenant bucket is shared.
	opts := func(identity string) Options {
		return Options{
			Identity: identity, Tenant: "t1",
			IdentityLimit: 100, TenantLimit: 150,
			Window: time.Minute, Enforced: true,
		}
	}
	a, _ := testLimiter(store, opts("alice"))
	b, _ := testLimiter(store, opts("bob"))
	if err := a.Consume(context.Background(), 100); err != nil {
		t.Fatalf("alice: %v", err)
	}
	err := b.Consume(context.Background(), 100)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected tenant exhaustion, got %v", err)
	}
	if exceeded.Scope != ScopeTenant {
		t.Fatalf("scope = %q, want tenant", exceeded.Scope)
	}
}

func TestConsumeFastFailSkipsStore(t *testing.T) {
	store := &countingStore{MemStore: NewMemStore()}
	l, _ := testLimiter(store, Options{
		Identity: "alice", Tenant: "t1",
		IdentityLimit: 10, TenantLimit: 100,
		Window: time.Minute, Enforced: true,
	})
	if err := l.Consume(context.Background(), 11); err == nil {
		t.Fatal("expected exhaustion")
	}
	calls := store.calls
	for i := 0; i < 5; i++ {
		if err := l.Consume(context.Background(), 1); err == nil {
			t.Fatal("expected cached exhaustion")
		}
	}
	if store.calls != calls {
		t.Fatalf("store called %d more times after exhaustion", store.calls-calls)
	}
}

func TestConsumeWindowReset(t *testing.T) {
	store := NewMemStore()
	l, _ := testLimiter(store, Options{
		Identity: "alice", Tenant: "t1",
		IdentityLimit: 10, TenantLimit: 100,
		Window: time.Minute, Enforced: true,
	})
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	if err := l.Consume(context.Background(), 11); err == nil {
		t.Fatal("expected exhaustion")
	}
	// Advance past the window boundary: keys change, quota replenishes,
	// and the cached exhaustion expires.
	now = now.Add(2 * time.Minute)
	if err := l.Consume(context.Background(), 5); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func TestConsumeAdvisoryMode(t *testing.T) {
	l, h := testLimiter(NewMemStore(), Options{
		Identity: "alice", Tenant: "t1",
		IdentityLimit: 10, TenantLimit: 100,
		Window: time.Minute, Enforced: false,
	})
	if err := l.Consume(context.Background(), 50); err != nil {
		t.Fatalf("advisory mode returned error: %v", err)
	}
	found := false
	for _, msg := range h.messages() {
		if msg == "rate limit exceeded" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected exceeded warning in advisory mode")
	}
}

func TestConsumeStoreOutage(t *testing.T) {
	// Enforced: outage fails closed.
	l, _ := testLimiter(failingStore{}, Options{
		Identity: "alice", Tenant: "t1",
		IdentityLimit: 10, TenantLimit: 100,
		Window: time.Minute, Enforced: true,
	})
	err := l.Consume(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error when enforced")
	}
	var exceeded *ExceededError
	if errors.As(err, &exceeded) {
		t.Fatal("outage must not surface as quota exhaustion")
	}

	// Advisory: outage is tolerated.
	l2, _ := testLimiter(failingStore{}, Options{
		Identity: "alice", Tenant: "t1",
		IdentityLimit: 10, TenantLimit: 100,
		Window: time.Minute, Enforced: false,
	})
	if err := l2.Consume(context.Background(), 1); err != nil {
		t.Fatalf("advisory outage: %v", err)
	}
}

func TestHighConsumptionWarnsOnce(t *testing.T) {
	l, h := testLimiter(NewMemStore(), Options{
		Identity: "alice", Tenant: "t1",
		IdentityLimit: 100, TenantLimit: 10000,
		Window: time.Minute, Enforced: true,
	})
	// 9 points: below the 10% threshold, no warning yet.
	if err := l.Consume(context.Background(), 9); err != nil {
		t.Fatal(err)
	}
	if n := countWarn(h); n != 0 {
		t.Fatalf("premature warnings: %d", n)
	}
	// Crossing 10 points fires the warning exactly once.
	for i := 0; i < 5; i++ {
		if err := l.Consume(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
	if n := countWarn(h); n != 1 {
		t.Fatalf("warnings = %d, want 1", n)
	}
}

func countWarn(h *recordHandler) int {
	n := 0
	for _, msg := range h.messages() {
		if msg == "high rate limit consumption for one request" {
			n++
		}
	}
	return n
}

func TestCosts(t *testing.T) {
	if got := CostRead(5); got != 5 {
		t.Fatalf("CostRead(5) = %d", got)
	}
	if got := CostRead(0); got != 1 {
		t.Fatalf("CostRead(0) = %d", got)
	}
	if got := CostHistory(); got != 10 {
		t.Fatalf("CostHistory() = %d", got)
	}
	if got := CostSearch(3); got != 60 {
		t.Fatalf("CostSearch(3) = %d", got)
	}
	if got := CostWrite(); got != 100 {
		t.Fatalf("CostWrite() = %d", got)
	}
}
