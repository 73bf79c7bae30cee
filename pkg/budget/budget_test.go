package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clawee/sidecar/pkg/catalog"
)

type memStore struct {
	mu     sync.Mutex
	state  State
	events []CostEvent
}

func newMemStore() *memStore { return &memStore{} }

func (m *memStore) GetState(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memStore) Suspend(ctx context.Context, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Suspended = true
	m.state.Reason = reason
	m.state.TriggeredAt = &at
	m.state.UpdatedAt = at
	return nil
}

func (m *memStore) Resume(ctx context.Context, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Suspended = false
	m.state.Reason = ""
	m.state.ResumedAt = &at
	m.state.ResumedBy = actor
	m.state.UpdatedAt = at
	return nil
}

func (m *memStore) AppendCostEvent(ctx context.Context, ev CostEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) SumSince(ctx context.Context, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, e := range m.events {
		if !e.Timestamp.Before(since) {
			sum += e.USDCost
		}
	}
	return sum, nil
}

func TestCostFailsClosedWithoutPricingEntry(t *testing.T) {
	pricing := catalog.PricingCatalog{Entries: []catalog.PricingEntry{
		{ModelID: "gpt-4o", InputPrice: 0.005, OutputPrice: 0.015},
	}}
	if _, err := Cost(pricing, "claude-unknown", 1000, 1000); err == nil {
		t.Fatal("expected fail-closed error for a model with no exact or wildcard pricing entry")
	}
}

func TestCostWildcardFallback(t *testing.T) {
	pricing := catalog.PricingCatalog{Entries: []catalog.PricingEntry{
		{ModelID: "*", InputPrice: 0.01, OutputPrice: 0.02},
	}}
	cost, err := Cost(pricing, "anything", 1000, 500)
	if err != nil {
		t.Fatal(err)
	}
	want := 1.0*0.01 + 0.5*0.02
	if cost != want {
		t.Fatalf("got %v, want %v", cost, want)
	}
}

// TestBudgetSuspensionScenario is the literal end-to-end scenario: with an
// hourly cap of 1.00 USD, actual cost events summing to 0.99 followed by a
// projected call estimating 0.05 must suspend with a reason naming
// "1.04 > 1.00", and the projected check itself must never record cost.
func TestBudgetSuspensionScenario(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	ctrl := &Controller{Store: store, Caps: Caps{HourlyUSD: 1.00, DailyUSD: 100}, Now: func() time.Time { return now }}
	ctx := context.Background()

	if _, _, err := ctrl.RecordActual(ctx, CostEvent{Timestamp: now.Add(-time.Minute), Model: "gpt-4o", USDCost: 0.99}); err != nil {
		t.Fatal(err)
	}

	suspended, reason, err := ctrl.CheckProjected(ctx, 0.05)
	if err != nil {
		t.Fatal(err)
	}
	if !suspended {
		t.Fatal("expected projected check to trip the hourly cap")
	}
	if reason != "hourly budget exceeded: 1.04 > 1.00" {
		t.Fatalf("unexpected reason: %q", reason)
	}

	if len(store.events) != 1 {
		t.Fatalf("projected check must never record a cost event, got %d events", len(store.events))
	}
}

func TestSuspensionIsMonotoneUntilExplicitResume(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	ctrl := &Controller{Store: store, Caps: Caps{HourlyUSD: 1.00}, Now: func() time.Time { return now }}
	ctx := context.Background()

	if _, _, err := ctrl.RecordActual(ctx, CostEvent{Timestamp: now, USDCost: 2.00}); err != nil {
		t.Fatal(err)
	}
	state, err := store.GetState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Suspended {
		t.Fatal("expected suspension after crossing cap")
	}

	suspended, reason, err := ctrl.CheckProjected(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !suspended || reason == "" {
		t.Fatal("expected suspension to persist across a subsequent check without a resume")
	}

	if err := ctrl.Resume(ctx, "carol"); err != nil {
		t.Fatal(err)
	}
	state, err = store.GetState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Suspended {
		t.Fatal("expected explicit resume to clear suspension")
	}
}

func TestResumeRequiresActor(t *testing.T) {
	ctrl := NewController(newMemStore(), Caps{HourlyUSD: 1.00})
	if err := ctrl.Resume(context.Background(), ""); err == nil {
		t.Fatal("expected resume without an actor identity to be rejected")
	}
}
