// Package budget implements the budget controller: projected-vs-actual USD
// cost accounting against hourly and daily caps, with automatic,
// monotonic suspension that only an explicit operator resume clears.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/clawee/sidecar/pkg/catalog"
)

// State is the singleton suspension state.
type State struct {
	Suspended   bool
	Reason      string
	TriggeredAt *time.Time
	ResumedAt   *time.Time
	ResumedBy   string
	UpdatedAt   time.Time
}

// CostEvent is one append-only row in the cost_events log.
type CostEvent struct {
	Timestamp    time.Time
	Model        string
	InputTokens  int
	OutputTokens int
	USDCost      float64
	RequestPath  string
}

// Store is the persistence contract the controller relies on.
type Store interface {
	GetState(ctx context.Context) (State, error)
	Suspend(ctx context.Context, reason string, at time.Time) error
	Resume(ctx context.Context, actor string, at time.Time) error
	AppendCostEvent(ctx context.Context, ev CostEvent) error
	SumSince(ctx context.Context, since time.Time) (float64, error)
}

// Cost computes input_tokens/1000*input_price + output_tokens/1000*output_price.
// If neither an exact model entry nor a "*" fallback exists, evaluation
// fails closed.
func Cost(pricing catalog.PricingCatalog, modelID string, inputTokens, outputTokens int) (float64, error) {
	entry, ok := pricing.Lookup(modelID)
	if !ok {
		return 0, fmt.Errorf("pricing catalog has no entry or wildcard for model %q; failing closed", modelID)
	}
	return float64(inputTokens)/1000*entry.InputPrice + float64(outputTokens)/1000*entry.OutputPrice, nil
}

// Caps is the operator-configured hourly and daily USD ceilings.
type Caps struct {
	HourlyUSD float64
	DailyUSD  float64
}

// Controller drives the projected and actual budget checks against Store.
type Controller struct {
	Store Store
	Caps  Caps
	Now   func() time.Time
}

// NewController constructs a Controller with the real clock.
func NewController(store Store, caps Caps) *Controller {
	return &Controller{Store: store, Caps: caps, Now: time.Now}
}

func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CheckProjected implements the pre-forward budget gate: if already
// suspended, it returns the stored reason; otherwise it estimates whether
// adding projection would cross either window's cap and, if so, suspends
// and returns the new reason. Projected checks never record cost.
func (c *Controller) CheckProjected(ctx context.Context, projection float64) (suspended bool, reason string, err error) {
	state, err := c.Store.GetState(ctx)
	if err != nil {
		return false, "", err
	}
	if state.Suspended {
		return true, state.Reason, nil
	}
	now := c.Now()
	hourlySum, err := c.Store.SumSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return false, "", err
	}
	dailySum, err := c.Store.SumSince(ctx, startOfUTCDay(now))
	if err != nil {
		return false, "", err
	}
	if reason, crossed := c.crossesCap(hourlySum, dailySum, projection); crossed {
		if err := c.Store.Suspend(ctx, reason, now); err != nil {
			return false, "", err
		}
		return true, reason, nil
	}
	return false, "", nil
}

// RecordActual appends the observed cost event and re-evaluates caps
// against the now-larger actual sums; if crossed, it suspends.
func (c *Controller) RecordActual(ctx context.Context, ev CostEvent) (suspended bool, reason string, err error) {
	if err := c.Store.AppendCostEvent(ctx, ev); err != nil {
		return false, "", err
	}
	now := c.Now()
	hourlySum, err := c.Store.SumSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return false, "", err
	}
	dailySum, err := c.Store.SumSince(ctx, startOfUTCDay(now))
	if err != nil {
		return false, "", err
	}
	if reason, crossed := c.crossesCap(hourlySum, dailySum, 0); crossed {
		if err := c.Store.Suspend(ctx, reason, now); err != nil {
			return false, "", err
		}
		return true, reason, nil
	}
	return false, "", nil
}

func (c *Controller) crossesCap(hourlySum, dailySum, projection float64) (string, bool) {
	if c.Caps.HourlyUSD > 0 {
		total := hourlySum + projection
		if total > c.Caps.HourlyUSD {
			return fmt.Sprintf("hourly budget exceeded: %.2f > %.2f", total, c.Caps.HourlyUSD), true
		}
	}
	if c.Caps.DailyUSD > 0 {
		total := dailySum + projection
		if total > c.Caps.DailyUSD {
			return fmt.Sprintf("daily budget exceeded: %.2f > %.2f", total, c.Caps.DailyUSD), true
		}
	}
	return "", false
}

// Resume clears suspension; only an explicit operator call with an actor
// identity may do this.
func (c *Controller) Resume(ctx context.Context, actor string) error {
	if actor == "" {
		return fmt.Errorf("resume requires an actor identity")
	}
	return c.Store.Resume(ctx, actor, c.Now())
}
