// Package scoring computes the 0-100 engagement score shown on
// subscriber profiles and usable as a segmentation input. The score is
// always recomputed from scratch; there is no incremental bookkeeping
// to drift.
package scoring

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/segment"
	"github.com/ignite/audience-engine/internal/subscriber"
)

// Weights configures the signal points. Positive signals add, the
// inactivity penalties subtract.
type Weights struct {
	OpenRecent     int     // email open within RecentDays
	ClickRecent    int     // email click within RecentDays
	OrderRecent    int     // order within OrderDays
	HighSpend      int     // lifetime spend at or above SpendThreshold
	HasOrdered     int     // at least one order ever
	InactiveMedium int     // no activity for 30-60 days (subtracted)
	InactiveLong   int     // no activity for more than 60 days (subtracted)
	RecentDays     int
	OrderDays      int
	SpendThreshold float64
}

// DefaultWeights returns the production weighting.
func DefaultWeights() Weights {
	return Weights{
		OpenRecent:     10,
		ClickRecent:    20,
		OrderRecent:    30,
		HighSpend:      15,
		HasOrdered:     10,
		InactiveMedium: 10,
		InactiveLong:   20,
		RecentDays:     7,
		OrderDays:      30,
		SpendThreshold: 100,
	}
}

// Breakdown maps each contributing signal to its points, persisted
// alongside the score so admins can see why a subscriber scored what
// they did.
type Breakdown map[string]int

// ScoreStore persists computed scores. Implemented by the subscriber
// store.
type ScoreStore interface {
	SaveScore(ctx context.Context, id uuid.UUID, score int, breakdown subscriber.JSON) error
}

// Engine computes and persists engagement scores.
type Engine struct {
	source  segment.ContextSource
	store   ScoreStore
	weights Weights
	now     func() time.Time
}

func NewEngine(source segment.ContextSource, store ScoreStore, weights Weights) *Engine {
	return &Engine{source: source, store: store, weights: weights, now: time.Now}
}

// ComputeScore recomputes one subscriber's score from a fresh context
// and persists score and breakdown.
func (e *Engine) ComputeScore(ctx context.Context, subscriberID uuid.UUID) (int, Breakdown, error) {
	c, err := e.source.Build(ctx, subscriberID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build context: %w", err)
	}
	score, breakdown := e.score(c, e.now())
	if err := e.store.SaveScore(ctx, subscriberID, score, breakdownJSON(breakdown)); err != nil {
		return 0, nil, err
	}
	return score, breakdown, nil
}

// RecomputeAll rescans the population. Per-subscriber failures are
// logged and skipped. Run by the scheduler.
func (e *Engine) RecomputeAll(ctx context.Context) error {
	contexts, err := e.source.BuildAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to build contexts: %w", err)
	}
	now := e.now()
	updated := 0
	for id, c := range contexts {
		score, breakdown := e.score(c, now)
		if err := e.store.SaveScore(ctx, id, score, breakdownJSON(breakdown)); err != nil {
			log.Printf("[ScoringEngine] Failed to save score for %s: %v", id, err)
			continue
		}
		updated++
	}
	log.Printf("[ScoringEngine] Recomputed %d scores", updated)
	return nil
}

// score applies the weighted signals and clamps to [0, 100].
func (e *Engine) score(c segment.Context, now time.Time) (int, Breakdown) {
	w := e.weights
	breakdown := Breakdown{}
	total := 0

	add := func(signal string, points int) {
		breakdown[signal] = points
		total += points
	}

	lastOpen := contextTime(c, "lastEmailOpenAt")
	lastClick := contextTime(c, "lastEmailClickAt")
	lastOrder := contextTime(c, "lastOrderAt")
	lastLogin := contextTime(c, "lastLoginAt")

	if within(lastOpen, now, w.RecentDays) {
		add("open_recent", w.OpenRecent)
	}
	if within(lastClick, now, w.RecentDays) {
		add("click_recent", w.ClickRecent)
	}
	if within(lastOrder, now, w.OrderDays) {
		add("order_recent", w.OrderRecent)
	}
	if spent, ok := contextFloat(c, "totalSpent"); ok && spent >= w.SpendThreshold {
		add("high_spend", w.HighSpend)
	}
	if orders, ok := contextInt(c, "ordersCount"); ok && orders >= 1 {
		add("has_ordered", w.HasOrdered)
	}

	// Inactivity counts from the most recent activity of any kind,
	// falling back to signup time for subscribers who never did
	// anything.
	ref := latest(lastOpen, lastClick, lastOrder, lastLogin)
	if ref == nil {
		ref = contextTime(c, "createdAt")
	}
	if ref != nil {
		days := int(now.Sub(*ref).Hours() / 24)
		switch {
		case days > 60:
			add("inactive_long", -w.InactiveLong)
		case days > 30:
			add("inactive_medium", -w.InactiveMedium)
		}
	}

	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	return total, breakdown
}

func within(t *time.Time, now time.Time, days int) bool {
	return t != nil && !t.Before(now.AddDate(0, 0, -days))
}

func latest(ts ...*time.Time) *time.Time {
	var best *time.Time
	for _, t := range ts {
		if t == nil {
			continue
		}
		if best == nil || t.After(*best) {
			best = t
		}
	}
	return best
}

func contextTime(c segment.Context, field string) *time.Time {
	switch v := c[field].(type) {
	case *time.Time:
		return v
	case time.Time:
		return &v
	}
	return nil
}

func contextFloat(c segment.Context, field string) (float64, bool) {
	switch v := c[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func contextInt(c segment.Context, field string) (int, bool) {
	switch v := c[field].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func breakdownJSON(b Breakdown) subscriber.JSON {
	out := subscriber.JSON{}
	for signal, points := range b {
		out[signal] = points
	}
	return out
}
