package subscriber

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/segment"
)

// Builder assembles the flat evaluation context a segment rule runs
// against. It joins the subscriber row, the activity snapshot and the
// send-log engagement aggregate into the fixed field vocabulary:
//
//	status, source, tags, createdAt,
//	ordersCount, totalSpent, lastOrderAt, lastLoginAt, downloadsCount,
//	lastEmailOpenAt, lastEmailClickAt
//
// Every field is always present; a fact with no value is present with
// nil so is_null/not_null behave predictably.
type Builder struct {
	store *Store
}

func NewBuilder(store *Store) *Builder {
	return &Builder{store: store}
}

// Build returns the evaluation context for one subscriber.
func (b *Builder) Build(ctx context.Context, subscriberID uuid.UUID) (segment.Context, error) {
	sub, err := b.store.Get(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("subscriber %s not found", subscriberID)
	}
	metrics, err := b.store.Metrics(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	engagement, err := b.store.Engagement(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	return assemble(sub, metrics, engagement), nil
}

// BuildAll returns contexts for the whole population using a constant
// number of queries regardless of population size.
func (b *Builder) BuildAll(ctx context.Context) (map[uuid.UUID]segment.Context, error) {
	subs, err := b.store.List(ctx)
	if err != nil {
		return nil, err
	}
	metrics, err := b.store.MetricsAll(ctx)
	if err != nil {
		return nil, err
	}
	engagement, err := b.store.EngagementAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID]segment.Context, len(subs))
	for _, sub := range subs {
		out[sub.ID] = assemble(sub, metrics[sub.ID], engagement[sub.ID])
	}
	return out, nil
}

func assemble(sub *Subscriber, m Metrics, e Engagement) segment.Context {
	return segment.Context{
		"status":           sub.Status,
		"source":           sub.Source,
		"tags":             sub.Tags,
		"createdAt":        sub.CreatedAt,
		"ordersCount":      m.OrdersCount,
		"totalSpent":       m.TotalSpent,
		"lastOrderAt":      m.LastOrderAt,
		"lastLoginAt":      m.LastLoginAt,
		"downloadsCount":   m.DownloadsCount,
		"lastEmailOpenAt":  e.LastOpenAt,
		"lastEmailClickAt": e.LastClickAt,
	}
}
