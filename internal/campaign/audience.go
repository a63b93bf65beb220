package campaign

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/subscriber"
)

// SegmentResolver supplies cached segment membership unions.
// Implemented by the segment resolver.
type SegmentResolver interface {
	ResolveMultiple(ctx context.Context, segmentIDs []uuid.UUID) ([]uuid.UUID, error)
}

// Directory is the subscriber lookup surface audience resolution
// needs. Implemented by the subscriber store.
type Directory interface {
	Get(ctx context.Context, id uuid.UUID) (*subscriber.Subscriber, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*subscriber.Subscriber, error)
	ListByAudience(ctx context.Context, tags, sources, excludeTags []string) ([]*subscriber.Subscriber, error)
}

// Recipient is one resolved audience member. Subscriber is nil for
// manual-list addresses that have no subscriber record.
type Recipient struct {
	Subscriber *subscriber.Subscriber
	Email      string
}

// AudienceResolver turns an AudienceFilter into a concrete, deduplicated
// recipient list.
type AudienceResolver struct {
	segments    SegmentResolver
	subscribers Directory
}

func NewAudienceResolver(segments SegmentResolver, subscribers Directory) *AudienceResolver {
	return &AudienceResolver{segments: segments, subscribers: subscribers}
}

// Resolve computes (segment members ∪ tag/source matches) minus
// exclusions, restricted to ACTIVE subscribers, then appends the
// case-folded manual list. Each email address appears at most once.
func (r *AudienceResolver) Resolve(ctx context.Context, filter AudienceFilter) ([]Recipient, error) {
	excluded := make(map[uuid.UUID]struct{})
	if len(filter.ExcludeSegmentIDs) > 0 {
		ids, err := r.segments.ResolveMultiple(ctx, filter.ExcludeSegmentIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve excluded segments: %w", err)
		}
		for _, id := range ids {
			excluded[id] = struct{}{}
		}
	}

	seenID := make(map[uuid.UUID]struct{})
	seenEmail := make(map[string]struct{})
	var recipients []Recipient

	include := func(sub *subscriber.Subscriber) {
		if sub.Status != subscriber.StatusActive {
			return
		}
		if _, skip := excluded[sub.ID]; skip {
			return
		}
		if hasAnyTag(sub.Tags, filter.ExcludeTags) {
			return
		}
		if _, dup := seenID[sub.ID]; dup {
			return
		}
		email := subscriber.NormalizeEmail(sub.Email)
		if _, dup := seenEmail[email]; dup {
			return
		}
		seenID[sub.ID] = struct{}{}
		seenEmail[email] = struct{}{}
		recipients = append(recipients, Recipient{Subscriber: sub, Email: email})
	}

	if len(filter.SegmentIDs) > 0 {
		memberIDs, err := r.segments.ResolveMultiple(ctx, filter.SegmentIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segments: %w", err)
		}
		members, err := r.subscribers.GetByIDs(ctx, memberIDs)
		if err != nil {
			return nil, err
		}
		for _, sub := range members {
			include(sub)
		}
	}

	if len(filter.Tags) > 0 || len(filter.Sources) > 0 {
		matches, err := r.subscribers.ListByAudience(ctx, filter.Tags, filter.Sources, filter.ExcludeTags)
		if err != nil {
			return nil, err
		}
		for _, sub := range matches {
			include(sub)
		}
	}

	// Manual addresses bypass subscriber records and therefore all
	// status/tag exclusions; they still dedupe against everyone above.
	for _, raw := range filter.ManualEmails {
		email := subscriber.NormalizeEmail(raw)
		if email == "" {
			continue
		}
		if _, dup := seenEmail[email]; dup {
			continue
		}
		seenEmail[email] = struct{}{}
		recipients = append(recipients, Recipient{Email: email})
	}

	return recipients, nil
}

func hasAnyTag(tags, wanted []string) bool {
	for _, tag := range tags {
		for _, w := range wanted {
			if tag == w {
				return true
			}
		}
	}
	return false
}
