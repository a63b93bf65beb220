package segment

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Resolver computes segment membership and maintains the membership
// cache. Postgres is the authoritative cache; Redis carries a mirror of
// each segment's member set for cheap membership probes, and is treated
// as best-effort: a Redis failure degrades to Postgres, never to an
// error.
type Resolver struct {
	store  *Store
	source ContextSource
	redis  *redis.Client
	now    func() time.Time
}

func NewResolver(store *Store, source ContextSource, rdb *redis.Client) *Resolver {
	return &Resolver{
		store:  store,
		source: source,
		redis:  rdb,
		now:    time.Now,
	}
}

func memberSetKey(segmentID uuid.UUID) string {
	return "segment:members:" + segmentID.String()
}

// Resolve re-evaluates a segment against the whole subscriber
// population and atomically replaces its cached membership.
func (r *Resolver) Resolve(ctx context.Context, segmentID uuid.UUID) (*Result, error) {
	seg, err := r.store.Get(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if seg == nil {
		return nil, fmt.Errorf("segment %s not found", segmentID)
	}

	start := r.now()
	contexts, err := r.source.BuildAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build contexts: %w", err)
	}

	memberIDs := make([]uuid.UUID, 0, len(contexts))
	for id, c := range contexts {
		if Evaluate(seg.Rule, c, start) {
			memberIDs = append(memberIDs, id)
		}
	}
	sort.Slice(memberIDs, func(i, j int) bool {
		return memberIDs[i].String() < memberIDs[j].String()
	})

	if err := r.store.ReplaceCache(ctx, segmentID, memberIDs, start); err != nil {
		return nil, err
	}
	r.mirrorToRedis(ctx, segmentID, memberIDs)

	elapsed := r.now().Sub(start)
	log.Printf("[SegmentResolver] Resolved segment %s: %d members in %dms", segmentID, len(memberIDs), elapsed.Milliseconds())

	return &Result{
		SegmentID:    segmentID,
		MemberIDs:    memberIDs,
		MemberCount:  len(memberIDs),
		CalculatedAt: start,
		DurationMs:   elapsed.Milliseconds(),
	}, nil
}

// ResolveAll rebuilds every segment cache. Used by the scheduler.
func (r *Resolver) ResolveAll(ctx context.Context) error {
	segments, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if _, err := r.Resolve(ctx, seg.ID); err != nil {
			log.Printf("[SegmentResolver] Failed to resolve segment %s: %v", seg.ID, err)
		}
	}
	return nil
}

// Preview evaluates a rule without persisting anything. Used when
// editing a segment to show a live match count.
func (r *Resolver) Preview(ctx context.Context, rule Rule) (*Result, error) {
	start := r.now()
	contexts, err := r.source.BuildAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build contexts: %w", err)
	}

	count := 0
	for _, c := range contexts {
		if Evaluate(rule, c, start) {
			count++
		}
	}
	return &Result{
		MemberCount:  count,
		CalculatedAt: start,
		DurationMs:   r.now().Sub(start).Milliseconds(),
	}, nil
}

// IsMember reports whether a subscriber belongs to a segment. It probes
// the Redis mirror first, falls back to the Postgres cache, and for
// segments that have never been resolved evaluates the rule live for
// just that subscriber.
func (r *Resolver) IsMember(ctx context.Context, segmentID, subscriberID uuid.UUID) (bool, error) {
	if r.redis != nil {
		member, err := r.redis.SIsMember(ctx, memberSetKey(segmentID), subscriberID.String()).Result()
		if err == nil && member {
			return true, nil
		}
		if err != nil {
			log.Printf("[SegmentResolver] Redis membership probe failed: %v", err)
		}
	}

	seg, err := r.store.Get(ctx, segmentID)
	if err != nil {
		return false, err
	}
	if seg == nil {
		return false, fmt.Errorf("segment %s not found", segmentID)
	}
	if seg.LastResolvedAt != nil {
		return r.store.IsCachedMember(ctx, segmentID, subscriberID)
	}

	// Never resolved: evaluate live for this one subscriber.
	c, err := r.source.Build(ctx, subscriberID)
	if err != nil {
		return false, fmt.Errorf("failed to build context: %w", err)
	}
	return Evaluate(seg.Rule, c, r.now()), nil
}

// ResolveMultiple returns the deduplicated union of the membership of
// several segments. Segments that have never been resolved are
// recomputed first, so a campaign targeting a fresh segment never sends
// to an empty audience by accident. Campaign audience resolution builds
// on this.
func (r *Resolver) ResolveMultiple(ctx context.Context, segmentIDs []uuid.UUID) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{})
	var union []uuid.UUID
	for _, segID := range segmentIDs {
		seg, err := r.store.Get(ctx, segID)
		if err != nil {
			return nil, err
		}
		if seg == nil {
			return nil, fmt.Errorf("segment %s not found", segID)
		}

		var members []uuid.UUID
		if seg.LastResolvedAt == nil {
			result, err := r.Resolve(ctx, segID)
			if err != nil {
				return nil, err
			}
			members = result.MemberIDs
		} else {
			members, err = r.store.CachedMembers(ctx, segID)
			if err != nil {
				return nil, err
			}
		}
		for _, id := range members {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	return union, nil
}

// mirrorToRedis replaces the Redis member set for a segment. Failures
// are logged and swallowed; the Postgres cache remains authoritative.
func (r *Resolver) mirrorToRedis(ctx context.Context, segmentID uuid.UUID, memberIDs []uuid.UUID) {
	if r.redis == nil {
		return
	}
	key := memberSetKey(segmentID)
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, key)
	if len(memberIDs) > 0 {
		members := make([]interface{}, len(memberIDs))
		for i, id := range memberIDs {
			members[i] = id.String()
		}
		pipe.SAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[SegmentResolver] Failed to mirror segment %s to redis: %v", segmentID, err)
	}
}
