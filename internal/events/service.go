// Package events is the single entry point for inbound business events
// (orders, registrations, downloads). An event fans out to automation
// trigger matching and a score recomputation for the affected
// subscriber.
package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/automation"
	"github.com/ignite/audience-engine/internal/scoring"
	"github.com/ignite/audience-engine/internal/subscriber"
)

// Automations matches events against active automations. Implemented by
// the automation engine.
type Automations interface {
	HandleEvent(ctx context.Context, ev automation.Event) error
}

// Scores recomputes a subscriber's engagement score. Implemented by the
// scoring engine.
type Scores interface {
	ComputeScore(ctx context.Context, subscriberID uuid.UUID) (int, scoring.Breakdown, error)
}

// Subscribers resolves event emails to subscriber rows. Implemented by
// the subscriber service.
type Subscribers interface {
	FindOrCreate(ctx context.Context, email, source string) (*subscriber.Subscriber, error)
}

type Service struct {
	automations Automations
	scores      Scores
	subscribers Subscribers
	now         func() time.Time
}

func NewService(automations Automations, scores Scores, subscribers Subscribers) *Service {
	return &Service{
		automations: automations,
		scores:      scores,
		subscribers: subscribers,
		now:         time.Now,
	}
}

// RecordEvent processes one business event. Automation matching errors
// fail the event (callers retry); scoring errors are logged and
// swallowed, a stale score never rejects an event.
func (s *Service) RecordEvent(ctx context.Context, ev automation.Event) error {
	if ev.Email == "" {
		return fmt.Errorf("event has no email")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}

	if err := s.automations.HandleEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to handle %s: %w", ev.Kind, err)
	}

	sub, err := s.subscribers.FindOrCreate(ctx, ev.Email, ev.Kind)
	if err != nil {
		log.Printf("[Events] Failed to resolve subscriber for scoring: %v", err)
		return nil
	}
	if _, _, err := s.scores.ComputeScore(ctx, sub.ID); err != nil {
		log.Printf("[Events] Failed to recompute score for %s: %v", sub.ID, err)
	}
	return nil
}
