package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/automation"
	"github.com/ignite/audience-engine/internal/scoring"
	"github.com/ignite/audience-engine/internal/subscriber"
)

type fakeAutomations struct {
	events []automation.Event
	err    error
}

func (f *fakeAutomations) HandleEvent(_ context.Context, ev automation.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

type fakeScores struct {
	computed []uuid.UUID
	err      error
}

func (f *fakeScores) ComputeScore(_ context.Context, id uuid.UUID) (int, scoring.Breakdown, error) {
	if f.err != nil {
		return 0, nil, f.err
	}
	f.computed = append(f.computed, id)
	return 50, scoring.Breakdown{}, nil
}

type fakeSubscribers struct {
	sub *subscriber.Subscriber
}

func (f *fakeSubscribers) FindOrCreate(_ context.Context, email, source string) (*subscriber.Subscriber, error) {
	if f.sub == nil {
		f.sub = &subscriber.Subscriber{ID: uuid.New(), Email: email, Status: subscriber.StatusActive, Source: source}
	}
	return f.sub, nil
}

func TestRecordEventFansOut(t *testing.T) {
	automations := &fakeAutomations{}
	scores := &fakeScores{}
	subs := &fakeSubscribers{}
	svc := NewService(automations, scores, subs)

	ev := automation.Event{Kind: automation.TriggerOrderPaid, Email: "buyer@example.com", OccurredAt: time.Now()}
	if err := svc.RecordEvent(context.Background(), ev); err != nil {
		t.Fatalf("RecordEvent() error: %v", err)
	}

	if len(automations.events) != 1 {
		t.Errorf("automation events = %d, want 1", len(automations.events))
	}
	if len(scores.computed) != 1 || scores.computed[0] != subs.sub.ID {
		t.Errorf("scores computed = %v, want [%s]", scores.computed, subs.sub.ID)
	}
}

func TestRecordEventScoringErrorIsSwallowed(t *testing.T) {
	automations := &fakeAutomations{}
	scores := &fakeScores{err: fmt.Errorf("db down")}
	svc := NewService(automations, scores, &fakeSubscribers{})

	ev := automation.Event{Kind: automation.TriggerUserRegistered, Email: "new@example.com"}
	if err := svc.RecordEvent(context.Background(), ev); err != nil {
		t.Errorf("RecordEvent() error: %v, scoring failures must not fail the event", err)
	}
	if len(automations.events) != 1 {
		t.Errorf("automation events = %d, want 1", len(automations.events))
	}
}

func TestRecordEventAutomationErrorPropagates(t *testing.T) {
	automations := &fakeAutomations{err: fmt.Errorf("deadlock")}
	scores := &fakeScores{}
	svc := NewService(automations, scores, &fakeSubscribers{})

	ev := automation.Event{Kind: automation.TriggerOrderPaid, Email: "buyer@example.com"}
	if err := svc.RecordEvent(context.Background(), ev); err == nil {
		t.Error("RecordEvent() = nil, want error so the producer retries")
	}
	if len(scores.computed) != 0 {
		t.Errorf("score computed despite automation failure")
	}
}

func TestRecordEventRequiresEmail(t *testing.T) {
	svc := NewService(&fakeAutomations{}, &fakeScores{}, &fakeSubscribers{})
	if err := svc.RecordEvent(context.Background(), automation.Event{Kind: automation.TriggerOrderPaid}); err == nil {
		t.Error("RecordEvent() accepted an event without an email")
	}
}
