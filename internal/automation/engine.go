package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/segment"
	"github.com/ignite/audience-engine/internal/subscriber"
	"github.com/ignite/audience-engine/internal/template"
)

// Stores is the persistence surface the engine needs. Implemented by
// *Store.
type Stores interface {
	GetAutomation(ctx context.Context, id uuid.UUID) (*Automation, error)
	ListActiveByTrigger(ctx context.Context, kind string) ([]*Automation, error)
	ListActiveThreshold(ctx context.Context) ([]*Automation, error)
	StartRun(ctx context.Context, run *Run) (bool, error)
	ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*Run, error)
	AdvanceRun(ctx context.Context, runID uuid.UUID, fromStep int, nextRunAt, now time.Time) (bool, error)
	CompleteRun(ctx context.Context, runID uuid.UUID, now time.Time) error
	CancelRun(ctx context.Context, runID uuid.UUID, reason string, now time.Time) error
}

// Subscribers resolves event emails to subscriber rows, creating them
// on first contact.
type Subscribers interface {
	FindOrCreate(ctx context.Context, email, source string) (*subscriber.Subscriber, error)
}

// Membership answers segment membership for segment-bound automations.
type Membership interface {
	IsMember(ctx context.Context, segmentID, subscriberID uuid.UUID) (bool, error)
}

// Mailer sends one automation step email. A missing template is
// reported as template.ErrNotFound; any other error is treated as
// transient.
type Mailer interface {
	SendStep(ctx context.Context, subscriberID, templateID uuid.UUID) error
}

// Engine matches events to automations, advances due runs and sweeps
// for inactivity triggers. Ticking is driven externally by the
// scheduler.
type Engine struct {
	store       Stores
	subscribers Subscribers
	membership  Membership
	source      segment.ContextSource
	mailer      Mailer
	batchSize   int
	now         func() time.Time
}

func NewEngine(store Stores, subs Subscribers, membership Membership, source segment.ContextSource, mailer Mailer) *Engine {
	return &Engine{
		store:       store,
		subscribers: subs,
		membership:  membership,
		source:      source,
		mailer:      mailer,
		batchSize:   100,
		now:         time.Now,
	}
}

// HandleEvent starts runs for every ACTIVE automation matching the
// event kind. The subscriber row is created on first contact. Starting
// is idempotent: a subscriber with a RUNNING run for an automation is
// not enrolled twice, so event replays are harmless.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) error {
	sub, err := e.subscribers.FindOrCreate(ctx, ev.Email, ev.Kind)
	if err != nil {
		return fmt.Errorf("failed to resolve subscriber: %w", err)
	}

	automations, err := e.store.ListActiveByTrigger(ctx, ev.Kind)
	if err != nil {
		return fmt.Errorf("failed to match automations: %w", err)
	}

	for _, a := range automations {
		if len(a.Steps) == 0 {
			continue
		}
		ok, err := e.eligible(ctx, a, sub.ID)
		if err != nil {
			log.Printf("[AutomationEngine] Eligibility check failed for %s: %v", a.ID, err)
			continue
		}
		if !ok {
			continue
		}
		e.startRun(ctx, a, sub.ID)
	}
	return nil
}

// Tick advances every due RUNNING run by at most one step.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.now()
	runs, err := e.store.ListDueRuns(ctx, now, e.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list due runs: %w", err)
	}

	for _, run := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.advance(ctx, run, now)
	}
	return nil
}

func (e *Engine) advance(ctx context.Context, run *Run, now time.Time) {
	a, err := e.store.GetAutomation(ctx, run.AutomationID)
	if err != nil {
		log.Printf("[AutomationEngine] Failed to load automation for run %s: %v", run.ID, err)
		return
	}
	if a == nil {
		e.cancel(ctx, run, "automation deleted", now)
		return
	}
	// PAUSED stops advancement but leaves the run RUNNING; it resumes
	// where it left off when the automation is reactivated.
	if a.Status != StatusActive {
		return
	}
	if run.CurrentStepIndex >= len(a.Steps) {
		if err := e.store.CompleteRun(ctx, run.ID, now); err != nil {
			log.Printf("[AutomationEngine] Failed to complete run %s: %v", run.ID, err)
		}
		return
	}

	step := a.Steps[run.CurrentStepIndex]

	// Step conditions see the subscriber as they are now, not as they
	// were when the run started.
	if step.Condition != nil {
		c, err := e.source.Build(ctx, run.SubscriberID)
		if err != nil {
			log.Printf("[AutomationEngine] Failed to build context for run %s: %v", run.ID, err)
			return
		}
		if !segment.Evaluate(*step.Condition, c, now) {
			e.cancel(ctx, run, "step condition not met", now)
			return
		}
	}

	if err := e.mailer.SendStep(ctx, run.SubscriberID, step.TemplateID); err != nil {
		if errors.Is(err, template.ErrNotFound) {
			e.cancel(ctx, run, "template not found", now)
			return
		}
		// Transient: leave the run due and retry next tick.
		log.Printf("[AutomationEngine] Send failed for run %s step %d: %v", run.ID, run.CurrentStepIndex, err)
		return
	}

	nextIndex := run.CurrentStepIndex + 1
	nextRunAt := now
	if nextIndex < len(a.Steps) {
		nextRunAt = now.Add(time.Duration(a.Steps[nextIndex].DelayMinutes) * time.Minute)
	}
	advanced, err := e.store.AdvanceRun(ctx, run.ID, run.CurrentStepIndex, nextRunAt, now)
	if err != nil {
		log.Printf("[AutomationEngine] Failed to advance run %s: %v", run.ID, err)
		return
	}
	if !advanced {
		// Another worker advanced the run first.
		return
	}
	if nextIndex >= len(a.Steps) {
		if err := e.store.CompleteRun(ctx, run.ID, now); err != nil {
			log.Printf("[AutomationEngine] Failed to complete run %s: %v", run.ID, err)
		}
	}
}

// SweepInactivity scans the population for threshold triggers and
// starts runs for subscribers past the threshold. Run dedup at the
// store keeps repeated sweeps from re-enrolling anyone.
func (e *Engine) SweepInactivity(ctx context.Context) error {
	automations, err := e.store.ListActiveThreshold(ctx)
	if err != nil {
		return fmt.Errorf("failed to list threshold automations: %w", err)
	}
	if len(automations) == 0 {
		return nil
	}

	contexts, err := e.source.BuildAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to build contexts: %w", err)
	}
	now := e.now()

	for _, a := range automations {
		if len(a.Steps) == 0 || a.Trigger.ThresholdDays <= 0 {
			continue
		}
		started := 0
		for subID, c := range contexts {
			if c["status"] != subscriber.StatusActive {
				continue
			}
			if !pastThreshold(a.Trigger, c, now) {
				continue
			}
			ok, err := e.eligible(ctx, a, subID)
			if err != nil || !ok {
				continue
			}
			if e.startRun(ctx, a, subID) {
				started++
			}
		}
		if started > 0 {
			log.Printf("[AutomationEngine] Inactivity sweep started %d runs for %s", started, a.Name)
		}
	}
	return nil
}

func (e *Engine) eligible(ctx context.Context, a *Automation, subscriberID uuid.UUID) (bool, error) {
	if a.SegmentID == nil {
		return true, nil
	}
	return e.membership.IsMember(ctx, *a.SegmentID, subscriberID)
}

func (e *Engine) startRun(ctx context.Context, a *Automation, subscriberID uuid.UUID) bool {
	now := e.now()
	run := &Run{
		AutomationID:  a.ID,
		SubscriberID:  subscriberID,
		StepStartedAt: now,
		NextRunAt:     now.Add(time.Duration(a.Steps[0].DelayMinutes) * time.Minute),
	}
	created, err := e.store.StartRun(ctx, run)
	if err != nil {
		log.Printf("[AutomationEngine] Failed to start run for automation %s subscriber %s: %v", a.ID, subscriberID, err)
		return false
	}
	return created
}

func (e *Engine) cancel(ctx context.Context, run *Run, reason string, now time.Time) {
	if err := e.store.CancelRun(ctx, run.ID, reason, now); err != nil {
		log.Printf("[AutomationEngine] Failed to cancel run %s: %v", run.ID, err)
	}
}

// pastThreshold reports whether the relevant activity timestamp is at
// least ThresholdDays old. Subscribers with no recorded activity count
// from signup.
func pastThreshold(t Trigger, c segment.Context, now time.Time) bool {
	var ref *time.Time
	switch t.Kind {
	case TriggerInactivityLogin:
		ref = ctxTime(c, "lastLoginAt")
	case TriggerInactivityOrder:
		ref = ctxTime(c, "lastOrderAt")
	case TriggerInactivityEngagement:
		ref = latestTime(ctxTime(c, "lastEmailOpenAt"), ctxTime(c, "lastEmailClickAt"))
	default:
		return false
	}
	if ref == nil {
		ref = ctxTime(c, "createdAt")
	}
	if ref == nil {
		return false
	}
	return !ref.After(now.AddDate(0, 0, -t.ThresholdDays))
}

func ctxTime(c segment.Context, field string) *time.Time {
	switch v := c[field].(type) {
	case *time.Time:
		return v
	case time.Time:
		return &v
	}
	return nil
}

func latestTime(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || a.After(*b) {
		return a
	}
	return b
}
