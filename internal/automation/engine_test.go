package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/segment"
	"github.com/ignite/audience-engine/internal/subscriber"
	"github.com/ignite/audience-engine/internal/template"
)

var tickNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fakeStores struct {
	automations map[uuid.UUID]*Automation
	runs        map[uuid.UUID]*Run
}

func newFakeStores(automations ...*Automation) *fakeStores {
	f := &fakeStores{
		automations: make(map[uuid.UUID]*Automation),
		runs:        make(map[uuid.UUID]*Run),
	}
	for _, a := range automations {
		f.automations[a.ID] = a
	}
	return f
}

func (f *fakeStores) GetAutomation(_ context.Context, id uuid.UUID) (*Automation, error) {
	return f.automations[id], nil
}

func (f *fakeStores) ListActiveByTrigger(_ context.Context, kind string) ([]*Automation, error) {
	var out []*Automation
	for _, a := range f.automations {
		if a.Status == StatusActive && a.Trigger.Kind == kind {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStores) ListActiveThreshold(_ context.Context) ([]*Automation, error) {
	var out []*Automation
	for _, a := range f.automations {
		if a.Status == StatusActive && a.Trigger.IsThreshold() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStores) StartRun(_ context.Context, run *Run) (bool, error) {
	for _, r := range f.runs {
		if r.AutomationID == run.AutomationID && r.SubscriberID == run.SubscriberID && r.Status == RunRunning {
			return false, nil
		}
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = RunRunning
	run.StartedAt = run.StepStartedAt
	copied := *run
	f.runs[run.ID] = &copied
	return true, nil
}

func (f *fakeStores) ListDueRuns(_ context.Context, now time.Time, limit int) ([]*Run, error) {
	var out []*Run
	for _, r := range f.runs {
		if r.Status == RunRunning && !r.NextRunAt.After(now) {
			copied := *r
			out = append(out, &copied)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStores) AdvanceRun(_ context.Context, runID uuid.UUID, fromStep int, nextRunAt, now time.Time) (bool, error) {
	r, ok := f.runs[runID]
	if !ok || r.Status != RunRunning || r.CurrentStepIndex != fromStep {
		return false, nil
	}
	r.CurrentStepIndex++
	r.StepStartedAt = now
	r.NextRunAt = nextRunAt
	return true, nil
}

func (f *fakeStores) CompleteRun(_ context.Context, runID uuid.UUID, now time.Time) error {
	if r, ok := f.runs[runID]; ok && r.Status == RunRunning {
		r.Status = RunCompleted
		r.CompletedAt = &now
	}
	return nil
}

func (f *fakeStores) CancelRun(_ context.Context, runID uuid.UUID, reason string, now time.Time) error {
	if r, ok := f.runs[runID]; ok && r.Status == RunRunning {
		r.Status = RunCancelled
		r.CancelReason = reason
		r.CompletedAt = &now
	}
	return nil
}

func (f *fakeStores) onlyRun(t *testing.T) *Run {
	t.Helper()
	if len(f.runs) != 1 {
		t.Fatalf("run count = %d, want 1", len(f.runs))
	}
	for _, r := range f.runs {
		return r
	}
	return nil
}

type fakeSubscribers struct {
	byEmail map[string]*subscriber.Subscriber
	created int
}

func (f *fakeSubscribers) FindOrCreate(_ context.Context, email, source string) (*subscriber.Subscriber, error) {
	if sub, ok := f.byEmail[email]; ok {
		return sub, nil
	}
	sub := &subscriber.Subscriber{ID: uuid.New(), Email: email, Status: subscriber.StatusActive, Source: source}
	if f.byEmail == nil {
		f.byEmail = make(map[string]*subscriber.Subscriber)
	}
	f.byEmail[email] = sub
	f.created++
	return sub, nil
}

type fakeMembership struct {
	members map[uuid.UUID]bool // keyed by subscriber ID
}

func (f *fakeMembership) IsMember(_ context.Context, _, subscriberID uuid.UUID) (bool, error) {
	return f.members[subscriberID], nil
}

type fakeMailer struct {
	sent    []uuid.UUID // template IDs in send order
	failErr error
}

func (f *fakeMailer) SendStep(_ context.Context, _, templateID uuid.UUID) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, templateID)
	return nil
}

type fakeSource struct {
	contexts map[uuid.UUID]segment.Context
}

func (f *fakeSource) Build(_ context.Context, id uuid.UUID) (segment.Context, error) {
	return f.contexts[id], nil
}

func (f *fakeSource) BuildAll(_ context.Context) (map[uuid.UUID]segment.Context, error) {
	return f.contexts, nil
}

func newTestEngine(store *fakeStores, subs *fakeSubscribers, membership *fakeMembership, source *fakeSource, mailer *fakeMailer) *Engine {
	e := NewEngine(store, subs, membership, source, mailer)
	e.now = func() time.Time { return tickNow }
	return e
}

func twoStepAutomation() *Automation {
	return &Automation{
		ID:      uuid.New(),
		Name:    "Welcome series",
		Status:  StatusActive,
		Trigger: Trigger{Kind: TriggerSubscriberCreated},
		Steps: Steps{
			{TemplateID: uuid.New(), DelayMinutes: 0},
			{TemplateID: uuid.New(), DelayMinutes: 1440},
		},
	}
}

func TestTwoStepSequenceTiming(t *testing.T) {
	a := twoStepAutomation()
	store := newFakeStores(a)
	subs := &fakeSubscribers{}
	mailer := &fakeMailer{}
	engine := newTestEngine(store, subs, &fakeMembership{}, &fakeSource{}, mailer)

	ev := Event{Kind: TriggerSubscriberCreated, Email: "jane@example.com", OccurredAt: tickNow}
	if err := engine.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}

	// First tick: step 0 has no delay and sends immediately.
	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if len(mailer.sent) != 1 || mailer.sent[0] != a.Steps[0].TemplateID {
		t.Fatalf("after first tick sent = %v, want [step 0]", mailer.sent)
	}

	// An hour later step 1 (24h delay) is not yet due.
	engine.now = func() time.Time { return tickNow.Add(time.Hour) }
	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("step 1 sent before its delay elapsed")
	}

	// Past the 24h delay the second email goes out and the run
	// completes.
	engine.now = func() time.Time { return tickNow.Add(1441 * time.Minute) }
	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if len(mailer.sent) != 2 || mailer.sent[1] != a.Steps[1].TemplateID {
		t.Fatalf("after final tick sent = %v, want both steps in order", mailer.sent)
	}
	if run := store.onlyRun(t); run.Status != RunCompleted {
		t.Errorf("run status = %s, want %s", run.Status, RunCompleted)
	}
}

func TestHandleEventIsIdempotent(t *testing.T) {
	a := twoStepAutomation()
	store := newFakeStores(a)
	engine := newTestEngine(store, &fakeSubscribers{}, &fakeMembership{}, &fakeSource{}, &fakeMailer{})

	ev := Event{Kind: TriggerSubscriberCreated, Email: "jane@example.com", OccurredAt: tickNow}
	for i := 0; i < 3; i++ {
		if err := engine.HandleEvent(context.Background(), ev); err != nil {
			t.Fatalf("HandleEvent() error: %v", err)
		}
	}
	if len(store.runs) != 1 {
		t.Errorf("run count after replayed event = %d, want 1", len(store.runs))
	}
}

func TestSegmentBoundAutomationChecksMembership(t *testing.T) {
	segID := uuid.New()
	a := twoStepAutomation()
	a.SegmentID = &segID

	store := newFakeStores(a)
	engine := newTestEngine(store, &fakeSubscribers{}, &fakeMembership{members: map[uuid.UUID]bool{}}, &fakeSource{}, &fakeMailer{})

	ev := Event{Kind: TriggerSubscriberCreated, Email: "jane@example.com", OccurredAt: tickNow}
	if err := engine.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if len(store.runs) != 0 {
		t.Errorf("non-member was enrolled in segment-bound automation")
	}
}

func TestStepConditionFalseCancelsRun(t *testing.T) {
	a := twoStepAutomation()
	a.Steps[0].Condition = &segment.Rule{
		Conditions: []segment.Condition{
			{Field: "status", Operator: segment.OpEquals, Value: subscriber.StatusActive},
		},
	}
	store := newFakeStores(a)
	subs := &fakeSubscribers{}
	mailer := &fakeMailer{}

	engine := newTestEngine(store, subs, &fakeMembership{}, &fakeSource{contexts: map[uuid.UUID]segment.Context{}}, mailer)
	ev := Event{Kind: TriggerSubscriberCreated, Email: "jane@example.com", OccurredAt: tickNow}
	if err := engine.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}

	// The subscriber unsubscribed between enrollment and the tick.
	sub := subs.byEmail["jane@example.com"]
	engine.source = &fakeSource{contexts: map[uuid.UUID]segment.Context{
		sub.ID: {"status": subscriber.StatusUnsubscribed},
	}}

	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	run := store.onlyRun(t)
	if run.Status != RunCancelled {
		t.Fatalf("run status = %s, want %s", run.Status, RunCancelled)
	}
	if run.CancelReason != "step condition not met" {
		t.Errorf("cancel reason = %q", run.CancelReason)
	}
	if len(mailer.sent) != 0 {
		t.Error("email sent despite failed step condition")
	}
}

func TestMissingTemplateCancelsRun(t *testing.T) {
	a := twoStepAutomation()
	store := newFakeStores(a)
	mailer := &fakeMailer{failErr: template.ErrNotFound}
	engine := newTestEngine(store, &fakeSubscribers{}, &fakeMembership{}, &fakeSource{}, mailer)

	ev := Event{Kind: TriggerSubscriberCreated, Email: "jane@example.com", OccurredAt: tickNow}
	if err := engine.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	run := store.onlyRun(t)
	if run.Status != RunCancelled || run.CancelReason != "template not found" {
		t.Errorf("run = %s/%q, want cancelled for missing template", run.Status, run.CancelReason)
	}
}

func TestTransientSendFailureRetries(t *testing.T) {
	a := twoStepAutomation()
	store := newFakeStores(a)
	mailer := &fakeMailer{failErr: errors.New("throttled")}
	engine := newTestEngine(store, &fakeSubscribers{}, &fakeMembership{}, &fakeSource{}, mailer)

	ev := Event{Kind: TriggerSubscriberCreated, Email: "jane@example.com", OccurredAt: tickNow}
	if err := engine.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	run := store.onlyRun(t)
	if run.Status != RunRunning || run.CurrentStepIndex != 0 {
		t.Fatalf("run = %s step %d, want still RUNNING at step 0", run.Status, run.CurrentStepIndex)
	}

	// Transport recovers; the next tick retries the same step.
	mailer.failErr = nil
	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Errorf("sent = %d after retry, want 1", len(mailer.sent))
	}
}

func TestPausedAutomationDoesNotAdvance(t *testing.T) {
	a := twoStepAutomation()
	store := newFakeStores(a)
	mailer := &fakeMailer{}
	engine := newTestEngine(store, &fakeSubscribers{}, &fakeMembership{}, &fakeSource{}, mailer)

	ev := Event{Kind: TriggerSubscriberCreated, Email: "jane@example.com", OccurredAt: tickNow}
	if err := engine.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}

	a.Status = StatusPaused
	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	run := store.onlyRun(t)
	if run.Status != RunRunning || run.CurrentStepIndex != 0 {
		t.Fatalf("paused automation advanced: %s step %d", run.Status, run.CurrentStepIndex)
	}
	if len(mailer.sent) != 0 {
		t.Error("paused automation sent email")
	}

	// New runs are not started either, matching list-by-status.
	ev2 := Event{Kind: TriggerSubscriberCreated, Email: "other@example.com", OccurredAt: tickNow}
	if err := engine.HandleEvent(context.Background(), ev2); err != nil {
		t.Fatalf("HandleEvent() error: %v", err)
	}
	if len(store.runs) != 1 {
		t.Error("paused automation enrolled a new subscriber")
	}

	// Resuming picks the run back up where it stopped.
	a.Status = StatusActive
	if err := engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Errorf("resumed automation did not send, sent = %d", len(mailer.sent))
	}
}

func TestSweepInactivityStartsRunsPastThreshold(t *testing.T) {
	a := &Automation{
		ID:      uuid.New(),
		Name:    "Win-back",
		Status:  StatusActive,
		Trigger: Trigger{Kind: TriggerInactivityOrder, ThresholdDays: 30},
		Steps:   Steps{{TemplateID: uuid.New(), DelayMinutes: 0}},
	}
	store := newFakeStores(a)

	stale := uuid.New()
	fresh := uuid.New()
	unsubscribed := uuid.New()
	never := uuid.New()
	staleAt := tickNow.AddDate(0, 0, -45)
	freshAt := tickNow.AddDate(0, 0, -3)

	source := &fakeSource{contexts: map[uuid.UUID]segment.Context{
		stale:        {"status": subscriber.StatusActive, "lastOrderAt": &staleAt, "createdAt": tickNow.AddDate(-1, 0, 0)},
		fresh:        {"status": subscriber.StatusActive, "lastOrderAt": &freshAt, "createdAt": tickNow.AddDate(-1, 0, 0)},
		unsubscribed: {"status": subscriber.StatusUnsubscribed, "lastOrderAt": &staleAt, "createdAt": tickNow.AddDate(-1, 0, 0)},
		// Never ordered: counted from signup.
		never: {"status": subscriber.StatusActive, "lastOrderAt": (*time.Time)(nil), "createdAt": tickNow.AddDate(0, 0, -60)},
	}}

	engine := newTestEngine(store, &fakeSubscribers{}, &fakeMembership{}, source, &fakeMailer{})
	if err := engine.SweepInactivity(context.Background()); err != nil {
		t.Fatalf("SweepInactivity() error: %v", err)
	}

	enrolled := make(map[uuid.UUID]bool)
	for _, r := range store.runs {
		enrolled[r.SubscriberID] = true
	}
	if !enrolled[stale] || !enrolled[never] {
		t.Errorf("stale subscribers not enrolled: %v", enrolled)
	}
	if enrolled[fresh] {
		t.Error("recently active subscriber enrolled")
	}
	if enrolled[unsubscribed] {
		t.Error("unsubscribed subscriber enrolled")
	}

	// Sweeping again must not duplicate runs.
	if err := engine.SweepInactivity(context.Background()); err != nil {
		t.Fatalf("SweepInactivity() error: %v", err)
	}
	if len(store.runs) != 2 {
		t.Errorf("run count after second sweep = %d, want 2", len(store.runs))
	}
}
