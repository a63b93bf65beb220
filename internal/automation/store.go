package automation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists automations and runs in Postgres. Run uniqueness (one
// RUNNING run per automation+subscriber) is enforced by a partial
// unique index, so concurrent starts collapse into one row.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const automationColumns = `id, name, status, trigger, segment_id, steps, created_at, updated_at`

// CreateAutomation inserts an automation.
func (s *Store) CreateAutomation(ctx context.Context, a *Automation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	query := `
		INSERT INTO automations (id, name, status, trigger, segment_id, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := s.db.QueryRowContext(ctx, query,
		a.ID, a.Name, a.Status, a.Trigger, a.SegmentID, a.Steps,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}
	return nil
}

// GetAutomation returns an automation by ID, or (nil, nil).
func (s *Store) GetAutomation(ctx context.Context, id uuid.UUID) (*Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = $1`
	a := &Automation{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.Status, &a.Trigger, &a.SegmentID, &a.Steps, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	return a, nil
}

// ListActiveByTrigger returns ACTIVE automations whose trigger kind
// matches an event kind.
func (s *Store) ListActiveByTrigger(ctx context.Context, kind string) ([]*Automation, error) {
	query := `
		SELECT ` + automationColumns + ` FROM automations
		WHERE status = $1 AND trigger->>'kind' = $2`
	return s.listAutomations(ctx, query, StatusActive, kind)
}

// ListActiveThreshold returns ACTIVE automations with inactivity
// triggers, for the sweep.
func (s *Store) ListActiveThreshold(ctx context.Context) ([]*Automation, error) {
	query := `
		SELECT ` + automationColumns + ` FROM automations
		WHERE status = $1 AND trigger->>'kind' LIKE 'inactivity.%'`
	return s.listAutomations(ctx, query, StatusActive)
}

func (s *Store) listAutomations(ctx context.Context, query string, args ...interface{}) ([]*Automation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}
	defer rows.Close()

	var automations []*Automation
	for rows.Next() {
		a := &Automation{}
		if err := rows.Scan(&a.ID, &a.Name, &a.Status, &a.Trigger, &a.SegmentID, &a.Steps, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}
		automations = append(automations, a)
	}
	return automations, rows.Err()
}

// UpdateStatus changes an automation's status (pause/resume/archive).
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE automations SET status = $2, updated_at = NOW() WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update automation status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("automation %s not found", id)
	}
	return nil
}

// StartRun inserts a RUNNING run unless one already exists for the
// automation+subscriber pair. Returns whether a new run was created.
// The ON CONFLICT target is the partial unique index on
// (automation_id, subscriber_id) WHERE status = 'RUNNING'.
func (s *Store) StartRun(ctx context.Context, run *Run) (bool, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = RunRunning
	query := `
		INSERT INTO automation_runs
			(id, automation_id, subscriber_id, status, current_step_index, step_started_at, next_run_at, started_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $5)
		ON CONFLICT (automation_id, subscriber_id) WHERE status = 'RUNNING' DO NOTHING`
	result, err := s.db.ExecContext(ctx, query,
		run.ID, run.AutomationID, run.SubscriberID, run.Status, run.StepStartedAt, run.NextRunAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to start run: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// HasRunningRun reports whether a subscriber already has a RUNNING run
// for an automation.
func (s *Store) HasRunningRun(ctx context.Context, automationID, subscriberID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM automation_runs
			WHERE automation_id = $1 AND subscriber_id = $2 AND status = $3
		)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, automationID, subscriberID, RunRunning).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check running run: %w", err)
	}
	return exists, nil
}

// ListDueRuns returns RUNNING runs whose next step is due.
func (s *Store) ListDueRuns(ctx context.Context, now time.Time, limit int) ([]*Run, error) {
	query := `
		SELECT id, automation_id, subscriber_id, status, current_step_index,
		       step_started_at, next_run_at, cancel_reason, started_at, completed_at
		FROM automation_runs
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY next_run_at
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, RunRunning, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		// cancel_reason and next_run_at are NULL on live runs.
		var cancelReason sql.NullString
		var nextRunAt sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.AutomationID, &r.SubscriberID, &r.Status, &r.CurrentStepIndex,
			&r.StepStartedAt, &nextRunAt, &cancelReason, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.CancelReason = cancelReason.String
		r.NextRunAt = nextRunAt.Time
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AdvanceRun moves a run to the next step. The WHERE clause on the
// expected step index makes the advance optimistic: if another worker
// advanced the run first, zero rows match and the caller treats it as a
// no-op.
func (s *Store) AdvanceRun(ctx context.Context, runID uuid.UUID, fromStep int, nextRunAt, now time.Time) (bool, error) {
	query := `
		UPDATE automation_runs
		SET current_step_index = current_step_index + 1, step_started_at = $3, next_run_at = $4
		WHERE id = $1 AND current_step_index = $2 AND status = $5`
	result, err := s.db.ExecContext(ctx, query, runID, fromStep, now, nextRunAt, RunRunning)
	if err != nil {
		return false, fmt.Errorf("failed to advance run: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CompleteRun marks a RUNNING run COMPLETED.
func (s *Store) CompleteRun(ctx context.Context, runID uuid.UUID, now time.Time) error {
	query := `
		UPDATE automation_runs SET status = $2, completed_at = $3
		WHERE id = $1 AND status = $4`
	if _, err := s.db.ExecContext(ctx, query, runID, RunCompleted, now, RunRunning); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// CancelRun marks a RUNNING run CANCELLED with a reason.
func (s *Store) CancelRun(ctx context.Context, runID uuid.UUID, reason string, now time.Time) error {
	query := `
		UPDATE automation_runs SET status = $2, cancel_reason = $3, completed_at = $4
		WHERE id = $1 AND status = $5`
	if _, err := s.db.ExecContext(ctx, query, runID, RunCancelled, reason, now, RunRunning); err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	return nil
}
