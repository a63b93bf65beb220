// Package automation runs multi-step email sequences started by
// subscriber events or inactivity thresholds. Each subscriber gets at
// most one RUNNING run per automation; steps execute strictly in order
// with per-step delays.
package automation

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/segment"
)

// Automation status constants.
const (
	StatusActive   = "ACTIVE"
	StatusPaused   = "PAUSED"
	StatusArchived = "ARCHIVED"
)

// Run status constants.
const (
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunCancelled = "CANCELLED"
	RunFailed    = "FAILED"
)

// Event trigger kinds.
const (
	TriggerSubscriberCreated = "subscriber.created"
	TriggerOrderPaid         = "order.paid"
	TriggerUserRegistered    = "user.registered"
	TriggerDownloadStarted   = "download.started"
)

// Threshold trigger kinds, matched by the inactivity sweep instead of
// incoming events.
const (
	TriggerInactivityLogin      = "inactivity.login"
	TriggerInactivityOrder      = "inactivity.order"
	TriggerInactivityEngagement = "inactivity.engagement"
)

// Trigger describes what starts an automation. ThresholdDays is only
// meaningful for the inactivity.* kinds.
type Trigger struct {
	Kind          string `json:"kind"`
	ThresholdDays int    `json:"threshold_days,omitempty"`
}

func (t Trigger) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *Trigger) Scan(value interface{}) error {
	if value == nil {
		*t = Trigger{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, t)
}

// IsThreshold reports whether the trigger is matched by the inactivity
// sweep rather than by incoming events.
func (t Trigger) IsThreshold() bool {
	switch t.Kind {
	case TriggerInactivityLogin, TriggerInactivityOrder, TriggerInactivityEngagement:
		return true
	}
	return false
}

// Step is one email in the sequence. DelayMinutes counts from the
// moment the previous step completed (or the run started, for step 0).
// An optional condition is re-evaluated against a fresh context right
// before sending; a false condition cancels the whole run.
type Step struct {
	TemplateID   uuid.UUID     `json:"template_id"`
	DelayMinutes int           `json:"delay_minutes"`
	Condition    *segment.Rule `json:"condition,omitempty"`
}

// Steps is the ordered step list, stored as JSONB.
type Steps []Step

func (s Steps) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *Steps) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, s)
}

// Automation is a trigger plus an ordered step sequence. A non-nil
// SegmentID restricts the automation to members of that segment.
type Automation struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Status    string     `json:"status" db:"status"`
	Trigger   Trigger    `json:"trigger" db:"trigger"`
	SegmentID *uuid.UUID `json:"segment_id,omitempty" db:"segment_id"`
	Steps     Steps      `json:"steps" db:"steps"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Run is one subscriber's progress through an automation.
type Run struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	AutomationID     uuid.UUID  `json:"automation_id" db:"automation_id"`
	SubscriberID     uuid.UUID  `json:"subscriber_id" db:"subscriber_id"`
	Status           string     `json:"status" db:"status"`
	CurrentStepIndex int        `json:"current_step_index" db:"current_step_index"`
	StepStartedAt    time.Time  `json:"step_started_at" db:"step_started_at"`
	NextRunAt        time.Time  `json:"next_run_at" db:"next_run_at"`
	CancelReason     string     `json:"cancel_reason,omitempty" db:"cancel_reason"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Event is an incoming subscriber event that may start automations.
type Event struct {
	Kind       string    `json:"kind"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurred_at"`
}
