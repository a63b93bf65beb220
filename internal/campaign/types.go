// Package campaign implements one-off sends to resolved audiences:
// audience resolution, per-recipient send logs, tracking injection and
// scheduled dispatch.
package campaign

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Campaign status constants.
const (
	StatusDraft     = "DRAFT"
	StatusScheduled = "SCHEDULED"
	StatusSending   = "SENDING"
	StatusSent      = "SENT"
	StatusCancelled = "CANCELLED"
)

// SendLog status constants.
const (
	LogQueued    = "QUEUED"
	LogSent      = "SENT"
	LogDelivered = "DELIVERED"
	LogOpened    = "OPENED"
	LogClicked   = "CLICKED"
	LogFailed    = "FAILED"
)

// AudienceFilter selects who a campaign goes to: the union of segment
// members and tag/source matches, minus exclusions, plus a manual
// address list that bypasses subscriber records entirely.
type AudienceFilter struct {
	SegmentIDs        []uuid.UUID `json:"segment_ids,omitempty"`
	Tags              []string    `json:"tags,omitempty"`
	Sources           []string    `json:"sources,omitempty"`
	ExcludeTags       []string    `json:"exclude_tags,omitempty"`
	ExcludeSegmentIDs []uuid.UUID `json:"exclude_segment_ids,omitempty"`
	ManualEmails      []string    `json:"manual_emails,omitempty"`
}

func (f AudienceFilter) Value() (driver.Value, error) {
	return json.Marshal(f)
}

func (f *AudienceFilter) Scan(value interface{}) error {
	if value == nil {
		*f = AudienceFilter{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, f)
}

// Campaign is a one-off send to a resolved audience.
type Campaign struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	TemplateID  uuid.UUID      `json:"template_id" db:"template_id"`
	FromName    string         `json:"from_name" db:"from_name"`
	FromEmail   string         `json:"from_email" db:"from_email"`
	Audience    AudienceFilter `json:"audience" db:"audience"`
	Status      string         `json:"status" db:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty" db:"scheduled_at"`
	SentCount   int            `json:"sent_count" db:"sent_count"`
	FailedCount int            `json:"failed_count" db:"failed_count"`
	SentAt      *time.Time     `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

// SendLog is one recipient's delivery record. CampaignID is nil for
// automation step sends; SubscriberID is nil for manual-list
// recipients with no subscriber row.
type SendLog struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	CampaignID     *uuid.UUID `json:"campaign_id,omitempty" db:"campaign_id"`
	SubscriberID   *uuid.UUID `json:"subscriber_id,omitempty" db:"subscriber_id"`
	RecipientEmail string     `json:"recipient_email" db:"recipient_email"`
	Status         string     `json:"status" db:"status"`
	Error          string     `json:"error,omitempty" db:"error"`
	MessageID      string     `json:"message_id,omitempty" db:"message_id"`
	SentAt         *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	OpenedAt       *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty" db:"clicked_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// RecipientResult is one recipient's outcome within a batch.
type RecipientResult struct {
	Email        string     `json:"email"`
	SubscriberID *uuid.UUID `json:"subscriber_id,omitempty"`
	LogID        uuid.UUID  `json:"log_id"`
	Sent         bool       `json:"sent"`
	Error        string     `json:"error,omitempty"`
}

// BatchReport aggregates a whole campaign send. Sent+Failed always
// equals the number of resolved recipients.
type BatchReport struct {
	CampaignID uuid.UUID         `json:"campaign_id"`
	Total      int               `json:"total"`
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Results    []RecipientResult `json:"results"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMs int64             `json:"duration_ms"`
}

// Stats is the read model for campaign performance.
type Stats struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	Queued     int       `json:"queued"`
	Sent       int       `json:"sent"`
	Delivered  int       `json:"delivered"`
	Opened     int       `json:"opened"`
	Clicked    int       `json:"clicked"`
	Failed     int       `json:"failed"`
}
