// Package subscriber owns the subscriber lifecycle: the model, the
// evaluation-context builder, and the preference/consent service behind
// the public preference center.
package subscriber

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subscriber status constants. ANONYMIZED is terminal.
const (
	StatusActive       = "ACTIVE"
	StatusUnsubscribed = "UNSUBSCRIBED"
	StatusAnonymized   = "ANONYMIZED"
)

// Consent/preference change source constants.
const (
	SourcePreferenceCenter = "preference_center"
	SourceUnsubscribeLink  = "unsubscribe_link"
	SourceAdmin            = "admin"
	SourceImport           = "import"
	SourceAPI              = "api"
)

// JSON helper type for JSONB fields
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, j)
}

// Preferences maps a mailing topic (newsletter, product updates, ...)
// to whether the subscriber opted in.
type Preferences map[string]bool

func (p Preferences) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *Preferences) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, p)
}

// Subscriber represents an email subscriber.
type Subscriber struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	Email          string      `json:"email" db:"email"`
	FirstName      string      `json:"first_name" db:"first_name"`
	LastName       string      `json:"last_name" db:"last_name"`
	Status         string      `json:"status" db:"status"`
	Source         string      `json:"source" db:"source"`
	Tags           []string    `json:"tags" db:"tags"`
	Preferences    Preferences `json:"preferences" db:"preferences"`
	Score          int         `json:"score" db:"score"`
	ScoreBreakdown JSON        `json:"score_breakdown,omitempty" db:"score_breakdown"`
	UnsubscribedAt *time.Time  `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Metrics is the commerce/activity snapshot backing segmentation and
// scoring. Rows are synced into subscriber_metrics by upstream
// importers; a subscriber without a row has zero activity.
type Metrics struct {
	SubscriberID   uuid.UUID  `json:"subscriber_id" db:"subscriber_id"`
	OrdersCount    int        `json:"orders_count" db:"orders_count"`
	TotalSpent     float64    `json:"total_spent" db:"total_spent"`
	LastOrderAt    *time.Time `json:"last_order_at" db:"last_order_at"`
	LastLoginAt    *time.Time `json:"last_login_at" db:"last_login_at"`
	DownloadsCount int        `json:"downloads_count" db:"downloads_count"`
}

// Engagement carries the latest email interaction timestamps,
// aggregated from send logs across all campaigns.
type Engagement struct {
	LastOpenAt  *time.Time `json:"last_open_at"`
	LastClickAt *time.Time `json:"last_click_at"`
}

// PreferenceLog records one preference change with full before/after
// state. Every change writes a row, even a no-op save.
type PreferenceLog struct {
	ID           uuid.UUID `json:"id" db:"id"`
	SubscriberID uuid.UUID `json:"subscriber_id" db:"subscriber_id"`
	Before       JSON      `json:"before" db:"before_state"`
	After        JSON      `json:"after" db:"after_state"`
	Source       string    `json:"source" db:"source"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ConsentLog records consent-affecting actions (unsubscribe,
// anonymization) for compliance audits.
type ConsentLog struct {
	ID           uuid.UUID `json:"id" db:"id"`
	SubscriberID uuid.UUID `json:"subscriber_id" db:"subscriber_id"`
	Action       string    `json:"action" db:"action"`
	Source       string    `json:"source" db:"source"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Consent actions.
const (
	ConsentUnsubscribed = "unsubscribed"
	ConsentAnonymized   = "anonymized"
	ConsentResubscribed = "resubscribed"
)
