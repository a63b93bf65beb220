package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists campaigns and send logs in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const campaignColumns = `id, name, template_id, from_name, from_email, audience, status,
	scheduled_at, sent_count, failed_count, sent_at, created_at, updated_at`

// Create inserts a campaign in DRAFT (or SCHEDULED when a schedule
// time is set).
func (s *Store) Create(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusDraft
		if c.ScheduledAt != nil {
			c.Status = StatusScheduled
		}
	}
	query := `
		INSERT INTO campaigns (id, name, template_id, from_name, from_email, audience, status, scheduled_at, sent_count, failed_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := s.db.QueryRowContext(ctx, query,
		c.ID, c.Name, c.TemplateID, c.FromName, c.FromEmail, c.Audience, c.Status, c.ScheduledAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// Get returns a campaign by ID, or (nil, nil).
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c := &Campaign{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.TemplateID, &c.FromName, &c.FromEmail, &c.Audience, &c.Status,
		&c.ScheduledAt, &c.SentCount, &c.FailedCount, &c.SentAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// ListDue returns SCHEDULED campaigns whose scheduled time has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at`
	rows, err := s.db.QueryContext(ctx, query, StatusScheduled, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c := &Campaign{}
		if err := rows.Scan(
			&c.ID, &c.Name, &c.TemplateID, &c.FromName, &c.FromEmail, &c.Audience, &c.Status,
			&c.ScheduledAt, &c.SentCount, &c.FailedCount, &c.SentAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// ClaimForSending moves a campaign into SENDING. The status guard makes
// the claim exclusive: two workers racing on the same campaign see one
// winner and one no-op.
func (s *Store) ClaimForSending(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE campaigns SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`
	result, err := s.db.ExecContext(ctx, query, id, StatusSending, StatusDraft, StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to claim campaign: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// FinishSending records the final counters and marks the campaign SENT.
func (s *Store) FinishSending(ctx context.Context, id uuid.UUID, sent, failed int, at time.Time) error {
	query := `
		UPDATE campaigns SET status = $2, sent_count = $3, failed_count = $4, sent_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6`
	if _, err := s.db.ExecContext(ctx, query, id, StatusSent, sent, failed, at, StatusSending); err != nil {
		return fmt.Errorf("failed to finish campaign: %w", err)
	}
	return nil
}

// Cancel cancels a campaign that has not started sending yet.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE campaigns SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`
	result, err := s.db.ExecContext(ctx, query, id, StatusCancelled, StatusDraft, StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to cancel campaign: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CreateLog inserts a QUEUED send log.
func (s *Store) CreateLog(ctx context.Context, l *SendLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = LogQueued
	}
	query := `
		INSERT INTO send_logs (id, campaign_id, subscriber_id, recipient_email, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at`
	err := s.db.QueryRowContext(ctx, query,
		l.ID, l.CampaignID, l.SubscriberID, l.RecipientEmail, l.Status,
	).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create send log: %w", err)
	}
	return nil
}

// GetLog returns a send log by ID, or (nil, nil).
func (s *Store) GetLog(ctx context.Context, id uuid.UUID) (*SendLog, error) {
	query := `
		SELECT id, campaign_id, subscriber_id, recipient_email, status, error, message_id,
		       sent_at, opened_at, clicked_at, created_at
		FROM send_logs WHERE id = $1`
	l := &SendLog{}
	// error and message_id stay NULL until the log leaves QUEUED.
	var sendErr, messageID sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.CampaignID, &l.SubscriberID, &l.RecipientEmail, &l.Status, &sendErr,
		&messageID, &l.SentAt, &l.OpenedAt, &l.ClickedAt, &l.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send log: %w", err)
	}
	l.Error = sendErr.String
	l.MessageID = messageID.String
	return l, nil
}

// MarkSent transitions a QUEUED log to SENT.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, messageID string, at time.Time) error {
	query := `
		UPDATE send_logs SET status = $2, message_id = $3, sent_at = $4
		WHERE id = $1 AND status = $5`
	if _, err := s.db.ExecContext(ctx, query, id, LogSent, messageID, at, LogQueued); err != nil {
		return fmt.Errorf("failed to mark send log sent: %w", err)
	}
	return nil
}

// MarkFailed transitions a QUEUED log to FAILED with the transport
// error.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error {
	query := `
		UPDATE send_logs SET status = $2, error = $3
		WHERE id = $1 AND status = $4`
	if _, err := s.db.ExecContext(ctx, query, id, LogFailed, sendErr, LogQueued); err != nil {
		return fmt.Errorf("failed to mark send log failed: %w", err)
	}
	return nil
}

// MarkOpened records the first open. Repeat opens keep the original
// opened_at; a click already implies an open so CLICKED is not
// downgraded.
func (s *Store) MarkOpened(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE send_logs
		SET status = CASE WHEN status IN ($3, $4) THEN $2 ELSE status END,
		    opened_at = COALESCE(opened_at, $5)
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, LogOpened, LogSent, LogDelivered, at); err != nil {
		return fmt.Errorf("failed to mark send log opened: %w", err)
	}
	return nil
}

// MarkClicked records the first click. A click also implies an open.
func (s *Store) MarkClicked(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE send_logs
		SET status = CASE WHEN status IN ($3, $4, $5) THEN $2 ELSE status END,
		    clicked_at = COALESCE(clicked_at, $6),
		    opened_at = COALESCE(opened_at, $6)
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, LogClicked, LogSent, LogDelivered, LogOpened, at); err != nil {
		return fmt.Errorf("failed to mark send log clicked: %w", err)
	}
	return nil
}

// CampaignStats aggregates send-log statuses for a campaign.
func (s *Store) CampaignStats(ctx context.Context, campaignID uuid.UUID) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status = $4),
			COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
			COUNT(*) FILTER (WHERE clicked_at IS NOT NULL),
			COUNT(*) FILTER (WHERE status = $5)
		FROM send_logs WHERE campaign_id = $1`
	stats := &Stats{CampaignID: campaignID}
	err := s.db.QueryRowContext(ctx, query, campaignID, LogQueued, LogSent, LogDelivered, LogFailed).Scan(
		&stats.Queued, &stats.Sent, &stats.Delivered, &stats.Opened, &stats.Clicked, &stats.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate campaign stats: %w", err)
	}
	return stats, nil
}
