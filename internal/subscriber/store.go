package subscriber

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists subscribers, metrics snapshots and audit logs.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const subscriberColumns = `id, email, first_name, last_name, status, source, tags, preferences,
	score, score_breakdown, unsubscribed_at, created_at, updated_at`

func scanSubscriber(row interface{ Scan(...interface{}) error }) (*Subscriber, error) {
	sub := &Subscriber{}
	err := row.Scan(
		&sub.ID, &sub.Email, &sub.FirstName, &sub.LastName, &sub.Status, &sub.Source,
		pq.Array(&sub.Tags), &sub.Preferences, &sub.Score, &sub.ScoreBreakdown,
		&sub.UnsubscribedAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Create inserts a new subscriber.
func (s *Store) Create(ctx context.Context, sub *Subscriber) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.Email = NormalizeEmail(sub.Email)
	if sub.Status == "" {
		sub.Status = StatusActive
	}
	query := `
		INSERT INTO subscribers (id, email, first_name, last_name, status, source, tags, preferences, score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := s.db.QueryRowContext(ctx, query,
		sub.ID, sub.Email, sub.FirstName, sub.LastName, sub.Status, sub.Source,
		pq.Array(sub.Tags), sub.Preferences,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	return nil
}

// Get returns a subscriber by ID, or (nil, nil) when it does not exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE id = $1`
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	return sub, nil
}

// GetByEmail returns a subscriber by normalized email, or (nil, nil).
func (s *Store) GetByEmail(ctx context.Context, email string) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE email = $1`
	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, query, NormalizeEmail(email)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber by email: %w", err)
	}
	return sub, nil
}

// List returns all subscribers.
func (s *Store) List(ctx context.Context) ([]*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListByAudience returns ACTIVE subscribers matching any of the given
// tags or sources, excluding those carrying an excluded tag.
func (s *Store) ListByAudience(ctx context.Context, tags, sources, excludeTags []string) ([]*Subscriber, error) {
	query := `
		SELECT ` + subscriberColumns + ` FROM subscribers
		WHERE status = $1
		  AND (tags && $2::text[] OR source = ANY($3::text[]))
		  AND NOT (tags && $4::text[])
		ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, StatusActive, pq.Array(tags), pq.Array(sources), pq.Array(excludeTags))
	if err != nil {
		return nil, fmt.Errorf("failed to query audience: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetByIDs loads a batch of subscribers.
func (s *Store) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Subscriber, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE id = ANY($1::uuid[])`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(strs))
	if err != nil {
		return nil, fmt.Errorf("failed to load subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdatePreferences saves the preference map on the subscriber row.
func (s *Store) UpdatePreferences(ctx context.Context, id uuid.UUID, prefs Preferences) error {
	query := `UPDATE subscribers SET preferences = $2, updated_at = NOW() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, prefs); err != nil {
		return fmt.Errorf("failed to update preferences: %w", err)
	}
	return nil
}

// MarkUnsubscribed flips a subscriber to UNSUBSCRIBED. Already
// unsubscribed or anonymized rows are left untouched.
func (s *Store) MarkUnsubscribed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE subscribers SET status = $2, unsubscribed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`
	result, err := s.db.ExecContext(ctx, query, id, StatusUnsubscribed, at, StatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to unsubscribe: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Anonymize replaces PII with a placeholder derived from the email
// hash. Guarded on status so the operation is not repeatable.
func (s *Store) Anonymize(ctx context.Context, id uuid.UUID, placeholderEmail string) (bool, error) {
	query := `
		UPDATE subscribers
		SET email = $2, first_name = '', last_name = '', preferences = '{}',
		    status = $3, updated_at = NOW()
		WHERE id = $1 AND status != $3`
	result, err := s.db.ExecContext(ctx, query, id, placeholderEmail, StatusAnonymized)
	if err != nil {
		return false, fmt.Errorf("failed to anonymize subscriber: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// RewriteSendLogEmails propagates an anonymized placeholder into
// historical send logs so no PII remains in delivery records.
func (s *Store) RewriteSendLogEmails(ctx context.Context, subscriberID uuid.UUID, placeholderEmail string) error {
	query := `UPDATE send_logs SET recipient_email = $2 WHERE subscriber_id = $1`
	if _, err := s.db.ExecContext(ctx, query, subscriberID, placeholderEmail); err != nil {
		return fmt.Errorf("failed to rewrite send logs: %w", err)
	}
	return nil
}

// SaveScore persists a computed engagement score and its breakdown.
func (s *Store) SaveScore(ctx context.Context, id uuid.UUID, score int, breakdown JSON) error {
	query := `UPDATE subscribers SET score = $2, score_breakdown = $3, updated_at = NOW() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, score, breakdown); err != nil {
		return fmt.Errorf("failed to save score: %w", err)
	}
	return nil
}

// Metrics returns the activity snapshot for one subscriber. A missing
// row means no recorded activity and yields the zero snapshot.
func (s *Store) Metrics(ctx context.Context, id uuid.UUID) (Metrics, error) {
	query := `
		SELECT subscriber_id, orders_count, total_spent, last_order_at, last_login_at, downloads_count
		FROM subscriber_metrics WHERE subscriber_id = $1`
	var m Metrics
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.SubscriberID, &m.OrdersCount, &m.TotalSpent, &m.LastOrderAt, &m.LastLoginAt, &m.DownloadsCount,
	)
	if err == sql.ErrNoRows {
		return Metrics{SubscriberID: id}, nil
	}
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to load metrics: %w", err)
	}
	return m, nil
}

// MetricsAll returns activity snapshots for the whole population in one
// query, keyed by subscriber ID.
func (s *Store) MetricsAll(ctx context.Context) (map[uuid.UUID]Metrics, error) {
	query := `
		SELECT subscriber_id, orders_count, total_spent, last_order_at, last_login_at, downloads_count
		FROM subscriber_metrics`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]Metrics)
	for rows.Next() {
		var m Metrics
		if err := rows.Scan(&m.SubscriberID, &m.OrdersCount, &m.TotalSpent, &m.LastOrderAt, &m.LastLoginAt, &m.DownloadsCount); err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}
		out[m.SubscriberID] = m
	}
	return out, rows.Err()
}

// Engagement aggregates the latest open/click timestamps for one
// subscriber across all campaigns.
func (s *Store) Engagement(ctx context.Context, id uuid.UUID) (Engagement, error) {
	query := `SELECT MAX(opened_at), MAX(clicked_at) FROM send_logs WHERE subscriber_id = $1`
	var e Engagement
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&e.LastOpenAt, &e.LastClickAt); err != nil {
		return Engagement{}, fmt.Errorf("failed to aggregate engagement: %w", err)
	}
	return e, nil
}

// EngagementAll aggregates latest open/click timestamps for the whole
// population in one query.
func (s *Store) EngagementAll(ctx context.Context) (map[uuid.UUID]Engagement, error) {
	query := `
		SELECT subscriber_id, MAX(opened_at), MAX(clicked_at)
		FROM send_logs GROUP BY subscriber_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate engagement: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]Engagement)
	for rows.Next() {
		var id uuid.UUID
		var e Engagement
		if err := rows.Scan(&id, &e.LastOpenAt, &e.LastClickAt); err != nil {
			return nil, fmt.Errorf("failed to scan engagement: %w", err)
		}
		out[id] = e
	}
	return out, rows.Err()
}

// InsertPreferenceLog appends a preference-change audit row.
func (s *Store) InsertPreferenceLog(ctx context.Context, entry *PreferenceLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	query := `
		INSERT INTO preference_logs (id, subscriber_id, before_state, after_state, source, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at`
	err := s.db.QueryRowContext(ctx, query,
		entry.ID, entry.SubscriberID, entry.Before, entry.After, entry.Source,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert preference log: %w", err)
	}
	return nil
}

// InsertConsentLog appends a consent audit row.
func (s *Store) InsertConsentLog(ctx context.Context, entry *ConsentLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	query := `
		INSERT INTO consent_logs (id, subscriber_id, action, source, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at`
	err := s.db.QueryRowContext(ctx, query,
		entry.ID, entry.SubscriberID, entry.Action, entry.Source,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert consent log: %w", err)
	}
	return nil
}

// NormalizeEmail lowercases and trims an address so lookups and
// deduplication are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
