package segment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists segments and their membership cache in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new segment and returns it with generated fields set.
func (s *Store) Create(ctx context.Context, seg *Segment) error {
	if seg.ID == uuid.Nil {
		seg.ID = uuid.New()
	}
	query := `
		INSERT INTO segments (id, name, description, rule, preview_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := s.db.QueryRowContext(ctx, query, seg.ID, seg.Name, seg.Description, seg.Rule).
		Scan(&seg.CreatedAt, &seg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	return nil
}

// Get returns a segment by ID, or (nil, nil) when it does not exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Segment, error) {
	query := `
		SELECT id, name, description, rule, preview_count, last_resolved_at, created_at, updated_at
		FROM segments WHERE id = $1`
	seg := &Segment{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&seg.ID, &seg.Name, &seg.Description, &seg.Rule,
		&seg.PreviewCount, &seg.LastResolvedAt, &seg.CreatedAt, &seg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return seg, nil
}

// List returns all segments ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*Segment, error) {
	query := `
		SELECT id, name, description, rule, preview_count, last_resolved_at, created_at, updated_at
		FROM segments ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg := &Segment{}
		if err := rows.Scan(
			&seg.ID, &seg.Name, &seg.Description, &seg.Rule,
			&seg.PreviewCount, &seg.LastResolvedAt, &seg.CreatedAt, &seg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Update saves name, description and rule for an existing segment.
func (s *Store) Update(ctx context.Context, seg *Segment) error {
	query := `
		UPDATE segments SET name = $2, description = $3, rule = $4, updated_at = NOW()
		WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, seg.ID, seg.Name, seg.Description, seg.Rule)
	if err != nil {
		return fmt.Errorf("failed to update segment: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("segment %s not found", seg.ID)
	}
	return nil
}

// Delete removes a segment and its cached membership.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_members WHERE segment_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete segment members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete segment: %w", err)
	}
	return tx.Commit()
}

// ReplaceCache swaps the full membership of a segment in one
// transaction, so readers never observe a half-rebuilt cache. It also
// stamps preview_count and last_resolved_at on the segment row.
func (s *Store) ReplaceCache(ctx context.Context, segmentID uuid.UUID, memberIDs []uuid.UUID, resolvedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_members WHERE segment_id = $1`, segmentID); err != nil {
		return fmt.Errorf("failed to clear segment cache: %w", err)
	}
	if len(memberIDs) > 0 {
		ids := make([]string, len(memberIDs))
		for i, id := range memberIDs {
			ids[i] = id.String()
		}
		insert := `
			INSERT INTO segment_members (segment_id, subscriber_id, added_at)
			SELECT $1, unnest($2::uuid[]), $3`
		if _, err := tx.ExecContext(ctx, insert, segmentID, pq.Array(ids), resolvedAt); err != nil {
			return fmt.Errorf("failed to insert segment members: %w", err)
		}
	}
	update := `
		UPDATE segments SET preview_count = $2, last_resolved_at = $3, updated_at = NOW()
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, segmentID, len(memberIDs), resolvedAt); err != nil {
		return fmt.Errorf("failed to stamp segment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache rebuild: %w", err)
	}
	return nil
}

// CachedMembers returns the cached member IDs for a segment.
func (s *Store) CachedMembers(ctx context.Context, segmentID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT subscriber_id FROM segment_members WHERE segment_id = $1`
	rows, err := s.db.QueryContext(ctx, query, segmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load segment members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsCachedMember reports cached membership of one subscriber.
func (s *Store) IsCachedMember(ctx context.Context, segmentID, subscriberID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM segment_members WHERE segment_id = $1 AND subscriber_id = $2)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, segmentID, subscriberID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}
