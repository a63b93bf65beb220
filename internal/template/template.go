// Package template stores email templates and renders them with the
// Liquid template language for per-recipient personalization.
package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osteele/liquid"
)

// ErrNotFound is returned when a referenced template does not exist.
var ErrNotFound = errors.New("template not found")

// Template is a stored email template. Subject and HTML are both
// Liquid sources.
type Template struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Subject   string    `json:"subject" db:"subject"`
	HTML      string    `json:"html" db:"html"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Store persists templates in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a template.
func (s *Store) Create(ctx context.Context, t *Template) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	query := `
		INSERT INTO templates (id, name, subject, html, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := s.db.QueryRowContext(ctx, query, t.ID, t.Name, t.Subject, t.HTML).
		Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// Get returns a template by ID. A missing row is ErrNotFound so
// callers can distinguish it from transient database failures.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT id, name, subject, html, created_at, updated_at FROM templates WHERE id = $1`
	t := &Template{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.Subject, &t.HTML, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// Renderer renders Liquid sources against a binding map. Parsed
// templates are cached by source text.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return &Renderer{engine: engine}
}

// Render renders a Liquid source with the given bindings.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	tpl, err := r.parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return out, nil
}

func (r *Renderer) parse(source string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	r.cache.Store(source, tpl)
	return tpl, nil
}
