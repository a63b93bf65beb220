// Package segment provides rule-based audience segmentation: a closed
// condition AST, a pure in-memory evaluator, and a resolver that
// materializes membership into a rebuildable cache.
package segment

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operator is a comparison operator usable in a segment condition.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpGt        Operator = "gt"
	OpLt        Operator = "lt"
	OpGte       Operator = "gte"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpIsNull    Operator = "is_null"
	OpNotNull   Operator = "not_null"
	OpLastXDays Operator = "last_x_days"
	OpBetween   Operator = "between"
)

// LogicOperator combines the children of a rule group.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// Condition is a single field comparison.
//
// Value carries the comparison operand as a string; numeric and date
// operands are coerced at evaluation time. Values carries the operand
// list for in/not_in, SecondaryValue the upper bound for between.
type Condition struct {
	Field          string   `json:"field"`
	Operator       Operator `json:"operator"`
	Value          string   `json:"value,omitempty"`
	SecondaryValue string   `json:"secondary_value,omitempty"`
	Values         []string `json:"values,omitempty"`
}

// Rule is a node in the rule tree: conditions plus nested groups joined
// by a logic operator. A rule with neither conditions nor groups matches
// everyone, which allows catch-all segments.
type Rule struct {
	Operator   LogicOperator `json:"operator"`
	Conditions []Condition   `json:"conditions,omitempty"`
	Groups     []Rule        `json:"groups,omitempty"`
}

// Value implements driver.Valuer so a Rule can be stored in a JSONB column.
func (r Rule) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for JSONB rule columns.
func (r *Rule) Scan(value interface{}) error {
	if value == nil {
		*r = Rule{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, r)
}

// Segment is a named, rule-defined subset of subscribers.
type Segment struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Name           string     `json:"name" db:"name"`
	Description    string     `json:"description,omitempty" db:"description"`
	Rule           Rule       `json:"rule" db:"rule"`
	PreviewCount   int        `json:"preview_count" db:"preview_count"`
	LastResolvedAt *time.Time `json:"last_resolved_at,omitempty" db:"last_resolved_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Context is the flat read-only snapshot of subscriber facts a rule tree
// is evaluated against. Known-but-null facts are present with a nil
// value; a field absent from the map is unknown and any condition on it
// evaluates to false.
type Context map[string]interface{}

// ContextSource supplies evaluation contexts. Implemented by the
// subscriber package's context builder.
type ContextSource interface {
	// Build returns the context for one subscriber.
	Build(ctx context.Context, subscriberID uuid.UUID) (Context, error)
	// BuildAll returns contexts for the whole population in a constant
	// number of queries.
	BuildAll(ctx context.Context) (map[uuid.UUID]Context, error)
}

// Result summarizes one resolve/preview pass.
type Result struct {
	SegmentID    uuid.UUID   `json:"segment_id"`
	MemberIDs    []uuid.UUID `json:"member_ids,omitempty"`
	MemberCount  int         `json:"member_count"`
	CalculatedAt time.Time   `json:"calculated_at"`
	DurationMs   int64       `json:"duration_ms"`
}
