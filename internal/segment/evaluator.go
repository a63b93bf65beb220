package segment

import (
	"strconv"
	"strings"
	"time"
)

// Evaluate reports whether a context matches a rule tree at the given
// time. It is a pure function: no I/O, no side effects, and the same
// (rule, context, now) always yields the same result, so previews can
// safely re-evaluate.
//
// Malformed conditions never fail the tree: an unknown field, an
// unparseable date or an unrecognized operator makes that one condition
// false. One bad condition must not poison a whole batch.
func Evaluate(rule Rule, c Context, now time.Time) bool {
	results := make([]bool, 0, len(rule.Conditions)+len(rule.Groups))
	for _, cond := range rule.Conditions {
		results = append(results, evalCondition(cond, c, now))
	}
	for _, group := range rule.Groups {
		results = append(results, Evaluate(group, c, now))
	}

	// Empty tree matches everyone (catch-all semantics).
	if len(results) == 0 {
		return true
	}

	if rule.Operator == LogicOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	// AND is the default for unset/unknown operators.
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func evalCondition(cond Condition, c Context, now time.Time) bool {
	val, known := c[cond.Field]

	switch cond.Operator {
	case OpIsNull:
		return known && isNil(val)
	case OpNotNull:
		return known && !isNil(val)
	}

	if !known || isNil(val) {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return compare(val, cond.Value, func(c int) bool { return c == 0 })
	case OpNotEquals:
		return compare(val, cond.Value, func(c int) bool { return c != 0 })
	case OpGt:
		return compare(val, cond.Value, func(c int) bool { return c > 0 })
	case OpGte:
		return compare(val, cond.Value, func(c int) bool { return c >= 0 })
	case OpLt:
		return compare(val, cond.Value, func(c int) bool { return c < 0 })
	case OpLte:
		return compare(val, cond.Value, func(c int) bool { return c <= 0 })
	case OpIn:
		return containsAny(val, cond.Values)
	case OpNotIn:
		return !containsAny(val, cond.Values)
	case OpLastXDays:
		return lastXDays(val, cond.Value, now)
	case OpBetween:
		return between(val, cond.Value, cond.SecondaryValue)
	default:
		return false
	}
}

// compare coerces the operand to the context value's type and applies
// the comparator to the three-way comparison result. Coercion failure
// means false.
func compare(val interface{}, operand string, ok func(int) bool) bool {
	switch v := val.(type) {
	case time.Time:
		t, err := parseTime(operand)
		if err != nil {
			return false
		}
		return ok(v.Compare(t))
	case string:
		return ok(strings.Compare(v, operand))
	default:
		f, isNum := toFloat(val)
		if !isNum {
			return false
		}
		o, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return false
		}
		switch {
		case f < o:
			return ok(-1)
		case f > o:
			return ok(1)
		default:
			return ok(0)
		}
	}
}

// containsAny handles both scalar and list-valued context fields: a
// scalar matches when it appears in the operand list, a list matches
// when any of its elements does.
func containsAny(val interface{}, operands []string) bool {
	if list, isList := toStringList(val); isList {
		for _, elem := range list {
			for _, o := range operands {
				if elem == o {
					return true
				}
			}
		}
		return false
	}
	s := toString(val)
	for _, o := range operands {
		if s == o {
			return true
		}
	}
	return false
}

// lastXDays reports whether the field, coerced to a time, falls within
// now-N days. The boundary is inclusive: a timestamp exactly N days old
// matches.
func lastXDays(val interface{}, operand string, now time.Time) bool {
	t, valid := toTime(val)
	if !valid {
		return false
	}
	days, err := strconv.Atoi(operand)
	if err != nil || days < 0 {
		return false
	}
	return !t.Before(now.AddDate(0, 0, -days))
}

// between is inclusive on both bounds and works for numeric and date
// fields.
func between(val interface{}, lo, hi string) bool {
	if t, valid := toTime(val); valid {
		loT, errLo := parseTime(lo)
		hiT, errHi := parseTime(hi)
		if errLo != nil || errHi != nil {
			return false
		}
		return !t.Before(loT) && !t.After(hiT)
	}
	f, isNum := toFloat(val)
	if !isNum {
		return false
	}
	loF, errLo := strconv.ParseFloat(lo, 64)
	hiF, errHi := strconv.ParseFloat(hi, 64)
	if errLo != nil || errHi != nil {
		return false
	}
	return f >= loF && f <= hiF
}

func isNil(val interface{}) bool {
	if val == nil {
		return true
	}
	switch v := val.(type) {
	case *time.Time:
		return v == nil
	case string:
		return v == ""
	case []string:
		return len(v) == 0
	}
	return false
}

func toFloat(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(val interface{}) (time.Time, bool) {
	switch v := val.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		t, err := parseTime(v)
		return t, err == nil
	}
	return time.Time{}, false
}

func toString(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		if f, isNum := toFloat(val); isNum {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return ""
	}
}

func toStringList(val interface{}) ([]string, bool) {
	switch v := val.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, toString(e))
		}
		return out, true
	}
	return nil, false
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
