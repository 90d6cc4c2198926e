// Package condition implements the declarative condition language shared by
// scheduled-workflow trigger filters and activity auto-complete rules.
package condition

import (
	"log/slog"
	"strconv"
	"strings"
)

// Condition types.
const (
	TypeFieldEquals   = "field_equals"
	TypeFieldNotEmpty = "field_not_empty"
	TypeStatusIn      = "status_in"
	TypeCountGTE      = "count_gte"
	TypeCompare       = "compare"
	TypeAllOf         = "all_of"
	TypeAnyOf         = "any_of"
)

// Condition is a node of a condition tree. Leaves use Field/Value (and Operator/ValueEnd
// for "compare"); combinators use Conditions.
type Condition struct {
	Type       string      `json:"type"`
	Field      string      `json:"field,omitempty"`
	Operator   Operator    `json:"operator,omitempty"`
	Value      Value       `json:"value"`
	ValueEnd   Value       `json:"valueEnd"`
	Conditions []Condition `json:"conditions,omitempty"`
}

func AllOf(conds ...Condition) Condition { return Condition{Type: TypeAllOf, Conditions: conds} }
func AnyOf(conds ...Condition) Condition { return Condition{Type: TypeAnyOf, Conditions: conds} }

func FieldEquals(field string, v Value) Condition {
	return Condition{Type: TypeFieldEquals, Field: field, Value: v}
}

func FieldNotEmpty(field string) Condition {
	return Condition{Type: TypeFieldNotEmpty, Field: field}
}

func StatusIn(statuses ...string) Condition {
	items := make([]Value, len(statuses))
	for i, s := range statuses {
		items[i] = String(s)
	}
	return Condition{Type: TypeStatusIn, Value: List(items...)}
}

func CountGTE(field string, n float64) Condition {
	return Condition{Type: TypeCountGTE, Field: field, Value: Number(n)}
}

func Compare(field string, op Operator, v Value) Condition {
	return Condition{Type: TypeCompare, Field: field, Operator: op, Value: v}
}

// Evaluate reports whether record satisfies c. It never panics; unknown
// condition types evaluate to false.
func Evaluate(c Condition, record Record) bool {
	switch c.Type {
	case TypeFieldEquals:
		return Equal(record.Get(c.Field), c.Value)
	case TypeFieldNotEmpty:
		return notEmpty(record.Get(c.Field))
	case TypeStatusIn:
		allowed, ok := c.Value.AsList()
		if !ok {
			return false
		}
		status := record.Get("status")
		for _, s := range allowed {
			if Equal(status, s) {
				return true
			}
		}
		return false
	case TypeCountGTE:
		items, _ := record.Get(c.Field).AsList()
		n, ok := toNumber(c.Value)
		if !ok {
			return false
		}
		return float64(len(items)) >= n
	case TypeCompare:
		return compare(c.Operator, record.Get(c.Field), c.Value, c.ValueEnd)
	case TypeAllOf:
		for _, child := range c.Conditions {
			if !Evaluate(child, record) {
				return false
			}
		}
		return true
	case TypeAnyOf:
		for _, child := range c.Conditions {
			if Evaluate(child, record) {
				return true
			}
		}
		return false
	default:
		slog.Warn("Unknown condition type", "type", c.Type)
		return false
	}
}

func notEmpty(v Value) bool {
	if v.IsNull() {
		return false
	}
	if s, ok := v.AsString(); ok && s == "" {
		return false
	}
	return true
}

// toNumber accepts numbers and numeric strings.
func toNumber(v Value) (float64, bool) {
	if n, ok := v.AsNumber(); ok {
		return n, true
	}
	if s, ok := v.AsString(); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return n, err == nil
	}
	return 0, false
}

// looseEqual treats scalars with the same text form as equal, the way a
// database compares a text column against a parameter.
func looseEqual(a, b Value) bool {
	if Equal(a, b) {
		return true
	}
	if a.IsNull() || b.IsNull() || isComposite(a) || isComposite(b) {
		return false
	}
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}
	return a.Text() == b.Text()
}

func isComposite(v Value) bool {
	return v.Kind() == KindList || v.Kind() == KindMap
}

// order compares a and b numerically when both are numeric, otherwise as strings.
func order(a, b Value) (int, bool) {
	if a.IsNull() || b.IsNull() || isComposite(a) || isComposite(b) {
		return 0, false
	}
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return strings.Compare(a.Text(), b.Text()), true
}
