package condition

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a field comparison used by trigger conditions.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpLt         Operator = "lt"
	OpGte        Operator = "gte"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpIsEmpty    Operator = "is_empty"
	OpIsNotEmpty Operator = "is_not_empty"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpBetween    Operator = "between"
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte,
		OpContains, OpStartsWith, OpEndsWith,
		OpIsEmpty, OpIsNotEmpty, OpIn, OpNotIn, OpBetween:
		return true
	}
	return false
}

// compare evaluates a single operator against a field value. A null field only
// satisfies is_empty, mirroring SQL null comparison.
func compare(op Operator, field, v, end Value) bool {
	switch op {
	case OpIsEmpty:
		return !notEmpty(field)
	case OpIsNotEmpty:
		return notEmpty(field)
	}
	if field.IsNull() {
		return false
	}

	switch op {
	case OpEq:
		return looseEqual(field, v)
	case OpNeq:
		return !looseEqual(field, v)
	case OpGt, OpLt, OpGte, OpLte:
		c, ok := order(field, v)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return c > 0
		case OpLt:
			return c < 0
		case OpGte:
			return c >= 0
		default:
			return c <= 0
		}
	case OpBetween:
		lo, ok := order(field, v)
		if !ok {
			return false
		}
		hi, ok := order(field, end)
		return ok && lo >= 0 && hi <= 0
	case OpContains:
		return strings.Contains(strings.ToLower(field.Text()), strings.ToLower(v.Text()))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(field.Text()), strings.ToLower(v.Text()))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(field.Text()), strings.ToLower(v.Text()))
	case OpIn, OpNotIn:
		items, ok := v.AsList()
		if !ok {
			return false
		}
		found := false
		for _, item := range items {
			if looseEqual(field, item) {
				found = true
				break
			}
		}
		return found == (op == OpIn)
	default:
		return false
	}
}

// TriggerConditions is the flat filter attached to a scheduled workflow.
type TriggerConditions struct {
	Conditions []TriggerCondition `json:"conditions"`
	// Logic is accepted ("and" or "or") but every leaf is ANDed.
	Logic string `json:"logic"`
}

// TriggerCondition is one leaf of a trigger filter.
type TriggerCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`
	ValueEnd Value    `json:"valueEnd"`
}

// Tree converts the flat filter into a depth-1 all_of tree of compare leaves.
func (t TriggerConditions) Tree() Condition {
	leaves := make([]Condition, 0, len(t.Conditions))
	for _, c := range t.Conditions {
		leaves = append(leaves, Condition{
			Type:     TypeCompare,
			Field:    c.Field,
			Operator: c.Operator,
			Value:    c.Value,
			ValueEnd: c.ValueEnd,
		})
	}
	return AllOf(leaves...)
}

// ParseTriggerConditions decodes a trigger filter. Empty input is an empty filter.
func ParseTriggerConditions(data []byte) (TriggerConditions, error) {
	var t TriggerConditions
	if len(data) == 0 || string(data) == "null" {
		return t, nil
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse trigger conditions: %w", err)
	}
	t.Logic = strings.ToLower(strings.TrimSpace(t.Logic))
	if t.Logic == "" {
		t.Logic = "and"
	}
	return t, nil
}

// Parse decodes a condition tree. Empty or null input yields nil.
func Parse(data []byte) (*Condition, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var c Condition
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	return &c, nil
}
