package entity

import (
	"context"
	"errors"
	"fmt"

	"crm-automations/services/condition"
)

// MaxFindLimit bounds a single Find call.
const MaxFindLimit = 1000

// ErrInvalidFilter is returned by Compile for trees the query compiler cannot push down.
var ErrInvalidFilter = errors.New("invalid filter")

// Store reads business records.
type Store interface {
	// Get returns the record with the given id, or nil, nil when it does not exist.
	Get(ctx context.Context, kind Kind, id string) (condition.Record, error)
	// Find returns up to limit records satisfying every predicate.
	Find(ctx context.Context, kind Kind, preds []Predicate, limit int) ([]condition.Record, error)
}

// Predicate is one field filter of a Find query.
type Predicate struct {
	Field    string
	Operator condition.Operator
	Value    condition.Value
	ValueEnd condition.Value
}

// Condition returns the in-memory form of the predicate.
func (p Predicate) Condition() condition.Condition {
	return condition.Condition{
		Type:     condition.TypeCompare,
		Field:    p.Field,
		Operator: p.Operator,
		Value:    p.Value,
		ValueEnd: p.ValueEnd,
	}
}

// Compile flattens a depth-1 all_of tree of compare leaves into predicates.
// Every predicate is ANDed by the store.
func Compile(tree condition.Condition) ([]Predicate, error) {
	if tree.Type != condition.TypeAllOf {
		return nil, fmt.Errorf("%w: root must be %s, got %q", ErrInvalidFilter, condition.TypeAllOf, tree.Type)
	}
	preds := make([]Predicate, 0, len(tree.Conditions))
	for i, leaf := range tree.Conditions {
		if leaf.Type != condition.TypeCompare {
			return nil, fmt.Errorf("%w: condition %d has type %q", ErrInvalidFilter, i, leaf.Type)
		}
		if leaf.Field == "" {
			return nil, fmt.Errorf("%w: condition %d has no field", ErrInvalidFilter, i)
		}
		if !leaf.Operator.Valid() {
			return nil, fmt.Errorf("%w: condition %d has unknown operator %q", ErrInvalidFilter, i, leaf.Operator)
		}
		switch leaf.Operator {
		case condition.OpIn, condition.OpNotIn:
			if _, ok := leaf.Value.AsList(); !ok {
				return nil, fmt.Errorf("%w: condition %d: %s needs a list value", ErrInvalidFilter, i, leaf.Operator)
			}
		}
		preds = append(preds, Predicate{
			Field:    leaf.Field,
			Operator: leaf.Operator,
			Value:    leaf.Value,
			ValueEnd: leaf.ValueEnd,
		})
	}
	return preds, nil
}
