package entity

import (
	"context"
	"sync"

	"crm-automations/services/condition"
)

// MemoryStore keeps records in process. Records are returned in insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Kind][]condition.Record
	// Err, when set, is returned by every call.
	Err error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Kind][]condition.Record)}
}

// Add appends records of the given kind.
func (s *MemoryStore) Add(kind Kind, recs ...condition.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[kind] = append(s.records[kind], recs...)
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (condition.Record, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records[kind] {
		if rec.ID() == id {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Find(_ context.Context, kind Kind, preds []Predicate, limit int) ([]condition.Record, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if limit <= 0 || limit > MaxFindLimit {
		limit = MaxFindLimit
	}

	leaves := make([]condition.Condition, len(preds))
	for i, p := range preds {
		leaves[i] = p.Condition()
	}
	filter := condition.AllOf(leaves...)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []condition.Record
	for _, rec := range s.records[kind] {
		if len(out) == limit {
			break
		}
		if condition.Evaluate(filter, rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
