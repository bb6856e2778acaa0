package application

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/civicportal/model"
)

// MemoryRecordStore is an in-memory RecordStore. Records keep their
// insertion order so listings reflect arrival order.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	order   []string
	records map[string]model.Record        // key: record ID
	refs    map[string]string              // key: reference number
	events  map[string][]model.RecordEvent // key: record ID
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]model.Record),
		refs:    make(map[string]string),
		events:  make(map[string][]model.RecordEvent),
	}
}

// Create persists a new record.
func (s *MemoryRecordStore) Create(_ context.Context, rec model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("application %q already exists", rec.ID))
	}
	if _, exists := s.refs[rec.ReferenceNumber]; exists {
		return model.NewConflictError(fmt.Sprintf("reference number %q is already in use", rec.ReferenceNumber))
	}
	if rec.Version == 0 {
		rec.Version = 1
	}

	s.records[rec.ID] = rec.Clone()
	s.refs[rec.ReferenceNumber] = rec.ID
	s.order = append(s.order, rec.ID)
	return nil
}

// Get retrieves a record by ID.
func (s *MemoryRecordStore) Get(_ context.Context, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return model.Record{}, model.NewNotFoundError(fmt.Sprintf("application %q not found", id))
	}
	return rec.Clone(), nil
}

// Update persists a changed record with optimistic locking.
func (s *MemoryRecordStore) Update(_ context.Context, rec model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[rec.ID]
	if !exists {
		return model.Record{}, model.NewNotFoundError(fmt.Sprintf("application %q not found", rec.ID))
	}
	if existing.Version != rec.Version {
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("application %q version conflict (expected %d, got %d)", rec.ID, rec.Version, existing.Version),
		)
	}
	if existing.ReferenceNumber != rec.ReferenceNumber {
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("reference number of application %q cannot change", rec.ID),
		)
	}

	rec.Version++
	s.records[rec.ID] = rec.Clone()
	return rec, nil
}

// List returns matching records in insertion order.
func (s *MemoryRecordStore) List(_ context.Context, filter RecordFilter) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Record, 0)
	for _, id := range s.order {
		rec := s.records[id]
		if filter.matches(rec) {
			result = append(result, rec.Clone())
		}
	}
	return result, nil
}

// AppendEvent adds an event to a record's audit trail.
func (s *MemoryRecordStore) AppendEvent(_ context.Context, event model.RecordEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[event.RecordID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("application %q not found", event.RecordID))
	}
	s.events[event.RecordID] = append(s.events[event.RecordID], event)
	return nil
}

// Events returns a copy of a record's audit trail.
func (s *MemoryRecordStore) Events(_ context.Context, recordID string) ([]model.RecordEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.records[recordID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("application %q not found", recordID))
	}
	events := slices.Clone(s.events[recordID])
	slices.SortStableFunc(events, func(a, b model.RecordEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	if events == nil {
		events = []model.RecordEvent{}
	}
	return events, nil
}

// HealthCheck always succeeds.
func (s *MemoryRecordStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of stored records. For testing.
func (s *MemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
