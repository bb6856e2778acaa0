// Package application accepts, stores and reviews citizen applications:
// submission with idempotency, status transitions along the domain graph,
// fee payment and the audit trail.
package application

import (
	"context"

	"github.com/pitabwire/civicportal/model"
)

// RecordStore persists application records and their audit events.
type RecordStore interface {
	// Create persists a new record. Returns CONFLICT if the id or the
	// reference number is already taken.
	Create(ctx context.Context, rec model.Record) error

	// Get retrieves a record by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (model.Record, error)

	// Update persists a changed record with optimistic locking. rec.Version
	// must match the stored version; the stored copy is returned with the
	// version incremented. Returns CONFLICT on a version mismatch or when
	// the reference number differs from the stored one.
	Update(ctx context.Context, rec model.Record) (model.Record, error)

	// List returns records matching the filter, oldest first.
	List(ctx context.Context, filter RecordFilter) ([]model.Record, error)

	// AppendEvent adds an event to a record's audit trail.
	AppendEvent(ctx context.Context, event model.RecordEvent) error

	// Events returns a record's audit trail, oldest first.
	Events(ctx context.Context, recordID string) ([]model.RecordEvent, error)

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}

// RecordFilter narrows List. Empty fields match everything.
type RecordFilter struct {
	SubjectID string
	ServiceID string
	Status    model.Status
	Domain    model.Domain
}

func (f RecordFilter) matches(rec model.Record) bool {
	if f.SubjectID != "" && rec.SubjectID != f.SubjectID {
		return false
	}
	if f.ServiceID != "" && rec.ServiceID != f.ServiceID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Domain != "" && rec.Domain != f.Domain {
		return false
	}
	return true
}
