package model

import (
	"maps"
	"time"
)

// Fee is the amount a citizen owes for a service and its payment state.
type Fee struct {
	Amount   int64      `json:"amount"`
	Currency string     `json:"currency"`
	Status   FeeStatus  `json:"status"`
	PaidAt   *time.Time `json:"paid_at,omitempty"`
	Receipt  string     `json:"receipt,omitempty"`
}

// Record is a submitted application for one catalog service.
type Record struct {
	ID              string         `json:"id"`
	ServiceID       string         `json:"service_id"`
	ServiceName     string         `json:"service_name"`
	Category        string         `json:"category"`
	Domain          Domain         `json:"domain"`
	SubjectID       string         `json:"subject_id"`
	ApplicantName   string         `json:"applicant_name"`
	ApplicantEmail  string         `json:"applicant_email"`
	Status          Status         `json:"status"`
	ReferenceNumber string         `json:"reference_number"`
	Fee             Fee            `json:"fee"`
	Payload         map[string]any `json:"payload,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Version         int            `json:"version"`
}

// Clone returns a copy whose payload can be mutated independently.
func (r Record) Clone() Record {
	r.Payload = maps.Clone(r.Payload)
	if r.Fee.PaidAt != nil {
		paid := *r.Fee.PaidAt
		r.Fee.PaidAt = &paid
	}
	return r
}

// RecordEvent is one entry of a record's audit trail.
type RecordEvent struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Event     string    `json:"event"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	ActorID   string    `json:"actor_id"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit event names.
const (
	EventSubmitted     = "submitted"
	EventStatusChanged = "status_changed"
	EventFeePaid       = "fee_paid"
)

// Draft is the in-progress, unsaved form data of an application wizard.
// Field values are string, bool or []string.
type Draft struct {
	StepIndex int            `json:"step_index"`
	Fields    map[string]any `json:"fields"`
}

// Clone deep-copies the draft, including list values.
func (d Draft) Clone() Draft {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		fields[k] = v
	}
	return Draft{StepIndex: d.StepIndex, Fields: fields}
}
