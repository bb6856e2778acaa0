// Package wizard drives the multi-step application form for one catalog
// service: per-step validation, navigation and a single fallible
// submission that hands the finished record to the caller.
package wizard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/civicportal/model"
)

// ErrAbandoned is returned by Submit when the wizard was cancelled or
// disposed while the submission was in flight. The submitter's result is
// discarded.
var ErrAbandoned = errors.New("wizard: submission abandoned")

// Submitter persists a finished record. It returns the record as stored.
type Submitter interface {
	Submit(ctx context.Context, rec model.Record) (model.Record, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, rec model.Record) (model.Record, error)

// Submit calls f.
func (f SubmitterFunc) Submit(ctx context.Context, rec model.Record) (model.Record, error) {
	return f(ctx, rec)
}

// Option configures a Wizard.
type Option func(*Wizard)

// WithAppend sets the callback receiving each successfully submitted
// record. It runs with the wizard locked and must not call back into it.
func WithAppend(fn func(model.Record)) Option {
	return func(w *Wizard) { w.appendFn = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Wizard) { w.now = now }
}

// WithReferenceGenerator overrides reference number generation.
func WithReferenceGenerator(gen ReferenceGenerator) Option {
	return func(w *Wizard) { w.newRef = gen }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func() string) Option {
	return func(w *Wizard) { w.newID = gen }
}

// WithOwner sets the subject the record is submitted for.
func WithOwner(subjectID string) Option {
	return func(w *Wizard) { w.owner = subjectID }
}

// State is a snapshot of the wizard's position.
type State struct {
	Step      int
	StepCount int
	Open      bool
	InFlight  bool
	LastError error
}

// IsLastStep reports whether the wizard is on its final step.
func (s State) IsLastStep() bool {
	return s.StepCount > 0 && s.Step == s.StepCount-1
}

// Wizard is the form state machine for one service. Steps run 0..N-1;
// Next on the last step submits. A successful submission closes the
// wizard and resets its draft. It is safe for concurrent use.
type Wizard struct {
	mu sync.Mutex

	def       model.ServiceDefinition
	submitter Submitter
	appendFn  func(model.Record)
	now       func() time.Time
	newRef    ReferenceGenerator
	newID     func() string
	owner     string

	draft    model.Draft
	open     bool
	disposed bool
	lastErr  error

	// pending holds the identity (id, reference, created time) of the record
	// being submitted so a retry after failure reuses it.
	pending *model.Record

	inFlight   bool
	cancelSend context.CancelFunc
	// generation changes whenever the draft is discarded; a submission
	// started under an older generation is ignored when it returns.
	generation uint64
}

// New returns an open wizard for def with an empty draft.
func New(def model.ServiceDefinition, submitter Submitter, opts ...Option) *Wizard {
	w := &Wizard{
		def:       def,
		submitter: submitter,
		now:       time.Now,
		newRef:    NewReference,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.draft = w.emptyDraft()
	w.open = true
	return w
}

// Definition returns the service this wizard collects data for.
func (w *Wizard) Definition() model.ServiceDefinition {
	return w.def
}

func (w *Wizard) emptyDraft() model.Draft {
	fields := make(map[string]any)
	for _, f := range w.def.Fields() {
		fields[f.Name] = ZeroValue(f)
	}
	return model.Draft{Fields: fields}
}

// usable reports why the draft cannot be changed right now. Must be called
// with the lock held.
func (w *Wizard) usable() error {
	if !w.open || w.disposed {
		return model.NewWizardClosedError()
	}
	if w.inFlight {
		return model.NewSubmissionInFlightError()
	}
	return nil
}

// SetField stores a value in the draft. The value must match the field's
// kind: string, bool or []string.
func (w *Wizard) SetField(name string, value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	f, ok := w.def.Field(name)
	if !ok {
		return model.NewBadRequestError("unknown field " + name)
	}
	v, ok := NormalizeValue(f, value)
	if !ok {
		return model.NewValidationError([]model.FieldError{{
			Field:   name,
			Code:    CodeInvalidType,
			Message: label(f) + " has the wrong type",
		}})
	}
	w.draft.Fields[name] = v
	return nil
}

// Next validates the current step and advances. On the last step it
// submits instead. An invalid step leaves the wizard where it is.
func (w *Wizard) Next(ctx context.Context) error {
	w.mu.Lock()
	if err := w.usable(); err != nil {
		w.mu.Unlock()
		return err
	}
	if details := ValidateStep(w.def, w.draft.StepIndex, w.draft.Fields); len(details) > 0 {
		w.mu.Unlock()
		return model.NewValidationError(details)
	}
	if w.draft.StepIndex < len(w.def.Steps)-1 {
		w.draft.StepIndex++
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	return w.Submit(ctx)
}

// Back returns to the previous step without validation. It does nothing on
// the first step.
func (w *Wizard) Back() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	if w.draft.StepIndex > 0 {
		w.draft.StepIndex--
	}
	return nil
}

// Submit validates the whole draft, builds the record and hands it to the
// submitter. On success the stored record goes to the append callback,
// the draft is reset and the wizard closes. On failure the draft is kept,
// the error is recorded as LastError and returned; retrying is up to the
// caller.
func (w *Wizard) Submit(ctx context.Context) error {
	w.mu.Lock()
	if err := w.usable(); err != nil {
		w.mu.Unlock()
		return err
	}
	if err := ValidatePayload(w.def, w.draft.Fields); err != nil {
		w.mu.Unlock()
		return err
	}

	rec := w.buildRecord()
	sendCtx, cancel := context.WithCancel(ctx)
	gen := w.generation
	w.inFlight = true
	w.cancelSend = cancel
	w.mu.Unlock()

	stored, err := w.submitter.Submit(sendCtx, rec)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if gen != w.generation {
		return ErrAbandoned
	}
	w.inFlight = false
	w.cancelSend = nil

	if err != nil {
		w.lastErr = err
		return err
	}
	if stored.ID == "" {
		stored = rec
	}

	if w.appendFn != nil {
		w.appendFn(stored)
	}
	w.reset()
	w.open = false
	return nil
}

// buildRecord assembles the record for the current draft. The id,
// reference number and creation time are fixed on the first attempt.
// Must be called with the lock held.
func (w *Wizard) buildRecord() model.Record {
	if w.pending == nil {
		now := w.now().UTC()
		w.pending = &model.Record{
			ID:              w.newID(),
			ReferenceNumber: w.newRef(w.def.ReferencePrefix, now),
			CreatedAt:       now,
		}
	}

	payload := make(map[string]any, len(w.draft.Fields))
	for _, f := range w.def.Fields() {
		v, _ := NormalizeValue(f, w.draft.Fields[f.Name])
		payload[f.Name] = v
	}

	initial := model.StatusSubmitted
	if g, ok := model.GraphFor(w.def.Domain); ok {
		initial = g.Initial()
	}
	name, email := Applicant(payload)

	return model.Record{
		ID:              w.pending.ID,
		ServiceID:       w.def.ID,
		ServiceName:     w.def.Name,
		Category:        w.def.Category,
		Domain:          w.def.Domain,
		SubjectID:       w.owner,
		ApplicantName:   name,
		ApplicantEmail:  email,
		Status:          initial,
		ReferenceNumber: w.pending.ReferenceNumber,
		Fee:             InitialFee(w.def),
		Payload:         payload,
		CreatedAt:       w.pending.CreatedAt,
		UpdatedAt:       w.pending.CreatedAt,
	}
}

// reset discards the draft and any submission identity. Must be called
// with the lock held.
func (w *Wizard) reset() {
	w.draft = w.emptyDraft()
	w.pending = nil
	w.lastErr = nil
	w.generation++
}

// abort cancels an in-flight submission so its result is ignored. Must be
// called with the lock held.
func (w *Wizard) abort() {
	if w.cancelSend != nil {
		w.cancelSend()
		w.cancelSend = nil
	}
	w.inFlight = false
}

// Cancel discards the draft and closes the wizard without submitting. An
// in-flight submission is cancelled and its outcome ignored.
func (w *Wizard) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.abort()
	w.reset()
	w.open = false
}

// Dispose releases the wizard for good. Like Cancel, but it cannot be
// reopened afterwards.
func (w *Wizard) Dispose() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.abort()
	w.reset()
	w.open = false
	w.disposed = true
}

// Open reopens a closed wizard on step 0 with an empty draft. Opening an
// open wizard keeps its draft.
func (w *Wizard) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.disposed {
		return model.NewWizardClosedError()
	}
	if w.open {
		return nil
	}
	w.reset()
	w.open = true
	return nil
}

// Draft returns a copy of the in-progress form data.
func (w *Wizard) Draft() model.Draft {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft.Clone()
}

// Fields returns a copy of the draft field values.
func (w *Wizard) Fields() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft.Clone().Fields
}

// State returns the current position and submission status.
func (w *Wizard) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return State{
		Step:      w.draft.StepIndex,
		StepCount: len(w.def.Steps),
		Open:      w.open && !w.disposed,
		InFlight:  w.inFlight,
		LastError: w.lastErr,
	}
}
