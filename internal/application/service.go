package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/civicportal/internal/catalog"
	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/internal/wizard"
	"github.com/pitabwire/civicportal/model"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Notifier delivers status messages to citizens. Delivery failures are
// logged and never fail the operation that triggered them.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// SubmitRequest is the body of an application submission. ID and
// ReferenceNumber are optional; a client that already assigned them (the
// wizard does) has them kept so retries stay recognisable.
type SubmitRequest struct {
	ServiceID       string         `json:"service_id"`
	ID              string         `json:"id,omitempty"`
	ReferenceNumber string         `json:"reference_number,omitempty"`
	Payload         map[string]any `json:"payload"`
}

// TransitionRequest moves a record to a new status.
type TransitionRequest struct {
	To      model.Status `json:"to"`
	Comment string       `json:"comment,omitempty"`
	// Version, when set, must match the stored record.
	Version int `json:"version,omitempty"`
}

// PaymentRequest settles a record's fee.
type PaymentRequest struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

// Option configures a Service.
type Option func(*Service)

// WithIdempotency enables X-Idempotency-Key handling on Submit.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(s *Service) {
		s.idem = store
		if ttl > 0 {
			s.idemTTL = ttl
		}
	}
}

// WithNotifier sets the notification sink for status changes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics records submissions and transitions on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements application submission and review.
type Service struct {
	records     RecordStore
	catalog     *catalog.Registry
	capResolver model.CapabilityResolver
	idem        IdempotencyStore
	idemTTL     time.Duration
	notifier    Notifier
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a new application service.
func NewService(
	records RecordStore,
	registry *catalog.Registry,
	capResolver model.CapabilityResolver,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		records:     records,
		catalog:     registry,
		capResolver: capResolver,
		idemTTL:     defaultIdempotencyTTL,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) capabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	caps, err := s.capResolver.Resolve(rctx)
	if err != nil {
		return nil, fmt.Errorf("resolve capabilities: %w", err)
	}
	return caps, nil
}

// Submit validates a submission against its catalog service and stores the
// resulting record in the domain's initial status. With a non-empty
// idempotencyKey a repeated identical submission returns the first result
// and replayed is true; the same key with a different body is CONFLICT.
func (s *Service) Submit(
	ctx context.Context,
	rctx *model.RequestContext,
	req SubmitRequest,
	idempotencyKey string,
) (rec model.Record, replayed bool, err error) {
	ctx, span := observability.StartSpan(ctx, "application.submit",
		observability.AttrServiceID.String(req.ServiceID),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	defer func() {
		if ee, ok := model.AsEnvelope(err); ok {
			s.metrics.RecordSubmissionFailure(req.ServiceID, ee.Code)
		}
		span.SetAttributes(observability.AttrReplayed.Bool(replayed))
		observability.EndSpanWithError(span, err)
	}()

	caps, err := s.capabilities(rctx)
	if err != nil {
		return model.Record{}, false, err
	}
	if !caps.Has(model.CapApplicationsSubmit) {
		return model.Record{}, false, model.NewForbiddenError("not allowed to submit applications")
	}

	def, ok := s.catalog.Service(req.ServiceID)
	if !ok {
		return model.Record{}, false, model.NewNotFoundError(fmt.Sprintf("service %q not found", req.ServiceID))
	}

	payload, err := wizard.NormalizePayload(def, req.Payload)
	if err != nil {
		return model.Record{}, false, err
	}
	if err := wizard.ValidatePayload(def, payload); err != nil {
		return model.Record{}, false, err
	}
	if ce := s.logger.Check(zap.DebugLevel, "application payload"); ce != nil {
		ce.Write(zap.String("service_id", def.ID), zap.Any("payload", observability.RedactBody(payload, nil)))
	}

	var idemKey, inputHash string
	if s.idem != nil && idempotencyKey != "" {
		idemKey = FormatIdempotencyKey(rctx.SubjectID, idempotencyKey)
		if inputHash, err = HashSubmission(def.ID, payload); err != nil {
			return model.Record{}, false, err
		}
		cached, found, err := s.idem.Check(ctx, idemKey, inputHash)
		if err != nil {
			if model.HasCode(err, model.ErrConflict) {
				s.metrics.RecordIdempotencyConflict()
			}
			return model.Record{}, false, err
		}
		if found {
			s.metrics.RecordIdempotencyReplay()
			return *cached, true, nil
		}
	}

	rec, err = s.buildRecord(rctx, def, req, payload)
	if err != nil {
		return model.Record{}, false, err
	}
	span.SetAttributes(
		observability.AttrRecordID.String(rec.ID),
		observability.AttrReference.String(rec.ReferenceNumber),
	)

	if err := s.records.Create(ctx, rec); err != nil {
		return model.Record{}, false, err
	}
	if err := s.appendEvent(ctx, rec.ID, model.EventSubmitted, "", rec.Status, rctx.SubjectID, ""); err != nil {
		return model.Record{}, false, err
	}

	if idemKey != "" {
		if err := s.idem.Store(ctx, idemKey, inputHash, rec, s.idemTTL); err != nil {
			observability.RequestLogger(ctx, s.logger).Warn("failed to store idempotency key",
				zap.String("record_id", rec.ID), zap.Error(err))
		}
	}

	s.metrics.RecordSubmission(def.ID, string(def.Domain))
	observability.RequestLogger(ctx, s.logger).Info("application submitted",
		zap.String("record_id", rec.ID),
		zap.String("service_id", def.ID),
		zap.String("reference_number", rec.ReferenceNumber),
	)
	s.notify(ctx, rec, "Application received",
		fmt.Sprintf("Your %s application %s was received.", def.Name, rec.ReferenceNumber))

	return rec, false, nil
}

func (s *Service) buildRecord(
	rctx *model.RequestContext,
	def model.ServiceDefinition,
	req SubmitRequest,
	payload map[string]any,
) (model.Record, error) {
	var details []model.FieldError

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		details = append(details, model.FieldError{Field: "id", Code: "invalid_format", Message: "id must be a UUID"})
	}

	now := s.now().UTC()
	ref := req.ReferenceNumber
	if ref == "" {
		ref = wizard.NewReference(def.ReferencePrefix, now)
	} else if !validReferenceFor(def, ref) {
		details = append(details, model.FieldError{
			Field:   "reference_number",
			Code:    "invalid_format",
			Message: "reference number does not belong to this service",
		})
	}
	if len(details) > 0 {
		return model.Record{}, model.NewValidationError(details)
	}

	initial := model.StatusSubmitted
	if g, ok := model.GraphFor(def.Domain); ok {
		initial = g.Initial()
	}
	name, email := wizard.Applicant(payload)
	if email == "" {
		email = rctx.Email
	}

	return model.Record{
		ID:              id,
		ServiceID:       def.ID,
		ServiceName:     def.Name,
		Category:        def.Category,
		Domain:          def.Domain,
		SubjectID:       rctx.SubjectID,
		ApplicantName:   name,
		ApplicantEmail:  email,
		Status:          initial,
		ReferenceNumber: ref,
		Fee:             wizard.InitialFee(def),
		Payload:         payload,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}, nil
}

func validReferenceFor(def model.ServiceDefinition, ref string) bool {
	prefix := strings.ToUpper(def.ReferencePrefix)
	if prefix == "" {
		prefix = wizard.DefaultReferencePrefix
	}
	return wizard.ValidReference(ref) && strings.HasPrefix(ref, prefix+"-")
}

// Get returns a record visible to the caller. Records of other citizens
// are reported as NOT_FOUND unless the caller may list all applications.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, id string) (model.Record, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if err := s.checkVisible(rctx, rec); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

func (s *Service) checkVisible(rctx *model.RequestContext, rec model.Record) error {
	if rec.SubjectID == rctx.SubjectID {
		return nil
	}
	caps, err := s.capabilities(rctx)
	if err != nil {
		return err
	}
	if caps.HasAny(model.CapApplicationsListAll, model.CapApplicationsReview) {
		return nil
	}
	return model.NewNotFoundError(fmt.Sprintf("application %q not found", rec.ID))
}

// ListForSubject returns the caller's own records in arrival order.
func (s *Service) ListForSubject(ctx context.Context, rctx *model.RequestContext) ([]model.Record, error) {
	return s.records.List(ctx, RecordFilter{SubjectID: rctx.SubjectID})
}

// ListAll returns every record matching filter. Requires
// applications:list:all.
func (s *Service) ListAll(ctx context.Context, rctx *model.RequestContext, filter RecordFilter) ([]model.Record, error) {
	caps, err := s.capabilities(rctx)
	if err != nil {
		return nil, err
	}
	if !caps.Has(model.CapApplicationsListAll) {
		return nil, model.NewForbiddenError("not allowed to list all applications")
	}
	return s.records.List(ctx, filter)
}

// Transition moves a record one edge along its domain's status graph.
// Requires applications:review.
func (s *Service) Transition(
	ctx context.Context,
	rctx *model.RequestContext,
	id string,
	req TransitionRequest,
) (rec model.Record, err error) {
	ctx, span := observability.StartSpan(ctx, "application.transition",
		observability.AttrRecordID.String(id),
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrToStatus.String(string(req.To)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	caps, err := s.capabilities(rctx)
	if err != nil {
		return model.Record{}, err
	}
	if !caps.Has(model.CapApplicationsReview) {
		return model.Record{}, model.NewForbiddenError("not allowed to review applications")
	}

	rec, err = s.records.Get(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if req.Version != 0 && req.Version != rec.Version {
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("application %q is at version %d, not %d", id, rec.Version, req.Version),
		)
	}
	span.SetAttributes(
		observability.AttrDomain.String(string(rec.Domain)),
		observability.AttrFromStatus.String(string(rec.Status)),
	)

	graph, ok := model.GraphFor(rec.Domain)
	if !ok || !graph.Allows(rec.Status, req.To) {
		s.metrics.RecordTransitionRejected(string(rec.Domain))
		return model.Record{}, model.NewInvalidTransitionError(rec.Status, req.To)
	}

	from := rec.Status
	rec.Status = req.To
	rec.UpdatedAt = s.later(rec.UpdatedAt)

	rec, err = s.records.Update(ctx, rec)
	if err != nil {
		return model.Record{}, err
	}
	if err := s.appendEvent(ctx, rec.ID, model.EventStatusChanged, from, rec.Status, rctx.SubjectID, req.Comment); err != nil {
		return model.Record{}, err
	}

	s.metrics.RecordTransition(string(rec.Domain), string(from), string(rec.Status))
	observability.RequestLogger(ctx, s.logger).Info("application status changed",
		zap.String("record_id", rec.ID),
		zap.String("from", string(from)),
		zap.String("to", string(rec.Status)),
	)

	body := fmt.Sprintf("Your application %s is now %s.", rec.ReferenceNumber, rec.Status)
	if req.Comment != "" {
		body += " " + req.Comment
	}
	s.notify(ctx, rec, "Application status updated", body)

	return rec, nil
}

// History returns a record's audit trail.
func (s *Service) History(ctx context.Context, rctx *model.RequestContext, id string) ([]model.RecordEvent, error) {
	if _, err := s.Get(ctx, rctx, id); err != nil {
		return nil, err
	}
	return s.records.Events(ctx, id)
}

// RecordPayment marks the fee of the caller's record as paid. The amount
// must match the fee exactly.
func (s *Service) RecordPayment(
	ctx context.Context,
	rctx *model.RequestContext,
	id string,
	req PaymentRequest,
) (model.Record, error) {
	rec, err := s.Get(ctx, rctx, id)
	if err != nil {
		return model.Record{}, err
	}
	if rec.SubjectID != rctx.SubjectID {
		return model.Record{}, model.NewForbiddenError("only the applicant can pay for an application")
	}
	if !model.IsFeeTransitionAllowed(rec.Fee.Status, model.FeePaid) {
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("fee of application %q is %s", id, rec.Fee.Status),
		)
	}
	if req.Amount != rec.Fee.Amount {
		return model.Record{}, model.NewValidationError([]model.FieldError{{
			Field:   "amount",
			Code:    "amount_mismatch",
			Message: fmt.Sprintf("amount must be %d %s", rec.Fee.Amount, rec.Fee.Currency),
		}})
	}

	paidAt := s.now().UTC()
	rec.Fee.Status = model.FeePaid
	rec.Fee.PaidAt = &paidAt
	rec.Fee.Receipt = newReceipt()
	rec.UpdatedAt = s.later(rec.UpdatedAt)

	rec, err = s.records.Update(ctx, rec)
	if err != nil {
		return model.Record{}, err
	}
	comment := strings.TrimSpace(req.Method + " " + rec.Fee.Receipt)
	if err := s.appendEvent(ctx, rec.ID, model.EventFeePaid, "", "", rctx.SubjectID, comment); err != nil {
		return model.Record{}, err
	}

	s.metrics.RecordFeePayment(rec.ServiceID)
	observability.RequestLogger(ctx, s.logger).Info("application fee paid",
		zap.String("record_id", rec.ID),
		zap.String("receipt", rec.Fee.Receipt),
	)
	return rec, nil
}

// HealthCheck reports the record store's health.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.records.HealthCheck(ctx)
}

// later returns now, nudged past prev so UpdatedAt strictly increases.
func (s *Service) later(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (s *Service) appendEvent(
	ctx context.Context,
	recordID, event string,
	from, to model.Status,
	actorID, comment string,
) error {
	return s.records.AppendEvent(ctx, model.RecordEvent{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		Event:     event,
		From:      from,
		To:        to,
		ActorID:   actorID,
		Comment:   comment,
		Timestamp: s.now().UTC(),
	})
}

func (s *Service) notify(ctx context.Context, rec model.Record, title, body string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, model.Notification{
		ID:        uuid.NewString(),
		SubjectID: rec.SubjectID,
		Title:     title,
		Body:      body,
		RecordID:  rec.ID,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("failed to deliver notification",
			zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func newReceipt() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "RCT-" + strings.ToUpper(id[:10])
}
