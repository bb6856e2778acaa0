package wizard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/civicportal/model"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func birthCertificate() model.ServiceDefinition {
	return model.ServiceDefinition{
		ID:              "birth-certificate",
		Name:            "Birth Certificate",
		Category:        "civil-registry",
		Domain:          model.DomainApplication,
		ReferencePrefix: "BC",
		Fee:             model.FeeDefinition{Amount: 2500, Currency: "USD"},
		Steps: []model.StepDefinition{
			{ID: "applicant", Title: "Applicant", Fields: []model.FieldDefinition{
				{Name: "first_name", Label: "First name", Type: model.FieldText, Required: true},
				{Name: "last_name", Label: "Last name", Type: model.FieldText},
				{Name: "email", Label: "Email", Type: model.FieldEmail},
			}},
			{ID: "details", Title: "Details", Fields: []model.FieldDefinition{
				{Name: "copies", Label: "Copies", Type: model.FieldSelect, Options: []string{"1", "2", "3"}},
				{Name: "attachments", Label: "Attachments", Type: model.FieldDocument},
			}},
			{ID: "confirm", Title: "Confirm", Fields: []model.FieldDefinition{
				{Name: "consent", Label: "Consent", Type: model.FieldBoolean, Required: true},
			}},
		},
	}
}

type recordingSubmitter struct {
	mu    sync.Mutex
	calls []model.Record
	err   error
}

func (s *recordingSubmitter) Submit(_ context.Context, rec model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rec)
	if s.err != nil {
		return model.Record{}, s.err
	}
	rec.Version = 1
	return rec, nil
}

func newTestWizard(t *testing.T, sub Submitter, appended *[]model.Record) *Wizard {
	t.Helper()
	return New(birthCertificate(), sub,
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { return "rec-1" }),
		WithOwner("citizen-1"),
		WithAppend(func(r model.Record) { *appended = append(*appended, r) }),
	)
}

func fillAll(t *testing.T, w *Wizard) {
	t.Helper()
	require.NoError(t, w.SetField("first_name", "Amina"))
	require.NoError(t, w.SetField("last_name", "Yusuf"))
	require.NoError(t, w.SetField("email", "amina@example.com"))
	require.NoError(t, w.SetField("consent", true))
}

func TestWizard_nextBlockedByRequiredField(t *testing.T) {
	var appended []model.Record
	w := newTestWizard(t, &recordingSubmitter{}, &appended)

	err := w.Next(context.Background())
	require.Error(t, err)
	ee, ok := model.AsEnvelope(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrValidationError, ee.Code)
	require.Len(t, ee.Details, 1)
	assert.Equal(t, "first_name", ee.Details[0].Field)
	assert.Equal(t, CodeRequired, ee.Details[0].Code)
	assert.Equal(t, 0, w.State().Step)

	require.NoError(t, w.SetField("first_name", "Amina"))
	require.NoError(t, w.Next(context.Background()))
	assert.Equal(t, 1, w.State().Step)
}

func TestWizard_whitespaceIsNotAValue(t *testing.T) {
	var appended []model.Record
	w := newTestWizard(t, &recordingSubmitter{}, &appended)
	require.NoError(t, w.SetField("first_name", "   "))
	assert.True(t, model.HasCode(w.Next(context.Background()), model.ErrValidationError))
}

func TestWizard_backNeverValidates(t *testing.T) {
	var appended []model.Record
	w := newTestWizard(t, &recordingSubmitter{}, &appended)

	require.NoError(t, w.Back())
	assert.Equal(t, 0, w.State().Step, "back on step 0 is a no-op")

	require.NoError(t, w.SetField("first_name", "Amina"))
	require.NoError(t, w.Next(context.Background()))
	require.NoError(t, w.SetField("first_name", ""))
	require.NoError(t, w.Back())
	assert.Equal(t, 0, w.State().Step)
}

func TestWizard_submitOnLastStep(t *testing.T) {
	var appended []model.Record
	sub := &recordingSubmitter{}
	w := newTestWizard(t, sub, &appended)
	fillAll(t, w)

	ctx := context.Background()
	require.NoError(t, w.Next(ctx))
	require.NoError(t, w.Next(ctx))
	assert.True(t, w.State().IsLastStep())
	require.NoError(t, w.Next(ctx))

	require.Len(t, sub.calls, 1)
	require.Len(t, appended, 1, "exactly one record appended")

	rec := appended[0]
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, 1, rec.Version, "append receives the stored record")
	assert.Equal(t, "birth-certificate", rec.ServiceID)
	assert.Equal(t, "citizen-1", rec.SubjectID)
	assert.Equal(t, model.StatusSubmitted, rec.Status)
	assert.Equal(t, fixedNow, rec.CreatedAt)
	assert.Equal(t, fixedNow, rec.UpdatedAt)
	assert.Equal(t, "Amina Yusuf", rec.ApplicantName)
	assert.Equal(t, "amina@example.com", rec.ApplicantEmail)
	assert.Equal(t, model.FeeUnpaid, rec.Fee.Status)
	assert.Regexp(t, `^BC-2026-[0-9A-F]{8}$`, rec.ReferenceNumber)
	assert.Equal(t, []string{}, rec.Payload["attachments"])

	st := w.State()
	assert.False(t, st.Open)
	assert.Equal(t, 0, st.Step)
	assert.Equal(t, "", w.Draft().Fields["first_name"], "draft reset after submit")
	assert.True(t, model.HasCode(w.Next(ctx), model.ErrWizardClosed))
}

func TestWizard_referenceGeneratorSeesPrefixAndTime(t *testing.T) {
	var gotPrefix string
	var gotAt time.Time
	sub := &recordingSubmitter{}
	w := New(birthCertificate(), sub,
		WithClock(func() time.Time { return fixedNow }),
		WithReferenceGenerator(func(prefix string, at time.Time) string {
			gotPrefix, gotAt = prefix, at
			return "BC-2026-0000002A"
		}),
	)
	assert.Equal(t, "Birth Certificate", w.Definition().Name)
	fillAll(t, w)

	require.NoError(t, w.Submit(context.Background()))
	require.Len(t, sub.calls, 1)
	assert.Equal(t, "BC-2026-0000002A", sub.calls[0].ReferenceNumber)
	assert.Equal(t, "BC", gotPrefix)
	assert.Equal(t, fixedNow, gotAt)
}

func TestWizard_submitValidatesEveryStep(t *testing.T) {
	var appended []model.Record
	sub := &recordingSubmitter{}
	w := newTestWizard(t, sub, &appended)
	require.NoError(t, w.SetField("first_name", "Amina"))

	err := w.Submit(context.Background())
	ee, ok := model.AsEnvelope(err)
	require.True(t, ok)
	require.Len(t, ee.Details, 1)
	assert.Equal(t, "consent", ee.Details[0].Field)
	assert.Empty(t, sub.calls)
}

func TestWizard_failurePreservesDraft(t *testing.T) {
	var appended []model.Record
	sub := &recordingSubmitter{err: errors.New("network down")}
	w := newTestWizard(t, sub, &appended)
	fillAll(t, w)
	require.NoError(t, w.Next(context.Background()))

	err := w.Submit(context.Background())
	require.EqualError(t, err, "network down")
	assert.Empty(t, appended)

	st := w.State()
	assert.True(t, st.Open)
	assert.False(t, st.InFlight)
	assert.EqualError(t, st.LastError, "network down")
	assert.Equal(t, 1, st.Step)
	assert.Equal(t, "Amina", w.Draft().Fields["first_name"])

	sub.err = nil
	require.NoError(t, w.Submit(context.Background()))
	require.Len(t, appended, 1)
	require.Len(t, sub.calls, 2)
	assert.Equal(t, sub.calls[0].ReferenceNumber, sub.calls[1].ReferenceNumber, "reference number assigned once")
	assert.Equal(t, sub.calls[0].ID, sub.calls[1].ID)
	assert.Nil(t, w.State().LastError)
}

// blockingSubmitter parks until released or its context is cancelled.
type blockingSubmitter struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func newBlockingSubmitter() *blockingSubmitter {
	return &blockingSubmitter{
		started: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
}

func (b *blockingSubmitter) Submit(ctx context.Context, rec model.Record) (model.Record, error) {
	close(b.started)
	select {
	case <-b.release:
		return rec, nil
	case <-ctx.Done():
		b.ctxErr <- ctx.Err()
		return model.Record{}, ctx.Err()
	}
}

func TestWizard_rejectsSecondSubmitWhileInFlight(t *testing.T) {
	var appended []model.Record
	sub := newBlockingSubmitter()
	w := newTestWizard(t, sub, &appended)
	fillAll(t, w)

	done := make(chan error, 1)
	go func() { done <- w.Submit(context.Background()) }()
	<-sub.started

	assert.True(t, w.State().InFlight)
	assert.True(t, model.HasCode(w.Submit(context.Background()), model.ErrSubmissionInFlight))
	assert.True(t, model.HasCode(w.SetField("first_name", "X"), model.ErrSubmissionInFlight))
	assert.True(t, model.HasCode(w.Back(), model.ErrSubmissionInFlight))

	close(sub.release)
	require.NoError(t, <-done)
	assert.Len(t, appended, 1)
}

func TestWizard_cancelWhileInFlightIgnoresResult(t *testing.T) {
	var appended []model.Record
	sub := newBlockingSubmitter()
	w := newTestWizard(t, sub, &appended)
	fillAll(t, w)

	done := make(chan error, 1)
	go func() { done <- w.Submit(context.Background()) }()
	<-sub.started

	w.Cancel()
	assert.ErrorIs(t, <-sub.ctxErr, context.Canceled)
	assert.ErrorIs(t, <-done, ErrAbandoned)
	assert.Empty(t, appended)

	st := w.State()
	assert.False(t, st.Open)
	assert.False(t, st.InFlight)
	assert.Nil(t, st.LastError)
}

func TestWizard_disposeBlocksReopen(t *testing.T) {
	var appended []model.Record
	w := newTestWizard(t, &recordingSubmitter{}, &appended)
	w.Dispose()

	assert.True(t, model.HasCode(w.Open(), model.ErrWizardClosed))
	assert.True(t, model.HasCode(w.SetField("first_name", "A"), model.ErrWizardClosed))
}

func TestWizard_cancelDiscardsDraftAndOpenStartsFresh(t *testing.T) {
	var appended []model.Record
	sub := &recordingSubmitter{}
	w := newTestWizard(t, sub, &appended)
	fillAll(t, w)
	require.NoError(t, w.Next(context.Background()))

	w.Cancel()
	assert.False(t, w.State().Open)
	assert.Empty(t, sub.calls)
	assert.Empty(t, appended)

	require.NoError(t, w.Open())
	st := w.State()
	assert.True(t, st.Open)
	assert.Equal(t, 0, st.Step)
	assert.Equal(t, "", w.Draft().Fields["first_name"])
	assert.Equal(t, false, w.Draft().Fields["consent"])
}

func TestWizard_setFieldTypeChecks(t *testing.T) {
	var appended []model.Record
	w := newTestWizard(t, &recordingSubmitter{}, &appended)

	assert.True(t, model.HasCode(w.SetField("consent", "yes"), model.ErrValidationError))
	assert.True(t, model.HasCode(w.SetField("first_name", 42), model.ErrValidationError))
	assert.True(t, model.HasCode(w.SetField("nope", "x"), model.ErrBadRequest))
	require.NoError(t, w.SetField("attachments", []any{"doc-1", "doc-2"}))
	assert.Equal(t, []string{"doc-1", "doc-2"}, w.Draft().Fields["attachments"])
}

func TestWizard_draftIsACopy(t *testing.T) {
	var appended []model.Record
	w := newTestWizard(t, &recordingSubmitter{}, &appended)
	require.NoError(t, w.SetField("attachments", []string{"a"}))

	d := w.Draft()
	d.Fields["attachments"].([]string)[0] = "mutated"
	d.Fields["first_name"] = "mutated"

	assert.Equal(t, []string{"a"}, w.Draft().Fields["attachments"])
	assert.Equal(t, "", w.Draft().Fields["first_name"])
}

func TestWizard_freeServiceFeeWaived(t *testing.T) {
	def := birthCertificate()
	def.Fee = model.FeeDefinition{}
	def.Domain = model.DomainBenefit
	var appended []model.Record
	w := New(def, &recordingSubmitter{}, WithAppend(func(r model.Record) { appended = append(appended, r) }))
	fillAll(t, w)

	require.NoError(t, w.Submit(context.Background()))
	require.Len(t, appended, 1)
	assert.Equal(t, model.FeeWaived, appended[0].Fee.Status)
	assert.Equal(t, model.StatusSubmitted, appended[0].Status)
}
