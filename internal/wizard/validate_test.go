package wizard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/civicportal/model"
)

func TestValidateStep(t *testing.T) {
	fields := []model.FieldDefinition{
		{Name: "name", Type: model.FieldText, Required: true},
		{Name: "agree", Type: model.FieldBoolean, Required: true},
		{Name: "docs", Type: model.FieldDocument, Required: true, MinItems: 2},
		{Name: "extras", Type: model.FieldList, MinItems: 2},
		{Name: "kind", Type: model.FieldSelect, Options: []string{"new", "renewal"}},
		{Name: "born", Type: model.FieldDate},
		{Name: "email", Type: model.FieldEmail},
	}
	def := model.ServiceDefinition{Steps: []model.StepDefinition{{ID: "s", Fields: fields}}}

	tests := []struct {
		name   string
		values map[string]any
		want   map[string]string
	}{
		{
			name:   "everything missing",
			values: map[string]any{},
			want:   map[string]string{"name": CodeRequired, "agree": CodeRequired, "docs": CodeRequired},
		},
		{
			name: "valid",
			values: map[string]any{
				"name": "Amina", "agree": true, "docs": []string{"a", "b"},
				"kind": "renewal", "born": "1990-02-01", "email": "a@b.example",
			},
			want: map[string]string{},
		},
		{
			name: "too few items and bad formats",
			values: map[string]any{
				"name": "Amina", "agree": true, "docs": []string{"a"}, "extras": []string{"x"},
				"kind": "upgrade", "born": "01/02/1990", "email": "nope",
			},
			want: map[string]string{
				"docs": CodeMinItems, "extras": CodeMinItems, "kind": CodeInvalidOption,
				"born": CodeInvalidDate, "email": CodeInvalidEmail,
			},
		},
		{
			name:   "wrong type",
			values: map[string]any{"name": true, "agree": true, "docs": []string{"a", "b"}},
			want:   map[string]string{"name": CodeInvalidType},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := map[string]string{}
			for _, fe := range ValidateStep(def, 0, tt.values) {
				got[fe.Field] = fe.Code
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateStep_outOfRangeAndEmptyStepsPass(t *testing.T) {
	def := model.ServiceDefinition{Steps: []model.StepDefinition{{ID: "intro"}}}
	assert.Empty(t, ValidateStep(def, 0, nil))
	assert.Empty(t, ValidateStep(def, 5, nil))
}

func TestValidatePayload(t *testing.T) {
	def := birthCertificate()

	err := ValidatePayload(def, map[string]any{"first_name": "Amina", "consent": true, "attachments": []any{"d1"}})
	require.NoError(t, err)

	err = ValidatePayload(def, map[string]any{"first_name": "Amina", "consent": true, "surprise": "x"})
	ee, ok := model.AsEnvelope(err)
	require.True(t, ok)
	require.Len(t, ee.Details, 1)
	assert.Equal(t, CodeUnknownField, ee.Details[0].Code)

	err = ValidatePayload(def, map[string]any{"consent": false})
	ee, ok = model.AsEnvelope(err)
	require.True(t, ok)
	assert.Len(t, ee.Details, 2)
}

func TestNormalizePayload_fillsZeroValues(t *testing.T) {
	out, err := NormalizePayload(birthCertificate(), map[string]any{"first_name": "Amina"})
	require.NoError(t, err)
	assert.Equal(t, "Amina", out["first_name"])
	assert.Equal(t, "", out["last_name"])
	assert.Equal(t, false, out["consent"])
	assert.Equal(t, []string{}, out["attachments"])
}

func TestNewReference(t *testing.T) {
	at := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	ref := NewReference("bc", at)
	assert.Regexp(t, `^BC-2027-[0-9A-F]{8}$`, ref)
	assert.True(t, ValidReference(ref))
	assert.NotEqual(t, ref, NewReference("bc", at))

	assert.Regexp(t, `^REF-2027-`, NewReference("", at))
	assert.False(t, ValidReference("bc-2027-abc"))
}

func TestApplicant(t *testing.T) {
	name, email := Applicant(map[string]any{"full_name": " Amina Yusuf ", "first_name": "X", "email": "a@example.com"})
	assert.Equal(t, "Amina Yusuf", name)
	assert.Equal(t, "a@example.com", email)

	name, _ = Applicant(map[string]any{"first_name": "Amina"})
	assert.Equal(t, "Amina", name)

	name, email = Applicant(nil)
	assert.Empty(t, name)
	assert.Empty(t, email)
}
