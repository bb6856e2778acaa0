package wizard

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/pitabwire/civicportal/model"
)

// Field error codes reported in validation details.
const (
	CodeRequired      = "required"
	CodeMinItems      = "min_items"
	CodeInvalidType   = "invalid_type"
	CodeInvalidOption = "invalid_option"
	CodeInvalidDate   = "invalid_date"
	CodeInvalidEmail  = "invalid_email"
	CodeUnknownField  = "unknown_field"
)

// DateLayout is the wire format of date fields.
const DateLayout = "2006-01-02"

// ZeroValue returns the empty value a draft holds for a field.
func ZeroValue(f model.FieldDefinition) any {
	switch model.FieldKind(f.Type) {
	case model.KindBool:
		return false
	case model.KindList:
		return []string{}
	default:
		return ""
	}
}

// NormalizeValue converts v to the Go type a draft stores for f. JSON
// decoded lists ([]any of strings) become []string. It reports false when
// v cannot represent a value of the field's kind.
func NormalizeValue(f model.FieldDefinition, v any) (any, bool) {
	if v == nil {
		return ZeroValue(f), true
	}
	switch model.FieldKind(f.Type) {
	case model.KindBool:
		b, ok := v.(bool)
		return b, ok
	case model.KindList:
		switch list := v.(type) {
		case []string:
			return slices.Clone(list), true
		case []any:
			out := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, false
				}
				out = append(out, s)
			}
			return out, true
		}
		return nil, false
	default:
		s, ok := v.(string)
		return s, ok
	}
}

// NormalizePayload returns a copy of payload holding a normalized value for
// every field the service declares. Fields missing from payload get their
// zero value. Undeclared or mistyped fields are reported as a
// VALIDATION_ERROR.
func NormalizePayload(def model.ServiceDefinition, payload map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	var details []model.FieldError

	for _, f := range def.Fields() {
		v, ok := NormalizeValue(f, payload[f.Name])
		if !ok {
			details = append(details, model.FieldError{
				Field:   f.Name,
				Code:    CodeInvalidType,
				Message: fmt.Sprintf("%s has the wrong type", label(f)),
			})
			continue
		}
		out[f.Name] = v
	}
	for name := range payload {
		if _, ok := def.Field(name); !ok {
			details = append(details, model.FieldError{
				Field:   name,
				Code:    CodeUnknownField,
				Message: "field is not part of this service",
			})
		}
	}

	if len(details) > 0 {
		slices.SortFunc(details, func(a, b model.FieldError) int { return strings.Compare(a.Field, b.Field) })
		return nil, model.NewValidationError(details)
	}
	return out, nil
}

// ValidateStep checks the fields of one step. Steps without requirements
// always pass.
func ValidateStep(def model.ServiceDefinition, step int, fields map[string]any) []model.FieldError {
	if step < 0 || step >= len(def.Steps) {
		return nil
	}
	var details []model.FieldError
	for _, f := range def.Steps[step].Fields {
		if fe, ok := validateField(f, fields[f.Name]); !ok {
			details = append(details, fe)
		}
	}
	return details
}

// ValidatePayload checks every step of the service against payload and
// returns a VALIDATION_ERROR listing all failing fields, or nil.
func ValidatePayload(def model.ServiceDefinition, payload map[string]any) error {
	normalized, err := NormalizePayload(def, payload)
	if err != nil {
		return err
	}
	var details []model.FieldError
	for i := range def.Steps {
		details = append(details, ValidateStep(def, i, normalized)...)
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func validateField(f model.FieldDefinition, raw any) (model.FieldError, bool) {
	v, ok := NormalizeValue(f, raw)
	if !ok {
		return model.FieldError{Field: f.Name, Code: CodeInvalidType, Message: fmt.Sprintf("%s has the wrong type", label(f))}, false
	}

	switch val := v.(type) {
	case bool:
		if f.Required && !val {
			return model.FieldError{Field: f.Name, Code: CodeRequired, Message: fmt.Sprintf("%s must be accepted", label(f))}, false
		}
	case []string:
		if n := minItems(f); len(val) < n {
			if len(val) == 0 && f.Required {
				return model.FieldError{Field: f.Name, Code: CodeRequired, Message: fmt.Sprintf("%s is required", label(f))}, false
			}
			if len(val) > 0 || f.Required {
				return model.FieldError{Field: f.Name, Code: CodeMinItems, Message: fmt.Sprintf("%s needs at least %d item(s)", label(f), n)}, false
			}
		}
	case string:
		text := strings.TrimSpace(val)
		if text == "" {
			if f.Required {
				return model.FieldError{Field: f.Name, Code: CodeRequired, Message: fmt.Sprintf("%s is required", label(f))}, false
			}
			return model.FieldError{}, true
		}
		return checkFormat(f, text)
	}
	return model.FieldError{}, true
}

// checkFormat applies type-specific rules to a non-empty text value.
func checkFormat(f model.FieldDefinition, text string) (model.FieldError, bool) {
	switch f.Type {
	case model.FieldSelect:
		if len(f.Options) > 0 && !slices.Contains(f.Options, text) {
			return model.FieldError{Field: f.Name, Code: CodeInvalidOption, Message: fmt.Sprintf("%s must be one of %s", label(f), strings.Join(f.Options, ", "))}, false
		}
	case model.FieldDate:
		if _, err := time.Parse(DateLayout, text); err != nil {
			return model.FieldError{Field: f.Name, Code: CodeInvalidDate, Message: fmt.Sprintf("%s must be a date (YYYY-MM-DD)", label(f))}, false
		}
	case model.FieldEmail:
		if _, err := mail.ParseAddress(text); err != nil {
			return model.FieldError{Field: f.Name, Code: CodeInvalidEmail, Message: fmt.Sprintf("%s must be an email address", label(f))}, false
		}
	}
	return model.FieldError{}, true
}

// minItems is the lower bound for a list field: min_items, at least 1 when
// the field is required.
func minItems(f model.FieldDefinition) int {
	n := f.MinItems
	if f.Required {
		n = max(n, 1)
	}
	return n
}

func label(f model.FieldDefinition) string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}
