package wizard

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/civicportal/model"
)

// DefaultReferencePrefix is used for services without a reference_prefix.
const DefaultReferencePrefix = "REF"

// ReferenceGenerator returns a human-facing reference number for a record
// submitted at the given time.
type ReferenceGenerator func(prefix string, at time.Time) string

var referencePattern = regexp.MustCompile(`^[A-Z0-9]+-\d{4}-[0-9A-F]{8}$`)

// NewReference formats <PREFIX>-<YEAR>-<8 upper-case hex digits>, for
// example BC-2026-9F3A0C21.
func NewReference(prefix string, at time.Time) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultReferencePrefix
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%04d-%s", prefix, at.Year(), strings.ToUpper(id[:8]))
}

// ValidReference reports whether ref has the reference number shape.
func ValidReference(ref string) bool {
	return referencePattern.MatchString(ref)
}

// Applicant derives the applicant's display name and email from the
// conventional payload fields. full_name wins over first_name + last_name.
func Applicant(payload map[string]any) (name, email string) {
	text := func(key string) string {
		s, _ := payload[key].(string)
		return strings.TrimSpace(s)
	}
	name = text(model.PayloadFullName)
	if name == "" {
		name = strings.TrimSpace(text(model.PayloadFirstName) + " " + text(model.PayloadLastName))
	}
	return name, text(model.PayloadEmail)
}

// InitialFee returns the fee a new record owes for def. Free services are
// waived from the start.
func InitialFee(def model.ServiceDefinition) model.Fee {
	fee := model.Fee{
		Amount:   def.Fee.Amount,
		Currency: def.Fee.Currency,
		Status:   model.FeeUnpaid,
	}
	if def.Fee.Amount <= 0 {
		fee.Amount = 0
		fee.Status = model.FeeWaived
	}
	return fee
}
