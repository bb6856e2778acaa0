package listview

import (
	"strconv"
	"time"

	"github.com/pitabwire/civicportal/model"
)

// RecordSchema describes submitted applications. Search covers applicant
// name, reference number, applicant email and service name.
func RecordSchema() Schema[model.Record] {
	return NewSchema([]Field[model.Record]{
		StringField("applicant_name", func(r model.Record) string { return r.ApplicantName }),
		StringField("applicant_email", func(r model.Record) string { return r.ApplicantEmail }),
		StringField("reference_number", func(r model.Record) string { return r.ReferenceNumber }),
		StringField("service_id", func(r model.Record) string { return r.ServiceID }),
		StringField("service_name", func(r model.Record) string { return r.ServiceName }),
		StringField("category", func(r model.Record) string { return r.Category }),
		StringField("domain", func(r model.Record) string { return string(r.Domain) }),
		StringField("status", func(r model.Record) string { return string(r.Status) }),
		StringField("fee_status", func(r model.Record) string { return string(r.Fee.Status) }),
		StringField("subject_id", func(r model.Record) string { return r.SubjectID }),
		TimeField("created_at", func(r model.Record) time.Time { return r.CreatedAt }),
		TimeField("updated_at", func(r model.Record) time.Time { return r.UpdatedAt }),
	}, "applicant_name", "reference_number", "applicant_email", "service_name")
}

// ServiceSchema describes catalog services.
func ServiceSchema() Schema[model.ServiceDefinition] {
	return NewSchema([]Field[model.ServiceDefinition]{
		StringField("id", func(s model.ServiceDefinition) string { return s.ID }),
		StringField("name", func(s model.ServiceDefinition) string { return s.Name }),
		StringField("description", func(s model.ServiceDefinition) string { return s.Description }),
		StringField("category", func(s model.ServiceDefinition) string { return s.Category }),
		StringField("domain", func(s model.ServiceDefinition) string { return string(s.Domain) }),
	}, "name", "description", "category")
}

// NotificationSchema describes in-app notifications.
func NotificationSchema() Schema[model.Notification] {
	return NewSchema([]Field[model.Notification]{
		StringField("title", func(n model.Notification) string { return n.Title }),
		StringField("body", func(n model.Notification) string { return n.Body }),
		StringField("read", func(n model.Notification) string { return strconv.FormatBool(n.Read) }),
		TimeField("created_at", func(n model.Notification) time.Time { return n.CreatedAt }),
	}, "title", "body")
}
