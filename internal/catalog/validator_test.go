package catalog

import (
	"testing"

	"github.com/pitabwire/civicportal/model"
)

func validCatalog() model.CatalogDefinition {
	return model.CatalogDefinition{
		Category: "health",
		Label:    "Health",
		Version:  "1.0.0",
		Services: []model.ServiceDefinition{{
			ID:              "health-card",
			Name:            "Health Card",
			Category:        "health",
			Domain:          model.DomainApplication,
			ReferencePrefix: "HC",
			Fee:             model.FeeDefinition{Amount: 500, Currency: "USD"},
			Steps: []model.StepDefinition{{
				ID:    "applicant",
				Title: "Applicant",
				Fields: []model.FieldDefinition{
					{Name: "first_name", Label: "First name", Type: model.FieldText, Required: true},
					{Name: "clinic", Label: "Clinic", Type: model.FieldSelect, Options: []string{"north", "south"}},
					{Name: "records", Label: "Records", Type: model.FieldDocument, MinItems: 2},
				},
			}},
		}},
	}
}

func codes(errs []VError) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		out[e.Path] = e.Code
	}
	return out
}

func TestValidator_valid(t *testing.T) {
	if errs := NewValidator().Validate([]model.CatalogDefinition{validCatalog()}); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want none", errs)
	}
}

func TestValidator_serviceErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*model.ServiceDefinition)
		wantPath string
		wantCode string
	}{
		{"missing id", func(s *model.ServiceDefinition) { s.ID = "" }, "catalogs[0].services[0].id", "REQUIRED"},
		{"bad id", func(s *model.ServiceDefinition) { s.ID = "Health Card" }, "catalogs[0].services[0].id", "INVALID_FORMAT"},
		{"unknown domain", func(s *model.ServiceDefinition) { s.Domain = "tax" }, "catalogs[0].services[0].domain", "INVALID_ENUM"},
		{"lower-case prefix", func(s *model.ServiceDefinition) { s.ReferencePrefix = "hc" }, "catalogs[0].services[0].reference_prefix", "INVALID_FORMAT"},
		{"negative fee", func(s *model.ServiceDefinition) { s.Fee.Amount = -1 }, "catalogs[0].services[0].fee.amount", "INVALID_VALUE"},
		{"fee without currency", func(s *model.ServiceDefinition) { s.Fee.Currency = "" }, "catalogs[0].services[0].fee.currency", "INVALID_FORMAT"},
		{"category mismatch", func(s *model.ServiceDefinition) { s.Category = "tax" }, "catalogs[0].services[0].category", "CATEGORY_MISMATCH"},
		{"no steps", func(s *model.ServiceDefinition) { s.Steps = nil }, "catalogs[0].services[0].steps", "REQUIRED"},
		{"bad field type", func(s *model.ServiceDefinition) { s.Steps[0].Fields[0].Type = "colour" }, "catalogs[0].services[0].steps[0].fields[0].type", "INVALID_ENUM"},
		{"select without options", func(s *model.ServiceDefinition) { s.Steps[0].Fields[1].Options = nil }, "catalogs[0].services[0].steps[0].fields[1].options", "REQUIRED"},
		{"min_items on text", func(s *model.ServiceDefinition) { s.Steps[0].Fields[0].MinItems = 1 }, "catalogs[0].services[0].steps[0].fields[0].min_items", "NOT_ALLOWED"},
		{"duplicate field", func(s *model.ServiceDefinition) { s.Steps[0].Fields[2].Name = "first_name" }, "catalogs[0].services[0].steps[0].fields[2].name", "DUPLICATE_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validCatalog()
			tt.mutate(&def.Services[0])
			got := codes(NewValidator().Validate([]model.CatalogDefinition{def}))
			if got[tt.wantPath] != tt.wantCode {
				t.Errorf("errors = %v, want %s at %s", got, tt.wantCode, tt.wantPath)
			}
		})
	}
}

func TestValidator_catalogRequired(t *testing.T) {
	got := codes(NewValidator().Validate([]model.CatalogDefinition{{}}))
	for _, path := range []string{"catalogs[0].category", "catalogs[0].label", "catalogs[0].version", "catalogs[0].services"} {
		if got[path] != "REQUIRED" {
			t.Errorf("%s = %q, want REQUIRED", path, got[path])
		}
	}
}

func TestValidator_duplicatesAcrossFiles(t *testing.T) {
	a := validCatalog()
	b := validCatalog()
	b.SourceFile = "b.yaml"

	got := codes(NewValidator().Validate([]model.CatalogDefinition{a, b}))
	if got["b.yaml.category"] != "DUPLICATE_ID" {
		t.Errorf("missing duplicate category error: %v", got)
	}
	if got["b.yaml.services[0].id"] != "DUPLICATE_ID" {
		t.Errorf("missing duplicate service error: %v", got)
	}
}
