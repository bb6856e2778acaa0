package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/pitabwire/civicportal/model"
)

// VError describes a single validation error in a catalog file.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var (
	prefixPattern   = regexp.MustCompile(`^[A-Z0-9]{2,6}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	idPattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

var validFieldTypes = map[string]bool{
	model.FieldText: true, model.FieldTextarea: true, model.FieldEmail: true,
	model.FieldPhone: true, model.FieldDate: true, model.FieldSelect: true,
	model.FieldBoolean: true, model.FieldList: true, model.FieldDocument: true,
}

// Validator checks catalog files structurally and for cross-file
// uniqueness of categories and service IDs.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all catalogs and returns every problem found.
func (v *Validator) Validate(defs []model.CatalogDefinition) []VError {
	var errs []VError
	categories := make(map[string]string)
	services := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("catalogs[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}

		if def.Category != "" {
			if other, dup := categories[def.Category]; dup {
				errs = append(errs, VError{Path: prefix + ".category", Code: "DUPLICATE_ID", Message: fmt.Sprintf("category %q already defined in %s", def.Category, other)})
			}
			categories[def.Category] = prefix
		}
		errs = append(errs, v.validateCatalog(prefix, def)...)

		for j, svc := range def.Services {
			sp := fmt.Sprintf("%s.services[%d]", prefix, j)
			if svc.ID != "" {
				if other, dup := services[svc.ID]; dup {
					errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("service %q already defined at %s", svc.ID, other)})
				}
				services[svc.ID] = sp
			}
		}
	}
	return errs
}

func (v *Validator) validateCatalog(prefix string, def model.CatalogDefinition) []VError {
	var errs []VError

	if def.Category == "" {
		errs = append(errs, VError{Path: prefix + ".category", Code: "REQUIRED", Message: "category is required"})
	}
	if def.Label == "" {
		errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "label is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(def.Services) == 0 {
		errs = append(errs, VError{Path: prefix + ".services", Code: "REQUIRED", Message: "at least one service is required"})
	}

	for i, svc := range def.Services {
		sp := fmt.Sprintf("%s.services[%d]", prefix, i)
		errs = append(errs, v.validateService(sp, def.Category, svc)...)
	}
	return errs
}

func (v *Validator) validateService(prefix, category string, svc model.ServiceDefinition) []VError {
	var errs []VError

	switch {
	case svc.ID == "":
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	case !idPattern.MatchString(svc.ID):
		errs = append(errs, VError{Path: prefix + ".id", Code: "INVALID_FORMAT", Message: fmt.Sprintf("id %q must be lower-case letters, digits, '-' or '_'", svc.ID)})
	}
	if svc.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if svc.Category != category {
		errs = append(errs, VError{Path: prefix + ".category", Code: "CATEGORY_MISMATCH", Message: fmt.Sprintf("service category %q does not match catalog %q", svc.Category, category)})
	}
	if !svc.Domain.Valid() {
		errs = append(errs, VError{Path: prefix + ".domain", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid domain %q", svc.Domain)})
	}
	if !prefixPattern.MatchString(svc.ReferencePrefix) {
		errs = append(errs, VError{Path: prefix + ".reference_prefix", Code: "INVALID_FORMAT", Message: "reference_prefix must be 2-6 upper-case letters or digits"})
	}
	if svc.ProcessingDays < 0 {
		errs = append(errs, VError{Path: prefix + ".processing_days", Code: "INVALID_VALUE", Message: "processing_days cannot be negative"})
	}
	if svc.Fee.Amount < 0 {
		errs = append(errs, VError{Path: prefix + ".fee.amount", Code: "INVALID_VALUE", Message: "fee amount cannot be negative"})
	}
	if svc.Fee.Amount > 0 && !currencyPattern.MatchString(svc.Fee.Currency) {
		errs = append(errs, VError{Path: prefix + ".fee.currency", Code: "INVALID_FORMAT", Message: "fee currency must be an ISO 4217 code"})
	}

	if len(svc.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}
	stepIDs := make(map[string]bool)
	fieldNames := make(map[string]bool)
	for i, st := range svc.Steps {
		stp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if st.ID == "" {
			errs = append(errs, VError{Path: stp + ".id", Code: "REQUIRED", Message: "id is required"})
		} else if stepIDs[st.ID] {
			errs = append(errs, VError{Path: stp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("duplicate step %q", st.ID)})
		}
		stepIDs[st.ID] = true
		if st.Title == "" {
			errs = append(errs, VError{Path: stp + ".title", Code: "REQUIRED", Message: "title is required"})
		}

		for j, f := range st.Fields {
			fp := fmt.Sprintf("%s.fields[%d]", stp, j)
			if f.Name != "" && fieldNames[f.Name] {
				errs = append(errs, VError{Path: fp + ".name", Code: "DUPLICATE_ID", Message: fmt.Sprintf("duplicate field %q", f.Name)})
			}
			fieldNames[f.Name] = true
			errs = append(errs, v.validateField(fp, f)...)
		}
	}
	return errs
}

func (v *Validator) validateField(prefix string, f model.FieldDefinition) []VError {
	var errs []VError

	if f.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if f.Label == "" {
		errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "label is required"})
	}
	if !validFieldTypes[f.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid field type %q", f.Type)})
	}
	if f.Type == model.FieldSelect && len(f.Options) == 0 {
		errs = append(errs, VError{Path: prefix + ".options", Code: "REQUIRED", Message: "select fields need options"})
	}
	if f.Type != model.FieldSelect && len(f.Options) > 0 {
		errs = append(errs, VError{Path: prefix + ".options", Code: "NOT_ALLOWED", Message: "options only apply to select fields"})
	}
	if slices.ContainsFunc(f.Options, func(o string) bool { return o == "" }) {
		errs = append(errs, VError{Path: prefix + ".options", Code: "INVALID_VALUE", Message: "options cannot be empty"})
	}
	if f.MinItems < 0 {
		errs = append(errs, VError{Path: prefix + ".min_items", Code: "INVALID_VALUE", Message: "min_items cannot be negative"})
	}
	if f.MinItems > 0 && model.FieldKind(f.Type) != model.KindList {
		errs = append(errs, VError{Path: prefix + ".min_items", Code: "NOT_ALLOWED", Message: "min_items only applies to list and document fields"})
	}
	return errs
}

// Load reads catalogs from dirs, or the built-in catalog when dirs is
// empty, and validates them. All validation problems are joined into the
// returned error.
func Load(dirs []string) ([]model.CatalogDefinition, error) {
	l := NewLoader()
	var (
		defs []model.CatalogDefinition
		err  error
	)
	if len(dirs) == 0 {
		defs, err = l.LoadBuiltin()
	} else {
		defs, err = l.LoadAll(dirs)
	}
	if err != nil {
		return nil, err
	}

	if verrs := NewValidator().Validate(defs); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, ve := range verrs {
			joined[i] = ve
		}
		return nil, fmt.Errorf("catalog validation failed: %w", errors.Join(joined...))
	}
	return defs, nil
}
