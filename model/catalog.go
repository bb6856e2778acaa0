package model

// Field types understood by the wizard.
const (
	FieldText     = "text"
	FieldTextarea = "textarea"
	FieldEmail    = "email"
	FieldPhone    = "phone"
	FieldDate     = "date"
	FieldSelect   = "select"
	FieldBoolean  = "boolean"
	FieldList     = "list"
	FieldDocument = "document"
)

// ValueKind is the Go representation a field value takes in a Draft.
type ValueKind int

const (
	KindString ValueKind = iota
	KindBool
	KindList
)

// FieldKind maps a field type to the kind of value it holds. Unknown types
// are treated as strings.
func FieldKind(fieldType string) ValueKind {
	switch fieldType {
	case FieldBoolean:
		return KindBool
	case FieldList, FieldDocument:
		return KindList
	default:
		return KindString
	}
}

// CatalogDefinition is the contents of one catalog YAML file: a category of
// municipal services.
type CatalogDefinition struct {
	Category   string              `yaml:"category" json:"category"`
	Label      string              `yaml:"label"    json:"label"`
	Version    string              `yaml:"version"  json:"version"`
	Services   []ServiceDefinition `yaml:"services" json:"services"`
	Checksum   string              `yaml:"-"        json:"-"`
	SourceFile string              `yaml:"-"        json:"-"`
}

// ServiceDefinition describes one service a citizen can apply for.
type ServiceDefinition struct {
	ID              string           `yaml:"id"               json:"id"`
	Name            string           `yaml:"name"             json:"name"`
	Description     string           `yaml:"description"      json:"description,omitempty"`
	Category        string           `yaml:"category"         json:"category"`
	Domain          Domain           `yaml:"domain"           json:"domain"`
	ReferencePrefix string           `yaml:"reference_prefix" json:"reference_prefix"`
	ProcessingDays  int              `yaml:"processing_days"  json:"processing_days,omitempty"`
	Fee             FeeDefinition    `yaml:"fee"              json:"fee"`
	Steps           []StepDefinition `yaml:"steps"            json:"steps"`
}

// FeeDefinition is the fee charged for a service, in minor currency units.
type FeeDefinition struct {
	Amount   int64  `yaml:"amount"   json:"amount"`
	Currency string `yaml:"currency" json:"currency"`
}

// StepDefinition is one page of a service's application wizard.
type StepDefinition struct {
	ID     string            `yaml:"id"     json:"id"`
	Title  string            `yaml:"title"  json:"title"`
	Fields []FieldDefinition `yaml:"fields" json:"fields"`
}

// FieldDefinition is one input of a wizard step.
type FieldDefinition struct {
	Name     string   `yaml:"name"      json:"name"`
	Label    string   `yaml:"label"     json:"label"`
	Type     string   `yaml:"type"      json:"type"`
	Required bool     `yaml:"required"  json:"required,omitempty"`
	MinItems int      `yaml:"min_items" json:"min_items,omitempty"`
	Options  []string `yaml:"options"   json:"options,omitempty"`
}

// Fields returns every field of the service across all steps.
func (s ServiceDefinition) Fields() []FieldDefinition {
	var out []FieldDefinition
	for _, st := range s.Steps {
		out = append(out, st.Fields...)
	}
	return out
}

// Field looks up a field by name.
func (s ServiceDefinition) Field(name string) (FieldDefinition, bool) {
	for _, st := range s.Steps {
		for _, f := range st.Fields {
			if f.Name == name {
				return f, true
			}
		}
	}
	return FieldDefinition{}, false
}

// Conventional payload fields used to describe the applicant.
const (
	PayloadFullName  = "full_name"
	PayloadFirstName = "first_name"
	PayloadLastName  = "last_name"
	PayloadEmail     = "email"
)
