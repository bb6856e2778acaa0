// Package openapi loads the portal's OpenAPI contract and validates JSON
// request bodies against it by operationId.
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/civicportal/model"
)

//go:embed portal.yaml
var portalSpec []byte

// Operation holds a resolved operation of the contract.
type Operation struct {
	ID     string
	Method string
	Path   string
	// Public operations declare an empty security requirement.
	Public bool
	// Body is the application/json request schema, nil when the operation
	// takes no JSON body.
	Body *openapi3.Schema
}

// Index is an in-memory index of the contract's operations keyed by
// operationId.
type Index struct {
	doc        *openapi3.T
	raw        []byte
	operations map[string]Operation
}

// LoadPortal loads the contract compiled into the binary.
func LoadPortal() (*Index, error) {
	return Load(portalSpec)
}

// Load parses and validates an OpenAPI document and indexes every operation
// that has an operationId.
func Load(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: parsing contract: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating contract: %w", err)
	}

	idx := &Index{
		doc:        doc,
		raw:        data,
		operations: make(map[string]Operation),
	}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := idx.operations[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}
			idx.operations[op.OperationID] = Operation{
				ID:     op.OperationID,
				Method: method,
				Path:   path,
				Public: op.Security != nil && len(*op.Security) == 0,
				Body:   jsonBody(op),
			}
		}
	}
	return idx, nil
}

func jsonBody(op *openapi3.Operation) *openapi3.Schema {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	mt := op.RequestBody.Value.Content.Get("application/json")
	if mt == nil || mt.Schema == nil {
		return nil
	}
	return mt.Schema.Value
}

// Operation returns the operation with the given operationId.
func (idx *Index) Operation(id string) (Operation, bool) {
	op, ok := idx.operations[id]
	return op, ok
}

// OperationIDs returns all operation IDs, sorted.
func (idx *Index) OperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Version returns the contract's info.version.
func (idx *Index) Version() string {
	return idx.doc.Info.Version
}

// Raw returns the contract document as loaded.
func (idx *Index) Raw() []byte {
	return idx.raw
}

// ValidateBody checks a decoded JSON body against the operation's request
// schema. All problems are reported in one VALIDATION_ERROR envelope.
func (idx *Index) ValidateBody(operationID string, body any) error {
	op, ok := idx.operations[operationID]
	if !ok {
		return fmt.Errorf("openapi: unknown operation %q", operationID)
	}
	if op.Body == nil {
		return nil
	}
	err := op.Body.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return model.NewValidationError(fieldErrors(err))
}

func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := strings.Join(se.JSONPointer(), ".")
		if field == "" {
			field = "body"
		}
		code := se.SchemaField
		if code == "" {
			code = "invalid"
		}
		return []model.FieldError{{Field: field, Code: code, Message: se.Reason}}
	}

	return []model.FieldError{{Field: "body", Code: "invalid", Message: err.Error()}}
}
