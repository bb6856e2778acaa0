// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the portal API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:  http.StatusUnprocessableEntity,
	model.ErrPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrSubmissionInFlight: http.StatusConflict,
	model.ErrWizardClosed:       http.StatusConflict,
}

// StatusForCode returns the HTTP status for an error code, 500 when the
// code is unknown.
func StatusForCode(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteOK wraps data in a success envelope.
func WriteOK(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, model.OK(data))
}

// WriteMessage writes a success envelope that carries only a message.
func WriteMessage(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusOK, model.Envelope{Success: true, Message: msg})
}

// WriteError writes an ErrorEnvelope inside a failed envelope with the
// HTTP status for its code. Any other error becomes a generic 500 so
// internals never leak.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusForCode(ee.Code), model.Failed(ee))
}

// writeRequestError is WriteError with the request's trace id stamped on
// the envelope.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	if ee.TraceID == "" {
		if traceID := observability.TraceIDFromContext(r.Context()); traceID != "" {
			cp := *ee
			cp.TraceID = traceID
			ee = &cp
		}
	}
	WriteError(w, ee)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}
