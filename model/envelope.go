package model

// Envelope is the body shape of every API response.
type Envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   *ErrorEnvelope `json:"error,omitempty"`
}

// OK wraps data in a successful envelope.
func OK(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// Failed wraps an error in a failed envelope.
func Failed(ee *ErrorEnvelope) Envelope {
	return Envelope{Success: false, Message: ee.Message, Error: ee}
}
