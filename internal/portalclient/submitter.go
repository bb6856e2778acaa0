package portalclient

import (
	"context"

	"github.com/pitabwire/civicportal/internal/application"
	"github.com/pitabwire/civicportal/model"
)

// Submitter sends wizard records to the portal API. The record id doubles
// as the idempotency key, so a retried submission of the same draft
// returns the record stored by the first attempt.
type Submitter struct {
	client *Client
}

// NewSubmitter returns a wizard.Submitter backed by c.
func NewSubmitter(c *Client) *Submitter {
	return &Submitter{client: c}
}

// Submit implements wizard.Submitter.
func (s *Submitter) Submit(ctx context.Context, rec model.Record) (model.Record, error) {
	return s.client.Submit(ctx, application.SubmitRequest{
		ServiceID:       rec.ServiceID,
		ID:              rec.ID,
		ReferenceNumber: rec.ReferenceNumber,
		Payload:         rec.Payload,
	}, rec.ID)
}
