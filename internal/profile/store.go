// Package profile manages citizen accounts and everything hanging off them:
// personal details, notification preferences, in-app notifications,
// uploaded documents and the profile picture.
package profile

import (
	"context"

	"github.com/pitabwire/civicportal/model"
)

// Store persists accounts and profile data. Lookups of missing entities
// return NOT_FOUND envelopes; notification and document operations are
// always scoped to the owning subject.
type Store interface {
	// CreateAccount stores a new account together with its profile.
	// Returns CONFLICT if the email is already registered.
	CreateAccount(ctx context.Context, acct model.Account, p model.Profile) error

	Account(ctx context.Context, subjectID string) (model.Account, error)
	AccountByEmail(ctx context.Context, email string) (model.Account, error)
	UpdatePasswordHash(ctx context.Context, subjectID, hash string) error

	Profile(ctx context.Context, subjectID string) (model.Profile, error)
	SaveProfile(ctx context.Context, p model.Profile) error

	AddNotification(ctx context.Context, n model.Notification) error
	// Notifications returns the subject's notifications, newest first.
	Notifications(ctx context.Context, subjectID string) ([]model.Notification, error)
	SetNotificationRead(ctx context.Context, subjectID, id string, read bool) (model.Notification, error)
	DeleteNotification(ctx context.Context, subjectID, id string) error

	AddDocument(ctx context.Context, doc model.Document, data []byte) error
	// Documents returns the subject's documents, oldest first.
	Documents(ctx context.Context, subjectID string) ([]model.Document, error)

	SavePicture(ctx context.Context, subjectID string, pic model.Picture) error
	Picture(ctx context.Context, subjectID string) (model.Picture, error)

	HealthCheck(ctx context.Context) error
}
