package profile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/civicportal/internal/config"
	"github.com/pitabwire/civicportal/internal/identity"
	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/model"
)

// Upload kinds, used as metric labels.
const (
	KindPicture  = "picture"
	KindDocument = "document"
)

// DocumentTypes are the content types accepted for profile documents.
var DocumentTypes = []string{"application/pdf", "image/png", "image/jpeg"}

// DefaultPreferences are the notification channels a new account starts with.
var DefaultPreferences = model.NotificationPrefs{Email: true, InApp: true}

const invalidCredentials = "Invalid email or password"

// Service implements registration, login and the profile operations.
type Service struct {
	store             Store
	tokens            *identity.TokenService
	uploads           config.UploadsConfig
	minPasswordLength int
	metrics           *observability.Metrics
	logger            *zap.Logger
	now               func() time.Time
}

// NewService creates a profile service.
func NewService(
	store Store,
	tokens *identity.TokenService,
	identityCfg config.IdentityConfig,
	uploads config.UploadsConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:             store,
		tokens:            tokens,
		uploads:           uploads,
		minPasswordLength: max(identityCfg.MinPasswordLength, 8),
		metrics:           metrics,
		logger:            logger,
		now:               time.Now,
	}
}

// WithClock overrides the time source. For testing.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateAccount validates and stores a new account with the given roles.
func (s *Service) CreateAccount(ctx context.Context, reg model.Registration, roles ...string) (model.Account, error) {
	var details []model.FieldError
	email := strings.TrimSpace(reg.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		details = append(details, model.FieldError{Field: "email", Code: "invalid_email", Message: "Email must be a valid address"})
	}
	if fe, ok := s.checkPassword("password", reg.Password); !ok {
		details = append(details, fe)
	}
	if strings.TrimSpace(reg.FirstName) == "" {
		details = append(details, model.FieldError{Field: "first_name", Code: "required", Message: "First name is required"})
	}
	if strings.TrimSpace(reg.LastName) == "" {
		details = append(details, model.FieldError{Field: "last_name", Code: "required", Message: "Last name is required"})
	}
	if len(details) > 0 {
		return model.Account{}, model.NewValidationError(details)
	}

	hash, err := identity.HashPassword(reg.Password)
	if err != nil {
		return model.Account{}, fmt.Errorf("hash password: %w", err)
	}
	if len(roles) == 0 {
		roles = []string{model.RoleCitizen}
	}

	now := s.now().UTC()
	acct := model.Account{
		SubjectID:    uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	p := model.Profile{
		SubjectID:   acct.SubjectID,
		FirstName:   strings.TrimSpace(reg.FirstName),
		LastName:    strings.TrimSpace(reg.LastName),
		Email:       email,
		Phone:       strings.TrimSpace(reg.Phone),
		Preferences: DefaultPreferences,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAccount(ctx, acct, p); err != nil {
		return model.Account{}, err
	}
	return acct, nil
}

// Register creates a citizen account and signs it in.
func (s *Service) Register(ctx context.Context, reg model.Registration) (model.Token, error) {
	acct, err := s.CreateAccount(ctx, reg)
	if err != nil {
		s.metrics.RecordAuthAttempt("register", "failure")
		return model.Token{}, err
	}
	s.metrics.RecordAuthAttempt("register", "success")
	observability.LoggerFrom(ctx, s.logger).Info("account registered", zap.String("subject_id", acct.SubjectID))
	return s.tokens.Issue(acct)
}

// Login exchanges credentials for a bearer token. Unknown emails and wrong
// passwords are indistinguishable.
func (s *Service) Login(ctx context.Context, creds model.Credentials) (model.Token, error) {
	acct, err := s.store.AccountByEmail(ctx, creds.Email)
	if model.HasCode(err, model.ErrNotFound) {
		s.metrics.RecordAuthAttempt("login", "failure")
		return model.Token{}, model.NewUnauthorizedError(invalidCredentials)
	}
	if err != nil {
		return model.Token{}, err
	}

	ok, err := identity.ComparePassword(creds.Password, acct.PasswordHash)
	if err != nil {
		return model.Token{}, fmt.Errorf("compare password: %w", err)
	}
	if !ok {
		s.metrics.RecordAuthAttempt("login", "failure")
		return model.Token{}, model.NewUnauthorizedError(invalidCredentials)
	}

	s.metrics.RecordAuthAttempt("login", "success")
	return s.tokens.Issue(acct)
}

// ChangePassword replaces the caller's password. A wrong current password
// is UNAUTHORIZED; mismatched or short new passwords are validation errors.
func (s *Service) ChangePassword(ctx context.Context, rctx *model.RequestContext, pc model.PasswordChange) error {
	var details []model.FieldError
	if pc.CurrentPassword == "" {
		details = append(details, model.FieldError{Field: "current_password", Code: "required", Message: "Current password is required"})
	}
	if fe, ok := s.checkPassword("new_password", pc.NewPassword); !ok {
		details = append(details, fe)
	}
	if pc.NewPassword != pc.ConfirmPassword {
		details = append(details, model.FieldError{Field: "confirm_password", Code: "mismatch", Message: "Passwords do not match"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}

	acct, err := s.store.Account(ctx, rctx.SubjectID)
	if err != nil {
		return err
	}
	ok, err := identity.ComparePassword(pc.CurrentPassword, acct.PasswordHash)
	if err != nil {
		return fmt.Errorf("compare password: %w", err)
	}
	if !ok {
		s.metrics.RecordAuthAttempt("change_password", "failure")
		return model.NewUnauthorizedError("Current password is incorrect")
	}

	hash, err := identity.HashPassword(pc.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdatePasswordHash(ctx, rctx.SubjectID, hash); err != nil {
		return err
	}
	s.metrics.RecordAuthAttempt("change_password", "success")
	observability.RequestLogger(ctx, s.logger).Info("password changed")
	return nil
}

func (s *Service) checkPassword(field, password string) (model.FieldError, bool) {
	if len(password) < s.minPasswordLength {
		return model.FieldError{
			Field:   field,
			Code:    "too_short",
			Message: fmt.Sprintf("Password must be at least %d characters", s.minPasswordLength),
		}, false
	}
	return model.FieldError{}, true
}

// Profile returns the caller's profile.
func (s *Service) Profile(ctx context.Context, rctx *model.RequestContext) (model.Profile, error) {
	return s.store.Profile(ctx, rctx.SubjectID)
}

// UpdateProfile applies the non-nil fields of upd. Names cannot be blanked.
func (s *Service) UpdateProfile(ctx context.Context, rctx *model.RequestContext, upd model.ProfileUpdate) (model.Profile, error) {
	p, err := s.store.Profile(ctx, rctx.SubjectID)
	if err != nil {
		return model.Profile{}, err
	}

	var details []model.FieldError
	setName := func(field string, v *string, dst *string) {
		if v == nil {
			return
		}
		if strings.TrimSpace(*v) == "" {
			details = append(details, model.FieldError{Field: field, Code: "required", Message: "Name cannot be empty"})
			return
		}
		*dst = strings.TrimSpace(*v)
	}
	setName("first_name", upd.FirstName, &p.FirstName)
	setName("last_name", upd.LastName, &p.LastName)
	if len(details) > 0 {
		return model.Profile{}, model.NewValidationError(details)
	}

	if upd.Phone != nil {
		p.Phone = strings.TrimSpace(*upd.Phone)
	}
	if upd.Address != nil {
		p.Address = strings.TrimSpace(*upd.Address)
	}
	if upd.Preferences != nil {
		p.Preferences = *upd.Preferences
	}
	p.UpdatedAt = s.now().UTC()

	if err := s.store.SaveProfile(ctx, p); err != nil {
		return model.Profile{}, err
	}
	return p, nil
}

// readUpload reads at most limit bytes from r. Larger uploads are
// PAYLOAD_TOO_LARGE; empty ones are validation errors.
func readUpload(r io.Reader, field string, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, model.NewPayloadTooLargeError(limit)
	}
	if len(data) == 0 {
		return nil, model.NewValidationError([]model.FieldError{{Field: field, Code: "required", Message: "File is empty"}})
	}
	return data, nil
}

func unsupportedType(field, contentType string, allowed []string) error {
	return model.NewValidationError([]model.FieldError{{
		Field:   field,
		Code:    "unsupported_type",
		Message: fmt.Sprintf("%s is not accepted; use %s", contentType, strings.Join(allowed, ", ")),
	}})
}

// sniff detects the content type from the data itself, ignoring whatever
// the client claimed.
func sniff(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

// UploadPicture replaces the caller's profile picture.
func (s *Service) UploadPicture(ctx context.Context, rctx *model.RequestContext, r io.Reader) (model.Profile, error) {
	data, err := readUpload(r, KindPicture, s.uploads.MaxPictureBytes)
	if err != nil {
		s.recordUploadError(KindPicture, err)
		return model.Profile{}, err
	}
	ct := sniff(data)
	if !slices.Contains(s.uploads.PictureTypes, ct) {
		s.metrics.RecordUpload(KindPicture, "rejected", 0)
		return model.Profile{}, unsupportedType(KindPicture, ct, s.uploads.PictureTypes)
	}

	pic := model.Picture{ContentType: ct, Data: data, UpdatedAt: s.now().UTC()}
	if err := s.store.SavePicture(ctx, rctx.SubjectID, pic); err != nil {
		return model.Profile{}, err
	}
	s.metrics.RecordUpload(KindPicture, "accepted", int64(len(data)))
	return s.store.Profile(ctx, rctx.SubjectID)
}

// Picture returns the caller's profile picture.
func (s *Service) Picture(ctx context.Context, rctx *model.RequestContext) (model.Picture, error) {
	return s.store.Picture(ctx, rctx.SubjectID)
}

// UploadDocument stores a document for the caller with its sha256 checksum.
func (s *Service) UploadDocument(ctx context.Context, rctx *model.RequestContext, name string, r io.Reader) (model.Document, error) {
	data, err := readUpload(r, KindDocument, s.uploads.MaxDocumentBytes)
	if err != nil {
		s.recordUploadError(KindDocument, err)
		return model.Document{}, err
	}
	ct := sniff(data)
	if !slices.Contains(DocumentTypes, ct) {
		s.metrics.RecordUpload(KindDocument, "rejected", 0)
		return model.Document{}, unsupportedType(KindDocument, ct, DocumentTypes)
	}

	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == "" {
		name = "document"
	}
	sum := sha256.Sum256(data)
	doc := model.Document{
		ID:          uuid.NewString(),
		SubjectID:   rctx.SubjectID,
		Name:        name,
		ContentType: ct,
		Size:        int64(len(data)),
		Checksum:    hex.EncodeToString(sum[:]),
		UploadedAt:  s.now().UTC(),
	}
	if err := s.store.AddDocument(ctx, doc, data); err != nil {
		return model.Document{}, err
	}
	s.metrics.RecordUpload(KindDocument, "accepted", doc.Size)
	observability.RequestLogger(ctx, s.logger).Info("document uploaded",
		zap.String("document_id", doc.ID), zap.Int64("size", doc.Size))
	return doc, nil
}

func (s *Service) recordUploadError(kind string, err error) {
	if model.HasCode(err, model.ErrPayloadTooLarge) {
		s.metrics.RecordUpload(kind, "too_large", 0)
		return
	}
	s.metrics.RecordUpload(kind, "rejected", 0)
}

// Documents lists the caller's documents.
func (s *Service) Documents(ctx context.Context, rctx *model.RequestContext) ([]model.Document, error) {
	return s.store.Documents(ctx, rctx.SubjectID)
}

// Notifications lists the caller's notifications, newest first.
func (s *Service) Notifications(ctx context.Context, rctx *model.RequestContext) ([]model.Notification, error) {
	return s.store.Notifications(ctx, rctx.SubjectID)
}

// MarkNotification sets the read flag of one of the caller's notifications.
func (s *Service) MarkNotification(ctx context.Context, rctx *model.RequestContext, id string, read bool) (model.Notification, error) {
	return s.store.SetNotificationRead(ctx, rctx.SubjectID, id, read)
}

// DeleteNotification removes one of the caller's notifications.
func (s *Service) DeleteNotification(ctx context.Context, rctx *model.RequestContext, id string) error {
	return s.store.DeleteNotification(ctx, rctx.SubjectID, id)
}

// Notify stores an in-app notification unless the recipient turned in-app
// notifications off.
func (s *Service) Notify(ctx context.Context, n model.Notification) error {
	p, err := s.store.Profile(ctx, n.SubjectID)
	switch {
	case model.HasCode(err, model.ErrNotFound):
	case err != nil:
		return err
	case !p.Preferences.InApp:
		return nil
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	return s.store.AddNotification(ctx, n)
}

// HealthCheck reports the store's health.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

