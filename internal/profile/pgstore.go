package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/civicportal/model"
)

const pgUniqueViolation = "23505"

const profileSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	subject_id    TEXT PRIMARY KEY,
	email         TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	roles         TEXT[] NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS accounts_email_idx ON accounts (lower(email));

CREATE TABLE IF NOT EXISTS profiles (
	subject_id  TEXT PRIMARY KEY REFERENCES accounts (subject_id),
	first_name  TEXT NOT NULL DEFAULT '',
	last_name   TEXT NOT NULL DEFAULT '',
	email       TEXT NOT NULL DEFAULT '',
	phone       TEXT NOT NULL DEFAULT '',
	address     TEXT NOT NULL DEFAULT '',
	preferences JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL,
	record_id  TEXT NOT NULL DEFAULT '',
	read       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_subject_idx ON notifications (subject_id, created_at DESC);

CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	name         TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size         BIGINT NOT NULL,
	checksum     TEXT NOT NULL,
	data         BYTEA NOT NULL,
	uploaded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_subject_idx ON documents (subject_id, uploaded_at);

CREATE TABLE IF NOT EXISTS profile_pictures (
	subject_id   TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	data         BYTEA NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL profile store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, profileSchema); err != nil {
		return fmt.Errorf("create profile schema: %w", err)
	}
	return nil
}

// CreateAccount inserts the account and its profile in one transaction.
func (s *PgStore) CreateAccount(ctx context.Context, acct model.Account, p model.Profile) error {
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (subject_id, email, password_hash, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		acct.SubjectID, acct.Email, acct.PasswordHash, acct.Roles, acct.CreatedAt, acct.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return model.NewConflictError(fmt.Sprintf("email %q is already registered", acct.Email))
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO profiles (subject_id, first_name, last_name, email, phone, address, preferences, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.SubjectID, p.FirstName, p.LastName, p.Email, p.Phone, p.Address, prefs, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return tx.Commit(ctx)
}

const accountColumns = `subject_id, email, password_hash, roles, created_at, updated_at`

func scanAccount(row pgx.Row, key string) (model.Account, error) {
	var acct model.Account
	err := row.Scan(&acct.SubjectID, &acct.Email, &acct.PasswordHash, &acct.Roles, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, accountNotFound(key)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("query account: %w", err)
	}
	return acct, nil
}

// Account retrieves an account by subject ID.
func (s *PgStore) Account(ctx context.Context, subjectID string) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE subject_id = $1`, subjectID), subjectID)
}

// AccountByEmail retrieves an account by email, ignoring case.
func (s *PgStore) AccountByEmail(ctx context.Context, email string) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE lower(email) = $1`, normalizeEmail(email)), email)
}

// UpdatePasswordHash replaces an account's password hash.
func (s *PgStore) UpdatePasswordHash(ctx context.Context, subjectID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET password_hash = $1, updated_at = now() WHERE subject_id = $2`,
		hash, subjectID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return accountNotFound(subjectID)
	}
	return nil
}

// Profile retrieves a subject's profile.
func (s *PgStore) Profile(ctx context.Context, subjectID string) (model.Profile, error) {
	var (
		p     model.Profile
		prefs []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT p.subject_id, p.first_name, p.last_name, p.email, p.phone, p.address,
			p.preferences, p.updated_at,
			EXISTS (SELECT 1 FROM profile_pictures pp WHERE pp.subject_id = p.subject_id)
		FROM profiles p WHERE p.subject_id = $1`, subjectID,
	).Scan(&p.SubjectID, &p.FirstName, &p.LastName, &p.Email, &p.Phone, &p.Address,
		&prefs, &p.UpdatedAt, &p.HasPicture)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Profile{}, model.NewNotFoundError(fmt.Sprintf("profile %q not found", subjectID))
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("query profile: %w", err)
	}
	if err := json.Unmarshal(prefs, &p.Preferences); err != nil {
		return model.Profile{}, fmt.Errorf("unmarshal preferences: %w", err)
	}
	return p, nil
}

// SaveProfile replaces a subject's profile.
func (s *PgStore) SaveProfile(ctx context.Context, p model.Profile) error {
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE profiles SET first_name = $1, last_name = $2, phone = $3, address = $4,
			preferences = $5, updated_at = $6
		WHERE subject_id = $7`,
		p.FirstName, p.LastName, p.Phone, p.Address, prefs, p.UpdatedAt, p.SubjectID,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("profile %q not found", p.SubjectID))
	}
	return nil
}

// AddNotification stores a notification.
func (s *PgStore) AddNotification(ctx context.Context, n model.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, subject_id, title, body, record_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.SubjectID, n.Title, n.Body, n.RecordID, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

const notificationColumns = `id, subject_id, title, body, record_id, read, created_at`

func scanNotification(row pgx.Row) (model.Notification, error) {
	var n model.Notification
	err := row.Scan(&n.ID, &n.SubjectID, &n.Title, &n.Body, &n.RecordID, &n.Read, &n.CreatedAt)
	return n, err
}

// Notifications returns a subject's notifications, newest first.
func (s *PgStore) Notifications(ctx context.Context, subjectID string) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE subject_id = $1
		ORDER BY created_at DESC, id DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	list := make([]model.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// SetNotificationRead marks one notification read or unread.
func (s *PgStore) SetNotificationRead(ctx context.Context, subjectID, id string, read bool) (model.Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx, `
		UPDATE notifications SET read = $1
		WHERE id = $2 AND subject_id = $3
		RETURNING `+notificationColumns, read, id, subjectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Notification{}, notificationNotFound(id)
	}
	if err != nil {
		return model.Notification{}, fmt.Errorf("update notification: %w", err)
	}
	return n, nil
}

// DeleteNotification removes one notification.
func (s *PgStore) DeleteNotification(ctx context.Context, subjectID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND subject_id = $2`, id, subjectID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notificationNotFound(id)
	}
	return nil
}

// AddDocument stores a document and its contents.
func (s *PgStore) AddDocument(ctx context.Context, doc model.Document, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, subject_id, name, content_type, size, checksum, data, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.SubjectID, doc.Name, doc.ContentType, doc.Size, doc.Checksum, data, doc.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Documents returns a subject's documents in upload order.
func (s *PgStore) Documents(ctx context.Context, subjectID string) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject_id, name, content_type, size, checksum, uploaded_at
		FROM documents WHERE subject_id = $1
		ORDER BY uploaded_at ASC, id ASC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]model.Document, 0)
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.SubjectID, &d.Name, &d.ContentType, &d.Size, &d.Checksum, &d.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SavePicture upserts a subject's profile picture.
func (s *PgStore) SavePicture(ctx context.Context, subjectID string, pic model.Picture) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profile_pictures (subject_id, content_type, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id) DO UPDATE
		SET content_type = EXCLUDED.content_type, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		subjectID, pic.ContentType, pic.Data, pic.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save picture: %w", err)
	}
	return nil
}

// Picture returns a subject's profile picture.
func (s *PgStore) Picture(ctx context.Context, subjectID string) (model.Picture, error) {
	var pic model.Picture
	err := s.pool.QueryRow(ctx,
		`SELECT content_type, data, updated_at FROM profile_pictures WHERE subject_id = $1`, subjectID,
	).Scan(&pic.ContentType, &pic.Data, &pic.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Picture{}, model.NewNotFoundError("no profile picture uploaded")
	}
	if err != nil {
		return model.Picture{}, fmt.Errorf("query picture: %w", err)
	}
	return pic, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
