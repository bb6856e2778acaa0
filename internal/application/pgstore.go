package application

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

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

const recordSchema = `
CREATE TABLE IF NOT EXISTS applications (
	id               TEXT PRIMARY KEY,
	service_id       TEXT NOT NULL,
	service_name     TEXT NOT NULL,
	category         TEXT NOT NULL,
	domain           TEXT NOT NULL,
	subject_id       TEXT NOT NULL,
	applicant_name   TEXT NOT NULL DEFAULT '',
	applicant_email  TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	reference_number TEXT NOT NULL UNIQUE,
	fee              JSONB NOT NULL,
	payload          JSONB NOT NULL,
	version          INTEGER NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS applications_subject_idx ON applications (subject_id, created_at);

CREATE TABLE IF NOT EXISTS application_events (
	id          TEXT PRIMARY KEY,
	record_id   TEXT NOT NULL REFERENCES applications (id),
	event       TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL DEFAULT '',
	actor_id    TEXT NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS application_events_record_idx ON application_events (record_id, created_at);
`

const recordColumns = `id, service_id, service_name, category, domain, subject_id,
	applicant_name, applicant_email, status, reference_number, fee, payload,
	version, created_at, updated_at`

// PgRecordStore is a PostgreSQL-backed RecordStore using pgx/v5.
type PgRecordStore struct {
	pool *pgxpool.Pool
}

// NewPgRecordStore creates a new PostgreSQL record store.
func NewPgRecordStore(pool *pgxpool.Pool) *PgRecordStore {
	return &PgRecordStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PgRecordStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, recordSchema); err != nil {
		return fmt.Errorf("create application schema: %w", err)
	}
	return nil
}

// Create inserts a new record.
func (s *PgRecordStore) Create(ctx context.Context, rec model.Record) error {
	feeJSON, payloadJSON, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	if rec.Version == 0 {
		rec.Version = 1
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO applications (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.ServiceID, rec.ServiceName, rec.Category, rec.Domain, rec.SubjectID,
		rec.ApplicantName, rec.ApplicantEmail, rec.Status, rec.ReferenceNumber, feeJSON, payloadJSON,
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return model.NewConflictError(fmt.Sprintf("application %q or reference %q already exists", rec.ID, rec.ReferenceNumber))
	}
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *PgRecordStore) Get(ctx context.Context, id string) (model.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM applications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, model.NewNotFoundError(fmt.Sprintf("application %q not found", id))
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("query application: %w", err)
	}
	return rec, nil
}

// Update persists a changed record with optimistic locking. The reference
// number takes part in the WHERE clause so it can never be rewritten.
func (s *PgRecordStore) Update(ctx context.Context, rec model.Record) (model.Record, error) {
	feeJSON, payloadJSON, err := marshalRecord(rec)
	if err != nil {
		return model.Record{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET
			status = $1,
			fee = $2,
			payload = $3,
			applicant_name = $4,
			applicant_email = $5,
			updated_at = $6,
			version = version + 1
		WHERE id = $7 AND version = $8 AND reference_number = $9`,
		rec.Status, feeJSON, payloadJSON, rec.ApplicantName, rec.ApplicantEmail,
		rec.UpdatedAt, rec.ID, rec.Version, rec.ReferenceNumber,
	)
	if err != nil {
		return model.Record{}, fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, rec.ID); err != nil {
			return model.Record{}, err
		}
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("application %q changed concurrently or its reference number differs", rec.ID),
		)
	}
	rec.Version++
	return rec, nil
}

// List returns matching records, oldest first.
func (s *PgRecordStore) List(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM applications WHERE TRUE`
	var args []any
	add := func(column string, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}
	add("subject_id", filter.SubjectID)
	add("service_id", filter.ServiceID)
	add("status", string(filter.Status))
	add("domain", string(filter.Domain))
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	records := make([]model.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendEvent adds an event to a record's audit trail.
func (s *PgRecordStore) AppendEvent(ctx context.Context, event model.RecordEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO application_events (
			id, record_id, event, from_status, to_status, actor_id, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.RecordID, event.Event, event.From, event.To,
		event.ActorID, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert application event: %w", err)
	}
	return nil
}

// Events returns a record's audit trail, oldest first.
func (s *PgRecordStore) Events(ctx context.Context, recordID string) ([]model.RecordEvent, error) {
	if _, err := s.Get(ctx, recordID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, event, from_status, to_status, actor_id, comment, created_at
		FROM application_events
		WHERE record_id = $1
		ORDER BY created_at ASC`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("query application events: %w", err)
	}
	defer rows.Close()

	events := make([]model.RecordEvent, 0)
	for rows.Next() {
		var evt model.RecordEvent
		if err := rows.Scan(
			&evt.ID, &evt.RecordID, &evt.Event, &evt.From, &evt.To,
			&evt.ActorID, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan application event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// HealthCheck pings the database.
func (s *PgRecordStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalRecord(rec model.Record) (fee, payload []byte, err error) {
	fee, err = json.Marshal(rec.Fee)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal fee: %w", err)
	}
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}
	payload, err = json.Marshal(rec.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	return fee, payload, nil
}

func scanRecord(row pgx.Row) (model.Record, error) {
	var rec model.Record
	var feeJSON, payloadJSON []byte
	if err := row.Scan(
		&rec.ID, &rec.ServiceID, &rec.ServiceName, &rec.Category, &rec.Domain, &rec.SubjectID,
		&rec.ApplicantName, &rec.ApplicantEmail, &rec.Status, &rec.ReferenceNumber, &feeJSON, &payloadJSON,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return model.Record{}, err
	}
	if err := json.Unmarshal(feeJSON, &rec.Fee); err != nil {
		return model.Record{}, fmt.Errorf("unmarshal fee: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
		return model.Record{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	rec.Payload = restoreLists(rec.Payload)
	return rec, nil
}

// restoreLists turns JSON arrays back into []string so payload values keep
// the string, bool or []string shape.
func restoreLists(payload map[string]any) map[string]any {
	for k, v := range payload {
		items, ok := v.([]any)
		if !ok {
			continue
		}
		list := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				list = append(list, s)
			}
		}
		payload[k] = list
	}
	return payload
}
