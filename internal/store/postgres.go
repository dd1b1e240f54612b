package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mail-scheduler/internal/models"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("email record not found")
	// ErrInvalidTransition is returned when a status update is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store wraps pgxpool for Postgres persistence of email records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertRecords writes a whole batch in one transaction; either every row lands or none do.
func (s *Store) InsertRecords(ctx context.Context, records []models.EmailRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, r := range records {
		_, err := tx.Exec(ctx, `
			INSERT INTO emails (id, sender, recipient, subject, body, scheduled_at, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, r.ID, r.Sender, r.Recipient, r.Subject, r.Body, r.ScheduledAt, string(r.Status), r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert email %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const recordColumns = `id, sender, recipient, subject, body, scheduled_at, sent_at, status, error, created_at, updated_at`

// GetRecord fetches a record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (models.EmailRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.EmailRecord{}, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM emails WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailRecord{}, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.EmailRecord{}, fmt.Errorf("scan email: %w", err)
	}
	return rec, nil
}

// MaxListLimit caps one page of ListRecords.
const MaxListLimit = 1000

// ListFilter narrows ListRecords. A nil Status returns every record.
type ListFilter struct {
	Status *models.Status
	Limit  int
	Offset int
}

// PageSize is the effective limit: Limit clamped to (0, MaxListLimit].
func (f ListFilter) PageSize() int {
	if f.Limit <= 0 || f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}

// ListRecords returns one page of records ordered by due time, latest first.
func (s *Store) ListRecords(ctx context.Context, f ListFilter) ([]models.EmailRecord, error) {
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var status pgtype.Text
	if f.Status != nil {
		status = pgtype.Text{String: string(*f.Status), Valid: true}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM emails
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY scheduled_at DESC, id
		LIMIT $2 OFFSET $3
	`, status, f.PageSize(), offset)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// StaleRecords returns non-terminal records whose due time is before cutoff.
func (s *Store) StaleRecords(ctx context.Context, cutoff time.Time, limit int) ([]models.EmailRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM emails
		WHERE status = ANY($1) AND scheduled_at < $2
		ORDER BY scheduled_at
		LIMIT $3
	`, statusStrings(models.StatusScheduled, models.StatusRateLimited), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale emails: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// MarkSent records a successful send.
func (s *Store) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return s.transition(ctx, id, models.StatusSent, `sent_at = $3, error = NULL`, sentAt)
}

// MarkFailed records a terminal send failure with its message.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.transition(ctx, id, models.StatusFailed, `error = $3`, reason)
}

// MarkRateLimited records a denial and the next due time the job was moved to.
func (s *Store) MarkRateLimited(ctx context.Context, id string, nextAt time.Time) error {
	return s.transition(ctx, id, models.StatusRateLimited, `scheduled_at = $3`, nextAt)
}

// MarkScheduled returns a rate limited record to scheduled when its job is redelivered.
func (s *Store) MarkScheduled(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StatusScheduled, `error = NULL`)
}

// ResetFailed is the operator path that re-arms a failed record for another attempt.
func (s *Store) ResetFailed(ctx context.Context, id string, scheduledAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails
		SET status = $2, scheduled_at = $3, error = NULL, sent_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(models.StatusScheduled), scheduledAt, string(models.StatusFailed))
	if err != nil {
		return fmt.Errorf("reset email %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainNoop(ctx, id, models.StatusScheduled)
	}
	return nil
}

// transition sets status = to when the current status is an allowed source.
// set may reference $3 onward via extra.
func (s *Store) transition(ctx context.Context, id string, to models.Status, set string, extra ...any) error {
	args := append([]any{id, statusStrings(models.SourcesFor(to)...)}, extra...)
	args = append(args, string(to))
	statusArg := fmt.Sprintf("$%d", len(args))
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails
		SET status = `+statusArg+`, `+set+`, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, args...)
	if err != nil {
		return fmt.Errorf("update email %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainNoop(ctx, id, to)
	}
	return nil
}

func (s *Store) explainNoop(ctx context.Context, id string, to models.Status) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM emails WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read status of %s: %w", id, err)
	}
	return fmt.Errorf("email %s %s -> %s: %w", id, current, to, ErrInvalidTransition)
}

func scanRecord(row pgx.Row) (models.EmailRecord, error) {
	var r models.EmailRecord
	var sentAt pgtype.Timestamptz
	var status string
	var errText pgtype.Text
	if err := row.Scan(&r.ID, &r.Sender, &r.Recipient, &r.Subject, &r.Body, &r.ScheduledAt, &sentAt, &status, &errText, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.EmailRecord{}, err
	}
	r.Status = models.Status(status)
	if sentAt.Valid {
		t := sentAt.Time
		r.SentAt = &t
	}
	r.Error = textPtr(errText)
	return r, nil
}

func collectRecords(rows pgx.Rows) ([]models.EmailRecord, error) {
	out := make([]models.EmailRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate emails: %w", err)
	}
	return out, nil
}

func statusStrings(statuses ...models.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
