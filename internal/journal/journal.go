// Package journal records the outcome of every request the agent handled.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("journal entry not found")

// Entry is one handled request.
type Entry struct {
	SN          string        `json:"sn"`
	Namespace   string        `json:"namespace"`
	Method      string        `json:"method"`
	Model       string        `json:"model"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Store is a request_log table. A nil Store records nothing.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record upserts e. A redelivered sn overwrites its earlier outcome.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil {
		return nil
	}
	var errText sql.NullString
	if e.Error != "" {
		errText = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO request_log(sn, namespace, method, model, status, error, started_at, completed_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(sn) DO UPDATE SET
  namespace = excluded.namespace,
  method = excluded.method,
  model = excluded.model,
  status = excluded.status,
  error = excluded.error,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at,
  duration_ms = excluded.duration_ms;
`, e.SN, e.Namespace, e.Method, e.Model, e.Status, errText,
		e.StartedAt.UTC().Format(time.RFC3339Nano),
		e.CompletedAt.UTC().Format(time.RFC3339Nano),
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record %q: %w", e.SN, err)
	}
	return nil
}

// Get returns the entry for sn or ErrNotFound.
func (s *Store) Get(ctx context.Context, sn string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT sn, namespace, method, model, status, error, started_at, completed_at, duration_ms
FROM request_log WHERE sn = ?;`, sn)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", sn, err)
	}
	return e, nil
}

// Recent returns up to limit entries, most recently completed first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT sn, namespace, method, model, status, error, started_at, completed_at, duration_ms
FROM request_log ORDER BY completed_at DESC, sn ASC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("list recent: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Entry, error) {
	var (
		e                    Entry
		errText              sql.NullString
		startedAt, completed string
		durationMS           int64
	)
	if err := row.Scan(&e.SN, &e.Namespace, &e.Method, &e.Model, &e.Status, &errText, &startedAt, &completed, &durationMS); err != nil {
		return nil, err
	}
	e.Error = errText.String
	var err error
	if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if e.CompletedAt, err = time.Parse(time.RFC3339Nano, completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	return &e, nil
}
