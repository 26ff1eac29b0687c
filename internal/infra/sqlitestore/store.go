// Package sqlitestore persists jobs in a SQLite database via the pure-Go
// modernc driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"jobrun/internal/domain"
	"jobrun/internal/ports"
)

var _ ports.Storage = (*Store)(nil)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  status TEXT NOT NULL,
  payload BLOB,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL,
  result BLOB,
  error_message TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, name string, payload json.RawMessage, maxAttempts int) (*domain.Job, error) {
	now := time.Now()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Name:        name,
		Status:      domain.StatusPending,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, name, status, payload, attempts, max_attempts, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		job.ID,
		job.Name,
		string(job.Status),
		[]byte(job.Payload),
		job.MaxAttempts,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// exec runs a single-row mutation and maps zero affected rows to
// domain.ErrNotFound.
func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.exec(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.StatusRunning), time.Now().UnixMilli(), id)
}

func (s *Store) MarkDone(ctx context.Context, id string, result json.RawMessage) error {
	return s.exec(ctx,
		`UPDATE jobs SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		string(domain.StatusDone), []byte(result), time.Now().UnixMilli(), id)
}

func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return s.exec(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(domain.StatusFailed), errMsg, time.Now().UnixMilli(), id)
}

func (s *Store) IncAttempts(ctx context.Context, id string) error {
	return s.exec(ctx,
		`UPDATE jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
}

func (s *Store) ResetStatus(ctx context.Context, id string, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return s.exec(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id)
}

const selectCols = `id, name, status, payload, attempts, max_attempts, result, error_message, created_at, updated_at`

func (s *Store) ListJobs(ctx context.Context, f ports.ListFilter) ([]*domain.Job, error) {
	query := `SELECT ` + selectCols + ` FROM jobs`
	args := []any{}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*domain.Job, error) {
	var (
		job                  domain.Job
		statusStr            string
		payload, result      []byte
		errorMsg             sql.NullString
		createdMs, updatedMs int64
	)
	if err := sc.Scan(&job.ID, &job.Name, &statusStr, &payload, &job.Attempts,
		&job.MaxAttempts, &result, &errorMsg, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	job.Status = domain.Status(statusStr)
	job.Payload = payload
	job.Result = result
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	job.CreatedAt = time.UnixMilli(createdMs)
	job.UpdatedAt = time.UnixMilli(updatedMs)
	return &job, nil
}
