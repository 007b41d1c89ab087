package postgresdb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "entity-extractor/internal/errors"
	"entity-extractor/internal/models"
	"entity-extractor/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            UUID PRIMARY KEY,
	file_name     TEXT NOT NULL,
	job_status    TEXT NOT NULL DEFAULT 'queued',
	content       TEXT,
	page_count    INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, connString string) (*Store, error) {
	if connString == "" {
		return nil, errors.New("database connection string is required")
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// EnsureSchema creates the jobs table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, jobID uuid.UUID, fileName string) error {
	sql := `
		INSERT INTO jobs (id, file_name, job_status)
		VALUES ($1, $2, $3)
		`

	if _, err := s.Pool.Exec(ctx, sql, jobID, fileName, models.StatusQueued.String()); err != nil {
		return fmt.Errorf("insert job %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job

	// stored as text, converted before sending back
	var statusString string

	sql := `
        SELECT id, job_status, file_name, content, page_count, error_message, created_at, updated_at
        FROM jobs
        WHERE id = $1
        `

	err := s.Pool.QueryRow(ctx, sql, jobID).Scan(
		&job.ID,
		&statusString,
		&job.FileName,
		&job.Text,
		&job.PageCount,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve job %s: %w", jobID, err)
	}

	job.Status, err = models.ParseStatus(statusString)
	if err != nil {
		return nil, fmt.Errorf("database contains invalid job status: %w", err)
	}

	return &job, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status models.Status) error {
	sql := `
		UPDATE jobs SET job_status = $2, updated_at = now()
		WHERE id = $1
		`
	return s.update(ctx, jobID, sql, status.String())
}

// CompleteJob stores the extracted text and marks the job completed.
func (s *Store) CompleteJob(ctx context.Context, jobID uuid.UUID, text string, pageCount int) error {
	sql := `
		UPDATE jobs
		SET job_status = $2, content = $3, page_count = $4, error_message = NULL, updated_at = now()
		WHERE id = $1
		`
	return s.update(ctx, jobID, sql, models.StatusCompleted.String(), text, pageCount)
}

func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID, message string) error {
	sql := `
		UPDATE jobs SET job_status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
		`
	return s.update(ctx, jobID, sql, models.StatusFailed.String(), message)
}

func (s *Store) update(ctx context.Context, jobID uuid.UUID, sql string, args ...any) error {
	tag, err := s.Pool.Exec(ctx, sql, append([]any{jobID}, args...)...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, storage.ErrNotFound)
	}
	return nil
}

// classify marks data exceptions (SQLSTATE class 22, such as a NUL byte in
// TEXT) as permanent.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22") {
		return apperrors.Permanent(err)
	}
	return err
}
