package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/jbigflow/internal/domain"
	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE postgres reports for duplicate keys.
const uniqueViolation = "23505"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversion_jobs (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		source_type TEXT NOT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		object_key  TEXT NOT NULL,
		buffer_size INTEGER NOT NULL DEFAULT 0,
		outputs     JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversion_usage (
		id              BIGSERIAL PRIMARY KEY,
		user_id         TEXT NOT NULL,
		job_id          TEXT NOT NULL,
		pixels_decoded  BIGINT NOT NULL,
		input_bytes     BIGINT NOT NULL,
		output_bytes    BIGINT NOT NULL,
		compute_time_ms BIGINT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS conversion_usage_user_idx ON conversion_usage (user_id, created_at)`,
}

const jobColumns = `id, user_id, status, source_type, webhook_url, object_key, buffer_size, outputs, created_at, updated_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresJobStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema applies every migration inside one transaction.
func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	outputs, err := json.Marshal(job.Outputs)
	if err != nil {
		return fmt.Errorf("marshal job outputs: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversion_jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.UserID, job.Status, job.SourceType, job.WebhookURL,
		job.ObjectKey, job.BufferSize, outputs, job.CreatedAt, job.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query job %s: %w", id, err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE conversion_jobs SET status = $1, updated_at = $2 WHERE id = $3 RETURNING `+jobColumns,
		status, time.Now().UTC(), id,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job %s status: %w", id, err)
	}
	return job, nil
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversion_usage (user_id, job_id, pixels_decoded, input_bytes, output_bytes, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		usage.UserID, usage.JobID, usage.PixelsDecoded, usage.InputBytes,
		usage.OutputBytes, usage.ComputeTimeMS, usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage for job %s: %w", usage.JobID, err)
	}
	return nil
}

func scanJob(row *sql.Row) (domain.Job, error) {
	var (
		job     domain.Job
		outputs []byte
	)
	err := row.Scan(
		&job.ID, &job.UserID, &job.Status, &job.SourceType, &job.WebhookURL,
		&job.ObjectKey, &job.BufferSize, &outputs, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(outputs, &job.Outputs); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job outputs: %w", err)
	}
	return job, nil
}
