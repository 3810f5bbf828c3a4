// Package postgres provides the Postgres-backed job registry, for deployments
// where several instances share one database. Semantics match the sqlite
// backend; the conditional claim maps onto a guarded UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datawerks/linehaul/internal/domain"
)

const jobColumns = `id, file_name, source_item_id, total_bytes, status,
	processed_lines, processed_bytes, error_lines, total_lines, num_fragments, fragments_done,
	started_at, finished_at, heartbeat_at, total_duration_ms,
	lines_per_second, bytes_per_second, cancel_requested, claimed_by, error_message,
	validation_passed, created_at`

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                TEXT PRIMARY KEY,
    file_name         TEXT NOT NULL,
    source_item_id    TEXT NOT NULL DEFAULT '',
    total_bytes       BIGINT NOT NULL DEFAULT 0,
    status            TEXT NOT NULL,
    processed_lines   BIGINT NOT NULL DEFAULT 0,
    processed_bytes   BIGINT NOT NULL DEFAULT 0,
    error_lines       BIGINT NOT NULL DEFAULT 0,
    total_lines       BIGINT NOT NULL DEFAULT 0,
    num_fragments     BIGINT NOT NULL DEFAULT 0,
    fragments_done    BIGINT NOT NULL DEFAULT 0,
    started_at        TIMESTAMPTZ,
    finished_at       TIMESTAMPTZ,
    heartbeat_at      TIMESTAMPTZ,
    total_duration_ms BIGINT NOT NULL DEFAULT 0,
    lines_per_second  DOUBLE PRECISION NOT NULL DEFAULT 0,
    bytes_per_second  DOUBLE PRECISION NOT NULL DEFAULT 0,
    cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE,
    claimed_by        TEXT NOT NULL DEFAULT '',
    error_message     TEXT NOT NULL DEFAULT '',
    validation_passed BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
`

type Registry struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Registry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure jobs table: %w", err)
	}

	return &Registry{pool: pool}, nil
}

func (r *Registry) Close() error {
	r.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	job := &domain.Job{}

	err := row.Scan(
		&job.ID, &job.FileName, &job.SourceItemID, &job.TotalBytes, &job.Status,
		&job.ProcessedLines, &job.ProcessedBytes, &job.ErrorLines, &job.TotalLines,
		&job.NumFragments, &job.FragmentsDone,
		&job.StartedAt, &job.FinishedAt, &job.HeartbeatAt, &job.TotalDurationMs,
		&job.LinesPerSecond, &job.BytesPerSecond, &job.CancelRequested, &job.ClaimedBy,
		&job.ErrorMessage, &job.ValidationPassed, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Registry) Create(ctx context.Context, job *domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = domain.StatusNew
	}

	query := `INSERT INTO jobs (` + jobColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
	                  $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.FileName, job.SourceItemID, job.TotalBytes, job.Status,
		job.ProcessedLines, job.ProcessedBytes, job.ErrorLines, job.TotalLines,
		job.NumFragments, job.FragmentsDone,
		job.StartedAt, job.FinishedAt, job.HeartbeatAt, job.TotalDurationMs,
		job.LinesPerSecond, job.BytesPerSecond, job.CancelRequested,
		job.ClaimedBy, job.ErrorMessage, job.ValidationPassed, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	return job, nil
}

func (r *Registry) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at ASC, id ASC`
	args := []any{status}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *Registry) Update(ctx context.Context, id string, patch domain.JobPatch) error {
	sets, args := patchAssignments(patch)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *Registry) Claim(ctx context.Context, id, claimedBy string, now time.Time) (bool, error) {
	query := `UPDATE jobs
	          SET status = $1, claimed_by = $2, started_at = $3, heartbeat_at = $3
	          WHERE id = $4 AND status = $5`

	tag, err := r.pool.Exec(ctx, query,
		domain.StatusProcessing, claimedBy, now, id, domain.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

func patchAssignments(p domain.JobPatch) ([]string, []any) {
	var sets []string
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.TotalBytes != nil {
		add("total_bytes", *p.TotalBytes)
	}
	if p.ProcessedLines != nil {
		add("processed_lines", *p.ProcessedLines)
	}
	if p.ProcessedBytes != nil {
		add("processed_bytes", *p.ProcessedBytes)
	}
	if p.ErrorLines != nil {
		add("error_lines", *p.ErrorLines)
	}
	if p.TotalLines != nil {
		add("total_lines", *p.TotalLines)
	}
	if p.NumFragments != nil {
		add("num_fragments", *p.NumFragments)
	}
	if p.FragmentsDone != nil {
		add("fragments_done", *p.FragmentsDone)
	}
	if p.StartedAt != nil {
		add("started_at", *p.StartedAt)
	}
	if p.FinishedAt != nil {
		add("finished_at", *p.FinishedAt)
	}
	if p.HeartbeatAt != nil {
		add("heartbeat_at", *p.HeartbeatAt)
	}
	if p.TotalDurationMs != nil {
		add("total_duration_ms", *p.TotalDurationMs)
	}
	if p.LinesPerSecond != nil {
		add("lines_per_second", *p.LinesPerSecond)
	}
	if p.BytesPerSecond != nil {
		add("bytes_per_second", *p.BytesPerSecond)
	}
	if p.CancelRequested != nil {
		add("cancel_requested", *p.CancelRequested)
	}
	if p.ClaimedBy != nil {
		add("claimed_by", *p.ClaimedBy)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	}
	if p.ValidationPassed != nil {
		add("validation_passed", *p.ValidationPassed)
	}

	return sets, args
}
