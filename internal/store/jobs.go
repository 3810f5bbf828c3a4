package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datawerks/linehaul/internal/domain"
)

const jobColumns = `id, file_name, source_item_id, total_bytes, status,
	processed_lines, processed_bytes, error_lines, total_lines, num_fragments, fragments_done,
	started_at, finished_at, heartbeat_at, total_duration_ms,
	lines_per_second, bytes_per_second, cancel_requested, claimed_by, error_message,
	validation_passed, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	job := &domain.Job{}
	var startedAt, finishedAt, heartbeatAt sql.NullTime
	var cancelRequested, validationPassed int64

	err := row.Scan(
		&job.ID, &job.FileName, &job.SourceItemID, &job.TotalBytes, &job.Status,
		&job.ProcessedLines, &job.ProcessedBytes, &job.ErrorLines, &job.TotalLines,
		&job.NumFragments, &job.FragmentsDone,
		&startedAt, &finishedAt, &heartbeatAt, &job.TotalDurationMs,
		&job.LinesPerSecond, &job.BytesPerSecond, &cancelRequested, &job.ClaimedBy,
		&job.ErrorMessage, &validationPassed, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if heartbeatAt.Valid {
		job.HeartbeatAt = &heartbeatAt.Time
	}
	job.CancelRequested = cancelRequested != 0
	job.ValidationPassed = validationPassed != 0

	return job, nil
}

func (s *SQLiteRegistry) Create(ctx context.Context, job *domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = domain.StatusNew
	}

	query := `INSERT INTO jobs (` + jobColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.FileName, job.SourceItemID, job.TotalBytes, job.Status,
		job.ProcessedLines, job.ProcessedBytes, job.ErrorLines, job.TotalLines,
		job.NumFragments, job.FragmentsDone,
		job.StartedAt, job.FinishedAt, job.HeartbeatAt, job.TotalDurationMs,
		job.LinesPerSecond, job.BytesPerSecond, boolToInt(job.CancelRequested),
		job.ClaimedBy, job.ErrorMessage, boolToInt(job.ValidationPassed), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ? LIMIT 1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLiteRegistry) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`
	args := []any{status}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteRegistry) Update(ctx context.Context, id string, patch domain.JobPatch) error {
	sets, args := patchAssignments(patch)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Claim is the canonical conditional claim: one UPDATE guarded on the queued
// status. Zero rows affected means another instance got there first.
func (s *SQLiteRegistry) Claim(ctx context.Context, id, claimedBy string, now time.Time) (bool, error) {
	query := `UPDATE jobs
	          SET status = ?, claimed_by = ?, started_at = ?, heartbeat_at = ?
	          WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusProcessing, claimedBy, now, now, id, domain.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteRegistry) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// patchAssignments turns the set fields of a patch into SET clauses with
// positional args, in a fixed column order.
func patchAssignments(p domain.JobPatch) ([]string, []any) {
	var sets []string
	var args []any

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
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
		add("cancel_requested", boolToInt(*p.CancelRequested))
	}
	if p.ClaimedBy != nil {
		add("claimed_by", *p.ClaimedBy)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	}
	if p.ValidationPassed != nil {
		add("validation_passed", boolToInt(*p.ValidationPassed))
	}

	return sets, args
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
