package domain

import (
	"time"
)

type JobStatus string

const (
	StatusNew        JobStatus = "new"
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusDone       JobStatus = "done"
	StatusError      JobStatus = "error"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is absorbing. Terminal rows are never
// mutated again except by explicit external deletion.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Job represents one validation run over a single remote file. The row is the
// only durable state the engine keeps; individual line errors are deliberately
// discarded to bound memory and storage.
type Job struct {
	ID           string    `json:"id"`
	FileName     string    `json:"file_name"`
	SourceItemID string    `json:"source_item_id"`
	TotalBytes   int64     `json:"total_bytes"` // source-reported, may be 0 when unknown
	Status       JobStatus `json:"status"`

	ProcessedLines int64 `json:"processed_lines"`
	ProcessedBytes int64 `json:"processed_bytes"`
	ErrorLines     int64 `json:"error_lines"`
	TotalLines     int64 `json:"total_lines"`
	NumFragments   int64 `json:"num_fragments"`
	FragmentsDone  int64 `json:"fragments_done"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	TotalDurationMs int64      `json:"total_duration_ms"`

	LinesPerSecond float64 `json:"lines_per_second"`
	BytesPerSecond float64 `json:"bytes_per_second"`

	CancelRequested bool   `json:"cancel_requested"`
	ClaimedBy       string `json:"claimed_by"`

	ErrorMessage     string `json:"error_message,omitempty"`
	ValidationPassed bool   `json:"validation_passed"`

	CreatedAt time.Time `json:"created_at"`
}

// JobPatch is a partial update of a job row. Nil fields are left untouched.
// The registry backends translate set fields into a single UPDATE.
type JobPatch struct {
	Status *JobStatus

	TotalBytes     *int64
	ProcessedLines *int64
	ProcessedBytes *int64
	ErrorLines     *int64
	TotalLines     *int64
	NumFragments   *int64
	FragmentsDone  *int64

	StartedAt       *time.Time
	FinishedAt      *time.Time
	HeartbeatAt     *time.Time
	TotalDurationMs *int64

	LinesPerSecond *float64
	BytesPerSecond *float64

	CancelRequested *bool
	ClaimedBy       *string

	ErrorMessage     *string
	ValidationPassed *bool
}

// IsZero reports whether the patch would change nothing.
func (p JobPatch) IsZero() bool {
	return p == JobPatch{}
}
