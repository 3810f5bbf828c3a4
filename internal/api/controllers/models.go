package controllers

import (
	"time"

	"github.com/datawerks/linehaul/internal/domain"
)

// EnqueueRequest registers a file for validation. The download URL comes from
// the caller's signed-URL exchange with the object store.
type EnqueueRequest struct {
	FileName     string     `json:"file_name"`
	SourceItemID string     `json:"source_item_id"`
	TotalBytes   int64      `json:"total_bytes"`
	DownloadURL  string     `json:"download_url"`
	URLExpiresAt *time.Time `json:"url_expires_at,omitempty"`
}

// JobResponse is a job row plus, for active jobs, the live first-error sample.
type JobResponse struct {
	*domain.Job
	FirstError *domain.LineError `json:"first_error,omitempty"`
}

type EnqueueResponse struct {
	Job     *domain.Job `json:"job"`
	Started bool        `json:"started"`
}

type CancelResponse struct {
	ID        string           `json:"id"`
	Cancelled bool             `json:"cancelled"`
	Status    domain.JobStatus `json:"status"`
}
