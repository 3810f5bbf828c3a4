package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/segmentio/ksuid"

	"github.com/datawerks/linehaul/internal/app"
	"github.com/datawerks/linehaul/internal/domain"
	"github.com/datawerks/linehaul/internal/engine"
	"github.com/datawerks/linehaul/internal/source"
)

type JobsController struct {
	App       *app.Context
	Scheduler *engine.Scheduler
	URLs      *source.URLBook
}

// Enqueue creates the job row and starts it immediately when a slot is free,
// otherwise the row waits in QUEUED for AutoDequeue.
func (ctrl *JobsController) Enqueue(c *echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.FileName == "" || req.DownloadURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "file_name and download_url are required"})
	}

	job := &domain.Job{
		ID:           ksuid.New().String(),
		FileName:     req.FileName,
		SourceItemID: req.SourceItemID,
		TotalBytes:   req.TotalBytes,
		Status:       domain.StatusQueued,
		CreatedAt:    time.Now(),
	}
	if job.SourceItemID == "" {
		job.SourceItemID = job.ID
	}

	if err := ctrl.App.Registry.Create(c.Request().Context(), job); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	var expires time.Time
	if req.URLExpiresAt != nil {
		expires = *req.URLExpiresAt
	}
	ctrl.URLs.Register(job.SourceItemID, req.DownloadURL, expires)

	started := ctrl.Scheduler.Enqueue(job.ID, req.DownloadURL)

	return c.JSON(http.StatusAccepted, EnqueueResponse{Job: job, Started: started})
}

// Cancel stops a job wherever it is: live runners get the cooperative flag,
// queued rows go straight to CANCELLED, and rows owned by another instance
// get cancel_requested so their heartbeat picks it up.
func (ctrl *JobsController) Cancel(c *echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	job, err := ctrl.App.Registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if job.Status.Terminal() {
		return c.JSON(http.StatusConflict, CancelResponse{ID: id, Cancelled: false, Status: job.Status})
	}

	if ctrl.Scheduler.Cancel(id) {
		return c.JSON(http.StatusAccepted, CancelResponse{ID: id, Cancelled: true, Status: domain.StatusProcessing})
	}

	switch job.Status {
	case domain.StatusNew, domain.StatusQueued:
		now := time.Now()
		status := domain.StatusCancelled
		message := domain.CancelledMessage
		err = ctrl.App.Registry.Update(ctx, id, domain.JobPatch{
			Status:       &status,
			ErrorMessage: &message,
			FinishedAt:   &now,
		})
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, CancelResponse{ID: id, Cancelled: true, Status: status})

	default:
		// Processing on another instance: its heartbeat observes the flag.
		requested := true
		err = ctrl.App.Registry.Update(ctx, id, domain.JobPatch{CancelRequested: &requested})
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusAccepted, CancelResponse{ID: id, Cancelled: true, Status: job.Status})
	}
}

// Get returns the job row, overlaid with live counters when this instance is
// running it.
func (ctrl *JobsController) Get(c *echo.Context) error {
	id := c.Param("id")

	job, err := ctrl.App.Registry.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	resp := JobResponse{Job: job}
	if r, ok := ctrl.Scheduler.Active(id); ok {
		lines, bytesDone, errLines, frags, fragsDone := r.Progress()
		job.ProcessedLines = lines
		job.ProcessedBytes = bytesDone
		job.ErrorLines = errLines
		job.NumFragments = frags
		job.FragmentsDone = fragsDone
		resp.FirstError = r.FirstError()
	}

	return c.JSON(http.StatusOK, resp)
}

// List returns jobs, optionally filtered by ?status=.
func (ctrl *JobsController) List(c *echo.Context) error {
	ctx := c.Request().Context()

	statuses := []domain.JobStatus{
		domain.StatusNew, domain.StatusQueued, domain.StatusProcessing,
		domain.StatusDone, domain.StatusError, domain.StatusCancelled,
	}
	if q := c.QueryParam("status"); q != "" {
		statuses = []domain.JobStatus{domain.JobStatus(q)}
	}

	jobs := make([]*domain.Job, 0)
	for _, st := range statuses {
		batch, err := ctrl.App.Registry.ListByStatus(ctx, st, 0)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		jobs = append(jobs, batch...)
	}

	return c.JSON(http.StatusOK, jobs)
}
