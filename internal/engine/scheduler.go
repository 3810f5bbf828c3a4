package engine

import (
	"context"
	"sync"
	"time"

	"github.com/datawerks/linehaul/internal/app"
	"github.com/datawerks/linehaul/internal/domain"
	"github.com/datawerks/linehaul/internal/infra/logger"
)

// Scheduler is the process-wide job gate. It caps concurrent runners, tracks
// active jobs for cancellation, promotes queued jobs as slots free up, and
// recovers jobs orphaned by a crashed instance.
type Scheduler struct {
	appCtx *app.Context
	log    *logger.Logger
	max    int

	mu     sync.Mutex
	active map[string]*Runner

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(ctx context.Context, appCtx *app.Context) *Scheduler {
	baseCtx, stop := context.WithCancel(ctx)

	maxJobs := appCtx.Config.Ingest.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}

	return &Scheduler{
		appCtx:  appCtx,
		log:     appCtx.Logger.With("scheduler"),
		max:     maxJobs,
		active:  make(map[string]*Runner),
		baseCtx: baseCtx,
		stop:    stop,
	}
}

// Enqueue starts a runner for the job if a slot is free. It returns false
// when at capacity (the job stays queued for AutoDequeue) or when a runner
// for this job is already active in-process.
func (s *Scheduler) Enqueue(jobID, downloadURL string) bool {
	s.mu.Lock()
	if _, running := s.active[jobID]; running {
		s.mu.Unlock()
		s.log.Warn("job %s already active, ignoring enqueue", jobID)
		return false
	}
	if len(s.active) >= s.max {
		s.mu.Unlock()
		return false
	}

	r := NewRunner(jobID, downloadURL, s.appCtx)
	s.active[jobID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		r.Run(s.baseCtx)

		s.mu.Lock()
		delete(s.active, jobID)
		s.mu.Unlock()

		s.AutoDequeue()
	}()

	return true
}

// Cancel flags an active runner for cooperative cancellation. Idempotent.
// Returns false when the job is not running in this process; the control
// plane then sets cancelRequested on the row (or cancels a queued row
// directly) so a future runner observes it.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	r, ok := s.active[jobID]
	s.mu.Unlock()

	if !ok {
		return false
	}
	r.Cancel()
	return true
}

// Active returns the live runner for a job, when this process owns one.
func (s *Scheduler) Active(jobID string) (*Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[jobID]
	return r, ok
}

// ActiveCount returns the number of running jobs.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// AutoDequeue promotes queued jobs, oldest first, until the concurrency cap
// is reached. A job whose download URL cannot be refreshed is marked ERROR
// and skipped. Calling at capacity is a no-op.
func (s *Scheduler) AutoDequeue() {
	ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
	defer cancel()

	// Jobs already tried in this sweep; keeps a row that will not budge
	// (URL refresh failed and the error write failed too) from looping.
	tried := make(map[string]bool)

	for {
		s.mu.Lock()
		free := len(s.active) < s.max
		s.mu.Unlock()
		if !free {
			return
		}

		queued, err := s.appCtx.Registry.ListByStatus(ctx, domain.StatusQueued, 0)
		if err != nil {
			s.log.Error("auto-dequeue: list queued failed: %v", err)
			return
		}

		var next *domain.Job
		s.mu.Lock()
		for _, j := range queued {
			if tried[j.ID] {
				continue
			}
			if _, running := s.active[j.ID]; !running {
				next = j
				break
			}
		}
		s.mu.Unlock()
		if next == nil {
			return
		}
		tried[next.ID] = true

		url, err := s.appCtx.URLs.DownloadURL(ctx, next.SourceItemID)
		if err != nil {
			s.log.Error("auto-dequeue: no download url for job %s: %v", next.ID, err)
			s.failJob(ctx, next.ID, "Could not obtain download URL: "+err.Error())
			continue
		}

		if !s.Enqueue(next.ID, url) {
			return
		}
		s.log.Info("promoted queued job %s", next.ID)
	}
}

// RecoverStaleJobs sweeps PROCESSING rows whose heartbeat is missing or older
// than the timeout and marks them ERROR, then kicks AutoDequeue. Run once at
// startup before the control surface comes up.
func (s *Scheduler) RecoverStaleJobs(ctx context.Context) error {
	processing, err := s.appCtx.Registry.ListByStatus(ctx, domain.StatusProcessing, 0)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-s.appCtx.Config.Ingest.HeartbeatTimeout)
	recovered := 0

	for _, j := range processing {
		if _, running := s.Active(j.ID); running {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.After(cutoff) {
			continue
		}

		s.log.Warn("recovering stale job %s (last heartbeat: %v)", j.ID, j.HeartbeatAt)
		s.failJob(ctx, j.ID, domain.StaleRecoveryMessage)
		recovered++
	}

	if recovered > 0 {
		s.log.Info("recovered %d stale job(s)", recovered)
	}

	s.AutoDequeue()
	return nil
}

func (s *Scheduler) failJob(ctx context.Context, jobID, message string) {
	now := time.Now()
	status := domain.StatusError

	err := s.appCtx.Registry.Update(ctx, jobID, domain.JobPatch{
		Status:       &status,
		ErrorMessage: &message,
		FinishedAt:   &now,
	})
	if err != nil {
		s.log.Error("failed to mark job %s as error: %v", jobID, err)
	}
}

// Shutdown cancels every active runner and waits for them to persist their
// terminal rows.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for _, r := range s.active {
		r.Cancel()
	}
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
}
