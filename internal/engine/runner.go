package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawerks/linehaul/internal/app"
	"github.com/datawerks/linehaul/internal/domain"
	"github.com/datawerks/linehaul/internal/infra/config"
	"github.com/datawerks/linehaul/internal/infra/logger"
	"github.com/datawerks/linehaul/internal/validate"
)

// Runner owns one job end-to-end: claim, stream, fragment, aggregate,
// heartbeat, and exactly one terminal transition. Every failure path
// converges on finalize, which always persists the counters gathered so far.
type Runner struct {
	jobID string
	url   string

	reg    app.Registry
	refs   app.RefLoader
	source app.StreamOpener
	cfg    config.IngestConfig
	log    *logger.Logger

	instanceID string

	processedLines atomic.Int64
	processedBytes atomic.Int64
	errorLines     atomic.Int64
	numFragments   atomic.Int64
	fragmentsDone  atomic.Int64

	mu         sync.Mutex
	firstErr   *domain.LineError
	abortErr   error
	stopStream context.CancelFunc

	cancelled atomic.Bool
	startedAt time.Time
}

func NewRunner(jobID, url string, ctx *app.Context) *Runner {
	return &Runner{
		jobID:      jobID,
		url:        url,
		reg:        ctx.Registry,
		refs:       ctx.Refs,
		source:     ctx.Source,
		cfg:        ctx.Config.Ingest,
		log:        ctx.Logger.With("runner[" + jobID + "]"),
		instanceID: domain.InstanceID(ctx.Config.Ingest.InstanceIndex),
	}
}

// Cancel requests cooperative cancellation. Set-once; safe to call from any
// goroutine, any number of times, before or during Run.
func (r *Runner) Cancel() {
	r.cancelled.Store(true)
	r.abort(domain.ErrJobCancelled)
}

// abort records the first failure cause and tears down the HTTP stream so
// every suspension point observes it promptly.
func (r *Runner) abort(cause error) {
	r.mu.Lock()
	if r.abortErr == nil {
		r.abortErr = cause
	}
	stop := r.stopStream
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// checkAbort is consulted before every fragment dispatch. It folds in the
// fail-fast and memory thresholds so a breach surfaces at the next dispatch.
func (r *Runner) checkAbort() error {
	r.mu.Lock()
	err := r.abortErr
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if n := r.errorLines.Load(); n >= r.cfg.FailFastThreshold {
		err = fmt.Errorf("%w: %d error lines (threshold %d)", domain.ErrFailFast, n, r.cfg.FailFastThreshold)
		r.abort(err)
		return err
	}

	if limit := r.cfg.MemoryLimitMB(); limit > 0 {
		if rss := processRSSMB(); rss > limit {
			err = fmt.Errorf("%w: rss %.0f MB over limit %.0f MB", domain.ErrMemoryPressure, rss, limit)
			r.abort(err)
			return err
		}
	}

	return nil
}

// Run drives the job to a terminal state. It never returns an error to the
// scheduler; outcomes live on the job row.
func (r *Runner) Run(ctx context.Context) {
	now := time.Now()
	claimed, err := r.reg.Claim(ctx, r.jobID, r.instanceID, now)
	if err != nil {
		r.log.Error("claim failed: %v", err)
		return
	}
	if !claimed {
		r.log.Warn("job no longer queued, claimed elsewhere")
		return
	}
	r.startedAt = now
	r.log.Info("claimed by %s", r.instanceID)

	// A cancel that landed in the registry before we claimed.
	if job, gerr := r.reg.Get(ctx, r.jobID); gerr == nil && job.CancelRequested {
		r.Cancel()
	}

	ref, err := r.refs.Load(ctx)
	if err != nil {
		r.finalize(fmt.Errorf("load reference data: %w", err))
		return
	}

	rules, err := validate.NewRules(validate.Config{
		MinColumns:    r.cfg.MinColumns,
		CurrencyIndex: r.cfg.CurrencyIndex,
		ProvinceIndex: r.cfg.ProvinceIndex,
		ProductIndex:  r.cfg.ProductIndex,
	}, ref)
	if err != nil {
		r.finalize(fmt.Errorf("validator config: %w", err))
		return
	}

	pool := NewPool(r.cfg.NumWorkers, rules, r.log)

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	r.mu.Lock()
	r.stopStream = cancelStream
	aborted := r.abortErr != nil
	r.mu.Unlock()
	if aborted {
		cancelStream()
	}

	aggDone := make(chan struct{})
	go r.aggregate(pool, aggDone)

	stopTickers := r.startTickers()

	runErr := r.ingest(streamCtx, pool)

	// Workers are CPU-bound and always finish; drain them before finalizing
	// so the terminal counters include every dispatched fragment.
	_ = pool.AwaitIdle(context.Background())
	pool.Terminate()
	<-aggDone
	stopTickers()

	// Results that landed after the last dispatch can still push the job
	// over the fail-fast threshold.
	if runErr == nil {
		if n := r.errorLines.Load(); n >= r.cfg.FailFastThreshold {
			runErr = fmt.Errorf("%w: %d error lines (threshold %d)", domain.ErrFailFast, n, r.cfg.FailFastThreshold)
		}
	}

	r.finalize(runErr)
}

// ingest opens the HTTP stream and runs the fragmenter over it, applying
// backpressure through pool acquisition.
func (r *Runner) ingest(ctx context.Context, pool *Pool) error {
	if err := r.checkAbort(); err != nil {
		return err
	}

	body, size, err := r.source.Open(ctx, r.url)
	if err != nil {
		if aerr := r.abortCause(); aerr != nil {
			return aerr
		}
		return fmt.Errorf("open stream: %w", err)
	}
	defer body.Close()

	if size > 0 {
		// Source-reported size may be missing at enqueue time.
		if job, gerr := r.reg.Get(ctx, r.jobID); gerr == nil && job.TotalBytes == 0 {
			_ = r.reg.Update(ctx, r.jobID, domain.JobPatch{TotalBytes: &size})
		}
	}

	frag := NewFragmenter(r.cfg.FragmentMaxBytes, func(ctx context.Context, fr domain.Fragment) error {
		if err := r.checkAbort(); err != nil {
			return err
		}

		w, err := pool.Acquire(ctx)
		if err != nil {
			if aerr := r.abortCause(); aerr != nil {
				return aerr
			}
			return err
		}

		r.numFragments.Add(1)
		pool.Dispatch(w, fr)
		return nil
	})

	if err := frag.Run(ctx, body); err != nil {
		if aerr := r.abortCause(); aerr != nil {
			return aerr
		}
		return err
	}

	return nil
}

func (r *Runner) abortCause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortErr
}

// aggregate reduces worker results into the runner's counters. Addition is
// commutative, so completion order does not matter; the first-error sample
// keeps the lowest line number seen.
func (r *Runner) aggregate(pool *Pool, done chan<- struct{}) {
	defer close(done)

	for res := range pool.Results() {
		r.processedLines.Add(res.ProcessedLines)
		r.processedBytes.Add(res.ProcessedBytes)
		r.errorLines.Add(res.ErrorCount)
		r.fragmentsDone.Add(1)

		if res.FirstError != nil {
			r.recordFirstError(res.FirstError)
		}

		r.log.Debug("fragment %d done: worker=%d lines=%d errors=%d rss=%.0fMB",
			res.Seq, res.WorkerID, res.ProcessedLines, res.ErrorCount, res.MemoryRSSMB)
	}
}

func (r *Runner) recordFirstError(e *domain.LineError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.firstErr == nil || e.LineNumber < r.firstErr.LineNumber {
		if r.firstErr == nil {
			r.log.Warn("first invalid line %d: %s (%s)", e.LineNumber, e.Type, e.Message)
		}
		r.firstErr = e
	}
}

// FirstError returns the surviving first-error sample, if any.
func (r *Runner) FirstError() *domain.LineError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

// Progress returns a live snapshot of the counters for the control API.
func (r *Runner) Progress() (processedLines, processedBytes, errorLines, numFragments, fragmentsDone int64) {
	return r.processedLines.Load(), r.processedBytes.Load(), r.errorLines.Load(),
		r.numFragments.Load(), r.fragmentsDone.Load()
}

// startTickers launches the heartbeat and metrics loops. The returned stop
// function halts both and waits for them.
func (r *Runner) startTickers() (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		hb := time.NewTicker(r.cfg.HeartbeatInterval)
		defer hb.Stop()
		for {
			select {
			case <-done:
				return
			case <-hb.C:
				r.heartbeat()
			}
		}
	}()

	go func() {
		defer wg.Done()
		mt := time.NewTicker(r.cfg.MetricsLogInterval)
		defer mt.Stop()
		for {
			select {
			case <-done:
				return
			case <-mt.C:
				r.logMetrics()
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// heartbeat renews the lease and observes an externally written cancel
// request. Write failures are swallowed to the next tick.
func (r *Runner) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if job, err := r.reg.Get(ctx, r.jobID); err == nil && job.CancelRequested {
		r.log.Info("cancel requested via registry")
		r.Cancel()
	}

	now := time.Now()
	patch := r.progressPatch()
	patch.HeartbeatAt = &now

	if err := r.reg.Update(ctx, r.jobID, patch); err != nil {
		r.log.Warn("heartbeat write failed: %v", err)
	}
}

// logMetrics reports throughput and enforces the memory budget. A breach
// aborts the stream; the fragmenter sees it at its next suspension point.
func (r *Runner) logMetrics() {
	elapsed := time.Since(r.startedAt).Seconds()
	if elapsed <= 0 {
		return
	}

	lines := r.processedLines.Load()
	bytesDone := r.processedBytes.Load()
	rss := processRSSMB()

	r.log.Info("progress: %d lines (%.0f/s), %.1f MB (%.1f MB/s), %d/%d fragments, rss %.0f MB",
		lines, float64(lines)/elapsed,
		float64(bytesDone)/(1024*1024), float64(bytesDone)/(1024*1024)/elapsed,
		r.fragmentsDone.Load(), r.numFragments.Load(), rss)

	if limit := r.cfg.MemoryLimitMB(); limit > 0 && rss > limit {
		r.log.Error("memory budget exceeded: rss %.0f MB > %.0f MB", rss, limit)
		r.abort(fmt.Errorf("%w: rss %.0f MB over limit %.0f MB", domain.ErrMemoryPressure, rss, limit))
	}
}

func (r *Runner) progressPatch() domain.JobPatch {
	lines := r.processedLines.Load()
	bytesDone := r.processedBytes.Load()
	errs := r.errorLines.Load()
	frags := r.numFragments.Load()
	fragsDone := r.fragmentsDone.Load()

	return domain.JobPatch{
		ProcessedLines: &lines,
		ProcessedBytes: &bytesDone,
		ErrorLines:     &errs,
		NumFragments:   &frags,
		FragmentsDone:  &fragsDone,
	}
}

// finalize chooses the terminal status and writes the last word on the job
// row: counters, timing, throughput, and the outcome message.
func (r *Runner) finalize(runErr error) {
	now := time.Now()
	elapsed := now.Sub(r.startedAt)
	durMs := elapsed.Milliseconds()

	lines := r.processedLines.Load()
	bytesDone := r.processedBytes.Load()
	errs := r.errorLines.Load()

	status := domain.StatusDone
	message := ""

	if runErr != nil {
		if r.cancelled.Load() || errors.Is(runErr, domain.ErrJobCancelled) {
			status = domain.StatusCancelled
			message = domain.CancelledMessage
		} else {
			status = domain.StatusError
			message = runErr.Error()
		}
	}

	patch := r.progressPatch()
	patch.Status = &status
	patch.FinishedAt = &now
	patch.TotalDurationMs = &durMs
	patch.ErrorMessage = &message

	var linesPerSec, bytesPerSec float64
	if secs := elapsed.Seconds(); secs > 0 {
		linesPerSec = float64(lines) / secs
		bytesPerSec = float64(bytesDone) / secs
	}
	patch.LinesPerSecond = &linesPerSec
	patch.BytesPerSecond = &bytesPerSec

	if status == domain.StatusDone {
		passed := errs == 0
		patch.TotalLines = &lines
		patch.ValidationPassed = &passed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.reg.Update(ctx, r.jobID, patch); err != nil {
		r.log.Error("terminal write failed, retrying once: %v", err)
		if err := r.reg.Update(ctx, r.jobID, patch); err != nil {
			r.log.Error("terminal write failed permanently: %v", err)
		}
	}

	switch status {
	case domain.StatusDone:
		r.log.Info("done: %d lines, %d errors, %d fragments in %s (%.0f lines/s)",
			lines, errs, r.numFragments.Load(), elapsed.Truncate(time.Millisecond), linesPerSec)
	case domain.StatusCancelled:
		r.log.Info("cancelled after %d lines", lines)
	default:
		r.log.Error("failed after %d lines: %s", lines, message)
	}
}
