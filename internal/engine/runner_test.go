package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawerks/linehaul/internal/app"
	"github.com/datawerks/linehaul/internal/domain"
	"github.com/datawerks/linehaul/internal/infra/config"
	"github.com/datawerks/linehaul/internal/refdata"
	"github.com/datawerks/linehaul/internal/source"
	"github.com/datawerks/linehaul/internal/validate"
)

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxConcurrentJobs:  1,
		NumWorkers:         2,
		FragmentMaxBytes:   1 << 20,
		HeartbeatInterval:  20 * time.Millisecond,
		HeartbeatTimeout:   time.Minute,
		MetricsLogInterval: time.Hour,
		FailFastThreshold:  50000,
		MemoryThresholdPct: 100,
		ContainerMemoryMB:  1 << 20, // effectively unlimited
		InstanceIndex:      "0",
		MinColumns:         12,
		CurrencyIndex:      3,
		ProvinceIndex:      10,
		ProductIndex:       11,
	}
}

func testRefCategories() map[string][]string {
	return map[string][]string{
		domain.RefCurrency: {"CAD", "USD"},
		domain.RefProvince: {"ON", "QC"},
		domain.RefProduct:  {"widget"},
	}
}

func newTestApp(reg app.Registry, ingest config.IngestConfig) *app.Context {
	appCtx := app.NewContext(&config.Config{Ingest: ingest}, quietLogger())
	appCtx.Registry = reg
	appCtx.Source = source.NewHTTPOpener()
	appCtx.URLs = source.NewURLBook()
	appCtx.Refs = refdata.NewStatic(testRefCategories())
	return appCtx
}

// validLine builds a 12-column line that passes the default rule set.
func validLine() string {
	cols := make([]string, 12)
	for i := range cols {
		cols[i] = "x"
	}
	cols[3] = "CAD"
	cols[10] = "ON"
	cols[11] = "widget"
	return strings.Join(cols, validate.Separator)
}

func queuedJob(t *testing.T, reg app.Registry, id string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:           id,
		FileName:     id + ".csv",
		SourceItemID: id,
		Status:       domain.StatusQueued,
	}
	require.NoError(t, reg.Create(context.Background(), job))
	return job
}

func serveContent(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunnerHappyPath(t *testing.T) {
	reg := newMemRegistry()
	appCtx := newTestApp(reg, testIngestConfig())
	queuedJob(t, reg, "job-happy")

	srv := serveContent(t, strings.Repeat(validLine()+"\n", 5))

	NewRunner("job-happy", srv.URL, appCtx).Run(context.Background())

	job, err := reg.Get(context.Background(), "job-happy")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDone, job.Status)
	assert.Equal(t, int64(5), job.ProcessedLines)
	assert.Equal(t, int64(5), job.TotalLines)
	assert.Zero(t, job.ErrorLines)
	assert.True(t, job.ValidationPassed)
	assert.Equal(t, int64(1), job.NumFragments)
	assert.Equal(t, int64(1), job.FragmentsDone)
	assert.NotEmpty(t, job.ClaimedBy)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
	assert.False(t, job.FinishedAt.Before(*job.StartedAt))
}

func TestRunnerMixedErrors(t *testing.T) {
	reg := newMemRegistry()
	appCtx := newTestApp(reg, testIngestConfig())
	queuedJob(t, reg, "job-mixed")

	var sb strings.Builder
	for i := 1; i <= 100; i++ {
		if i == 10 || i == 27 {
			sb.WriteString("a;b;c\n")
		} else {
			sb.WriteString(validLine() + "\n")
		}
	}
	srv := serveContent(t, sb.String())

	r := NewRunner("job-mixed", srv.URL, appCtx)
	r.Run(context.Background())

	job, err := reg.Get(context.Background(), "job-mixed")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDone, job.Status)
	assert.Equal(t, int64(100), job.ProcessedLines)
	assert.Equal(t, int64(2), job.ErrorLines)
	assert.False(t, job.ValidationPassed)

	first := r.FirstError()
	require.NotNil(t, first)
	assert.Equal(t, int64(10), first.LineNumber)
	assert.Equal(t, validate.ErrTypeTooFewColumns, first.Type)
	assert.Equal(t, "a;b;c", first.RawLine)
}

func TestRunnerEmptyFile(t *testing.T) {
	reg := newMemRegistry()
	appCtx := newTestApp(reg, testIngestConfig())
	queuedJob(t, reg, "job-empty")

	srv := serveContent(t, "")

	NewRunner("job-empty", srv.URL, appCtx).Run(context.Background())

	job, err := reg.Get(context.Background(), "job-empty")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDone, job.Status)
	assert.Zero(t, job.ProcessedLines)
	assert.Zero(t, job.ErrorLines)
	assert.Zero(t, job.NumFragments)
	assert.True(t, job.ValidationPassed)
}

func TestRunnerMultipleFragments(t *testing.T) {
	cfg := testIngestConfig()
	cfg.FragmentMaxBytes = 1024

	reg := newMemRegistry()
	appCtx := newTestApp(reg, cfg)
	queuedJob(t, reg, "job-frags")

	const totalLines = 500
	srv := serveContent(t, strings.Repeat(validLine()+"\n", totalLines))

	NewRunner("job-frags", srv.URL, appCtx).Run(context.Background())

	job, err := reg.Get(context.Background(), "job-frags")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDone, job.Status)
	assert.Equal(t, int64(totalLines), job.ProcessedLines)
	assert.Greater(t, job.NumFragments, int64(1))
	assert.Equal(t, job.NumFragments, job.FragmentsDone)
}

func TestRunnerFailFast(t *testing.T) {
	cfg := testIngestConfig()
	cfg.FailFastThreshold = 10
	cfg.FragmentMaxBytes = 256

	reg := newMemRegistry()
	appCtx := newTestApp(reg, cfg)
	queuedJob(t, reg, "job-failfast")

	srv := serveContent(t, strings.Repeat("a;b;c\n", 500))

	NewRunner("job-failfast", srv.URL, appCtx).Run(context.Background())

	job, err := reg.Get(context.Background(), "job-failfast")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusError, job.Status)
	assert.Contains(t, job.ErrorMessage, "error line threshold")
	assert.GreaterOrEqual(t, job.ErrorLines, int64(10))
}

func TestRunnerHTTPError(t *testing.T) {
	reg := newMemRegistry()
	appCtx := newTestApp(reg, testIngestConfig())
	queuedJob(t, reg, "job-http")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	NewRunner("job-http", srv.URL, appCtx).Run(context.Background())

	job, err := reg.Get(context.Background(), "job-http")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusError, job.Status)
	assert.Contains(t, job.ErrorMessage, "500")
	require.NotNil(t, job.FinishedAt)
}

func TestRunnerCancellation(t *testing.T) {
	cfg := testIngestConfig()
	cfg.FragmentMaxBytes = 1024

	reg := newMemRegistry()
	appCtx := newTestApp(reg, cfg)
	queuedJob(t, reg, "job-cancel")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat(validLine()+"\n", 200)))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Keep the stream open until the client aborts.
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	r := NewRunner("job-cancel", srv.URL, appCtx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background())
	}()

	// Wait until at least one fragment has been reduced, then cancel.
	require.Eventually(t, func() bool {
		_, _, _, _, fragsDone := r.Progress()
		return fragsDone >= 1
	}, 5*time.Second, 5*time.Millisecond)

	r.Cancel()
	r.Cancel() // idempotent

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not finish after cancel")
	}

	job, err := reg.Get(context.Background(), "job-cancel")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, job.Status)
	assert.Equal(t, domain.CancelledMessage, job.ErrorMessage)
	assert.Greater(t, job.ProcessedLines, int64(0))
	require.NotNil(t, job.FinishedAt)
}

func TestRunnerObservesRegistryCancelFlag(t *testing.T) {
	reg := newMemRegistry()
	appCtx := newTestApp(reg, testIngestConfig())
	queuedJob(t, reg, "job-flag")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	r := NewRunner("job-flag", srv.URL, appCtx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background())
	}()

	// The external control plane sets cancel_requested; the heartbeat tick
	// must pick it up.
	require.Eventually(t, func() bool {
		job, err := reg.Get(context.Background(), "job-flag")
		return err == nil && job.Status == domain.StatusProcessing
	}, 5*time.Second, 5*time.Millisecond)

	requested := true
	require.NoError(t, reg.Update(context.Background(), "job-flag", domain.JobPatch{CancelRequested: &requested}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not observe cancel flag")
	}

	job, err := reg.Get(context.Background(), "job-flag")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, job.Status)
	assert.Equal(t, domain.CancelledMessage, job.ErrorMessage)
	require.NotNil(t, job.HeartbeatAt)
}

func TestRunnerCancelRequestedBeforeClaim(t *testing.T) {
	reg := newMemRegistry()
	appCtx := newTestApp(reg, testIngestConfig())
	job := queuedJob(t, reg, "job-preflag")
	requested := true
	require.NoError(t, reg.Update(context.Background(), job.ID, domain.JobPatch{CancelRequested: &requested}))

	srv := serveContent(t, validLine()+"\n")

	NewRunner(job.ID, srv.URL, appCtx).Run(context.Background())

	got, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestRunnerDoesNotRunUnclaimedJob(t *testing.T) {
	reg := newMemRegistry()
	appCtx := newTestApp(reg, testIngestConfig())

	job := &domain.Job{
		ID:        "job-stolen",
		FileName:  "f.csv",
		Status:    domain.StatusProcessing, // already claimed elsewhere
		ClaimedBy: "other-host-1",
	}
	require.NoError(t, reg.Create(context.Background(), job))

	srv := serveContent(t, validLine()+"\n")

	NewRunner(job.ID, srv.URL, appCtx).Run(context.Background())

	got, err := reg.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, "other-host-1", got.ClaimedBy)
	assert.Nil(t, got.FinishedAt)
}
