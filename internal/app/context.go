package app

import (
	"context"
	"io"
	"time"

	"github.com/datawerks/linehaul/internal/domain"
	"github.com/datawerks/linehaul/internal/infra/config"
	"github.com/datawerks/linehaul/internal/infra/logger"
)

// Registry is the typed facade over the durable job store. The engine must
// work against any backend that satisfies it; sqlite and postgres
// implementations live under internal/store.
type Registry interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)

	// ListByStatus returns jobs in creation order, oldest first.
	// limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error)

	Update(ctx context.Context, id string, patch domain.JobPatch) error

	// Claim is the conditional queued->processing transition. It reports
	// false when the row was no longer queued, meaning another instance won.
	Claim(ctx context.Context, id, claimedBy string, now time.Time) (bool, error)

	Delete(ctx context.Context, id string) error
	Close() error
}

// StreamOpener opens the remote file as a byte stream. The returned size is
// the server-reported content length, 0 when unknown.
type StreamOpener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// URLProvider resolves a fresh time-bounded download URL for a source item.
// Used by the scheduler when promoting queued jobs.
type URLProvider interface {
	DownloadURL(ctx context.Context, itemID string) (string, error)
}

// RefLoader produces the reference-data snapshot a job freezes at
// processing entry.
type RefLoader interface {
	Load(ctx context.Context) (domain.ReferenceData, error)
}

// Context holds the shared environment wired at startup.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	Registry Registry
	Source   StreamOpener
	URLs     URLProvider
	Refs     RefLoader
}

func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
