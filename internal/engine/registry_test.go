package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/datawerks/linehaul/internal/domain"
)

// memRegistry is the in-memory registry used across the engine tests. It
// honors the same contract as the SQL backends, including the conditional
// claim.
type memRegistry struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemRegistry() *memRegistry {
	return &memRegistry{jobs: make(map[string]*domain.Job)}
}

func (m *memRegistry) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memRegistry) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memRegistry) ListByStatus(_ context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, job := range m.jobs {
		if job.Status == status {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRegistry) Update(_ context.Context, id string, patch domain.JobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	applyPatch(job, patch)
	return nil
}

func (m *memRegistry) Claim(_ context.Context, id, claimedBy string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != domain.StatusQueued {
		return false, nil
	}

	job.Status = domain.StatusProcessing
	job.ClaimedBy = claimedBy
	t := now
	job.StartedAt = &t
	hb := now
	job.HeartbeatAt = &hb
	return true, nil
}

func (m *memRegistry) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memRegistry) Close() error { return nil }

func applyPatch(job *domain.Job, p domain.JobPatch) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.TotalBytes != nil {
		job.TotalBytes = *p.TotalBytes
	}
	if p.ProcessedLines != nil {
		job.ProcessedLines = *p.ProcessedLines
	}
	if p.ProcessedBytes != nil {
		job.ProcessedBytes = *p.ProcessedBytes
	}
	if p.ErrorLines != nil {
		job.ErrorLines = *p.ErrorLines
	}
	if p.TotalLines != nil {
		job.TotalLines = *p.TotalLines
	}
	if p.NumFragments != nil {
		job.NumFragments = *p.NumFragments
	}
	if p.FragmentsDone != nil {
		job.FragmentsDone = *p.FragmentsDone
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		job.StartedAt = &t
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		job.FinishedAt = &t
	}
	if p.HeartbeatAt != nil {
		t := *p.HeartbeatAt
		job.HeartbeatAt = &t
	}
	if p.TotalDurationMs != nil {
		job.TotalDurationMs = *p.TotalDurationMs
	}
	if p.LinesPerSecond != nil {
		job.LinesPerSecond = *p.LinesPerSecond
	}
	if p.BytesPerSecond != nil {
		job.BytesPerSecond = *p.BytesPerSecond
	}
	if p.CancelRequested != nil {
		job.CancelRequested = *p.CancelRequested
	}
	if p.ClaimedBy != nil {
		job.ClaimedBy = *p.ClaimedBy
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = *p.ErrorMessage
	}
	if p.ValidationPassed != nil {
		job.ValidationPassed = *p.ValidationPassed
	}
}
