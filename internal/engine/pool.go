package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawerks/linehaul/internal/domain"
	"github.com/datawerks/linehaul/internal/infra/logger"
	"github.com/datawerks/linehaul/internal/validate"
)

// ErrTypeWorkerCrash tags the synthetic first-error recorded when a worker
// panics mid-fragment.
const ErrTypeWorkerCrash = "worker_crash"

// Pool is a fixed-size set of fragment workers. The idle channel doubles as
// the backpressure mechanism: the fragmenter must Acquire before it may emit,
// so it can never outrun the workers by more than the pool size.
type Pool struct {
	size    int
	idle    chan *Worker
	results chan domain.FragmentResult
	busy    sync.WaitGroup
	log     *logger.Logger

	termOnce sync.Once
}

func NewPool(size int, rules *validate.Rules, log *logger.Logger) *Pool {
	if size <= 0 {
		size = 1
	}

	p := &Pool{
		size:    size,
		idle:    make(chan *Worker, size),
		results: make(chan domain.FragmentResult, size*2),
		log:     log,
	}

	for i := 1; i <= size; i++ {
		p.idle <- &Worker{id: i, rules: rules, log: log.With(fmt.Sprintf("worker-%d", i))}
	}

	return p
}

// Acquire blocks until a worker is idle. Wakeups are channel-ordered, which
// keeps any single waiter from starving.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	select {
	case w := <-p.idle:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch hands fragment ownership to an acquired worker and runs it on its
// own goroutine. Exactly one result is posted per fragment, panic or not, and
// the worker always returns to the idle set.
func (p *Pool) Dispatch(w *Worker, frag domain.Fragment) {
	p.busy.Add(1)
	go func() {
		defer p.busy.Done()
		res := p.runGuarded(w, frag)
		p.results <- res
		p.idle <- w
	}()
}

// runGuarded contains a worker failure: the fragment's lines are counted as
// errors and the pool keeps going. Whether the job survives is the runner's
// call, via the fail-fast threshold.
func (p *Pool) runGuarded(w *Worker, frag domain.Fragment) (res domain.FragmentResult) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("worker %d crashed on fragment %d: %v", w.id, frag.Seq, rec)
			res = domain.FragmentResult{
				Seq:            frag.Seq,
				WorkerID:       w.id,
				ProcessedLines: frag.LineCount,
				ProcessedBytes: int64(len(frag.Data)),
				ErrorCount:     frag.LineCount,
				FirstError: &domain.LineError{
					LineNumber: frag.StartLine,
					Type:       ErrTypeWorkerCrash,
					Message:    fmt.Sprintf("worker panic: %v", rec),
				},
			}
		}
	}()

	return w.Process(frag)
}

// Results delivers one FragmentResult per dispatched fragment, in completion
// order. The channel closes after Terminate once all in-flight work is done.
func (p *Pool) Results() <-chan domain.FragmentResult {
	return p.results
}

// AwaitIdle blocks until every dispatched fragment has completed.
func (p *Pool) AwaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.busy.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate closes the result stream once in-flight fragments finish.
// Idempotent; the pool must not be dispatched to afterwards.
func (p *Pool) Terminate() {
	p.termOnce.Do(func() {
		go func() {
			p.busy.Wait()
			close(p.results)
		}()
	})
}

// Size returns the fixed worker count.
func (p *Pool) Size() int {
	return p.size
}
