package engine

import (
	"bytes"

	"github.com/datawerks/linehaul/internal/domain"
	"github.com/datawerks/linehaul/internal/infra/logger"
	"github.com/datawerks/linehaul/internal/validate"
)

// Worker scans one fragment at a time. Workers share nothing mutable; the
// rule set (and the reference data inside it) is read-only.
type Worker struct {
	id    int
	rules *validate.Rules
	log   *logger.Logger
}

// Process scans the fragment's lines, validates each non-blank one, and
// produces the single result for this fragment. The slab was handed over by
// the fragmenter and is owned by this worker until the result is posted.
func (w *Worker) Process(frag domain.Fragment) domain.FragmentResult {
	res := domain.FragmentResult{
		Seq:            frag.Seq,
		WorkerID:       w.id,
		ProcessedBytes: int64(len(frag.Data)),
	}

	lineNo := frag.StartLine
	for _, raw := range bytes.Split(frag.Data, []byte{'\n'}) {
		line := string(raw)
		if !validate.IsBlank(line) {
			res.ProcessedLines++
			if lerr := w.rules.Check(line); lerr != nil {
				res.ErrorCount++
				if res.FirstError == nil {
					lerr.LineNumber = lineNo
					lerr.RawLine = truncate(line, domain.MaxRawLineSample)
					res.FirstError = lerr
				}
			}
		}
		lineNo++
	}

	// Observability only: the runner, not the worker, decides what to do
	// about memory pressure.
	res.MemoryRSSMB = processRSSMB()

	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
