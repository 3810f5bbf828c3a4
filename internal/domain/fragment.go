package domain

// Fragment is a contiguous, line-aligned slice of the input stream.
// Ownership of Data transfers to the worker on dispatch; the fragmenter must
// not retain or mutate the slab afterwards.
type Fragment struct {
	Seq       int64
	Data      []byte
	StartLine int64 // 1-based line number of the first line in Data
	LineCount int64 // count of '\n' in Data plus one
}

// FragmentResult is the single report a worker produces per fragment.
// Counters are reduced by commutative addition, so arrival order is free.
type FragmentResult struct {
	Seq            int64
	WorkerID       int
	ProcessedLines int64
	ProcessedBytes int64
	ErrorCount     int64
	FirstError     *LineError
	MemoryRSSMB    float64 // worker-observed snapshot, observability only
}

// LineError is the first-error sample captured for a job. At most one
// survives per job; the rest are folded into counters.
type LineError struct {
	LineNumber int64  `json:"line_number"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	Value      string `json:"value,omitempty"`
	RawLine    string `json:"raw_line,omitempty"` // truncated to MaxRawLineSample
}

// MaxRawLineSample bounds the raw-line excerpt kept with a first-error sample.
const MaxRawLineSample = 500
