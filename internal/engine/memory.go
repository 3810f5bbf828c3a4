package engine

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// processRSSMB returns the current resident set size in megabytes. Falls back
// to the Go runtime's own accounting when the process probe is unavailable
// (restricted containers without /proc access).
func processRSSMB() float64 {
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			return float64(mi.RSS) / (1024 * 1024)
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1024 * 1024)
}
