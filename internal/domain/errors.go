package domain

import "errors"

// ErrJobCancelled is the cancellation signal; every failure path that sees it
// converges on the CANCELLED terminal status.
var ErrJobCancelled = errors.New("job cancelled by user")

// ErrFailFast indicates the aggregate error count crossed the fail-fast threshold.
var ErrFailFast = errors.New("error line threshold exceeded")

// ErrMemoryPressure indicates the process crossed the configured memory budget.
var ErrMemoryPressure = errors.New("memory threshold exceeded")

// ErrNotClaimed indicates the conditional claim updated zero rows: another
// instance owns the job.
var ErrNotClaimed = errors.New("job already claimed by another instance")

// ErrJobNotFound indicates the registry has no row for the requested ID.
var ErrJobNotFound = errors.New("job not found")

// CancelledMessage is the errorMessage written on user cancellation.
const CancelledMessage = "Job cancelled by user"

// StaleRecoveryMessage is the errorMessage written by startup recovery.
const StaleRecoveryMessage = "Recovered after instance restart (stale heartbeat)"
