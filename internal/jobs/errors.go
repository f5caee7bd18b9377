package jobs

import (
	"errors"

	"lectern/internal/services"
)

var (
	// ErrJobActive reports that the job already has an execution in flight.
	ErrJobActive = errors.New("job already has an active execution")
	// ErrJobTerminal reports an operation that needs a non-terminal job.
	ErrJobTerminal = errors.New("job is in a terminal state")
	// ErrJobNotFound reports an unknown job id.
	ErrJobNotFound = errors.Join(services.ErrNotFound, errors.New("job not found"))
)

// ErrLeaseLost reports that the caller no longer owns the job's execution
// lease.
var ErrLeaseLost = errors.New("execution lease lost")
