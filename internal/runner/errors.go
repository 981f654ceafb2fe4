package runner

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("runner stopped")
	ErrQueueFull   = errors.New("runner queue full")
	// ErrUnscheduled ends a run whose job was unscheduled while it waited.
	ErrUnscheduled = errors.New("job unscheduled before start")
)

// PayloadExecutionError wraps a failed or panicked payload.
type PayloadExecutionError struct {
	JobID string
	Err   error
	Panic any
}

func (e *PayloadExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("job %s panicked: %v", e.JobID, e.Panic)
	}
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Err)
}

func (e *PayloadExecutionError) Unwrap() error { return e.Err }
