package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrIDMissing = errors.New("job id is required")
)

// NotFoundError reports an operation on an unknown job id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %q not found", e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound returns a *NotFoundError for id.
func NotFound(id string) error { return &NotFoundError{ID: id} }

// IsNotFound reports whether err is (or wraps) a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
