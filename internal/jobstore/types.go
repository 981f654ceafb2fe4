package jobstore

import (
	"context"
	"errors"
	"fmt"
	"supertask/internal/crontab"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
	"time"
)

var (
	ErrUnknownAddress = errors.New("unknown store address")
	ErrClosed         = errors.New("store closed")
)

// Store is the persistence API used by the scheduler, the runner and the admin API.
type Store interface {
	Get(ctx context.Context, id string) (job.Definition, error)
	// List returns every stored definition ordered by id.
	List(ctx context.Context) ([]job.Definition, error)
	// Put inserts or replaces a definition, keeping its run metadata.
	Put(ctx context.Context, def job.Definition) error
	Remove(ctx context.Context, id string) error
	RemoveAll(ctx context.Context) error
	RecordRun(ctx context.Context, id string, status job.Status, at time.Time) error
	GetRun(ctx context.Context, id string) (job.RunRecord, error)
	Close() error
}

// Options configures Open.
type Options struct {
	Address string

	// PreDelete wipes every stored definition right after opening.
	PreDelete bool

	BusyTimeout     time.Duration // sqlite only; 0 means default
	RetryMaxElapsed time.Duration // durable backends; 0 means default

	Log logx.Logger
}

// UnavailableError reports a backend that cannot be reached (transient).
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable (%s): %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is (or wraps) an *UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// validate normalizes def and rejects definitions that must never be stored.
func validate(def job.Definition) (job.Definition, error) {
	def = def.Normalize()
	if def.ID == "" {
		return def, job.ErrIDMissing
	}
	if err := crontab.Validate(def.Crontab); err != nil {
		return def, err
	}
	if _, err := crontab.LoadLocation(def.Timezone, nil); err != nil {
		return def, err
	}
	return def, nil
}
