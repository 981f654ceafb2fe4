// Package runner executes fired jobs on bounded worker pools and records
// their run metadata.
package runner

import (
	"context"
	"supertask/internal/job"
	"time"
)

// Pool names.
const (
	PoolDefault  = "default"
	PoolIsolated = "isolated"
)

// Config sizes the worker pools.
type Config struct {
	Workers         int // default pool, 20 when unset
	IsolatedWorkers int // isolated pool, 5 when unset
	QueueSize       int // per pool, 256 when unset
	HistorySize     int // 200 when unset
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 20
	}
	if c.IsolatedWorkers <= 0 {
		c.IsolatedWorkers = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Executor runs a job payload.
type Executor interface {
	Execute(ctx context.Context, def job.Definition) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, def job.Definition) error

func (f ExecutorFunc) Execute(ctx context.Context, def job.Definition) error { return f(ctx, def) }

// Recorder persists run metadata (implemented by the job store).
type Recorder interface {
	RecordRun(ctx context.Context, id string, status job.Status, at time.Time) error
}

// Run is one fire handed over by the scheduler.
type Run struct {
	JobID   string
	Gen     uint64 // scheduler entry generation, echoed in Result
	Def     job.Definition
	FiredAt time.Time

	// Live, when set, is asked right before the payload starts. A false
	// answer drops the run with StatusNone and ErrUnscheduled.
	Live func() bool

	// Done is called exactly once when the run ends, also for runs that never started.
	Done func(Result)
}

// Result reports how a Run ended.
type Result struct {
	JobID      string
	Gen        uint64
	Status     job.Status // StatusNone when the run was abandoned before starting
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

type HistoryItem struct {
	JobID      string        `json:"job_id"`
	Pool       string        `json:"pool"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Status     job.Status    `json:"status"`
	Error      string        `json:"error,omitempty"`
}

type PoolSnapshot struct {
	Name     string `json:"name"`
	Workers  int    `json:"workers"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	InFlight int    `json:"in_flight"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool           `json:"running"`
	Pools    []PoolSnapshot `json:"pools"`
	Rejected uint64         `json:"rejected"`
	History  []HistoryItem  `json:"history"`
}
