// Package job holds the domain model shared by the store, the scheduler,
// the definitions watcher and the runner.
package job

import (
	"strings"
	"time"
)

// Executor names accepted in Definition.Executor.
const (
	ExecutorDefault  = "default"
	ExecutorIsolated = "isolated"
)

// Definition is the durable description of a schedule and its payload.
type Definition struct {
	ID       string `json:"id"`
	Crontab  string `json:"crontab"`
	Payload  string `json:"job"`
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// MaxInstances bounds simultaneously in-flight runs of this job.
	// 0 means the scheduler default.
	MaxInstances int `json:"max_instances,omitempty"`

	// Executor selects the worker pool ("default" or "isolated").
	Executor string `json:"executor,omitempty"`
}

// Normalize trims whitespace and canonicalizes the executor name.
func (d Definition) Normalize() Definition {
	d.ID = strings.TrimSpace(d.ID)
	d.Crontab = strings.Join(strings.Fields(d.Crontab), " ")
	d.Timezone = strings.TrimSpace(d.Timezone)
	ex := strings.ToLower(strings.TrimSpace(d.Executor))
	if ex == ExecutorDefault {
		ex = ""
	}
	d.Executor = ex
	if d.MaxInstances < 0 {
		d.MaxInstances = 0
	}
	return d
}

// Equal reports whether two definitions describe the same job.
func (d Definition) Equal(o Definition) bool {
	a, b := d.Normalize(), o.Normalize()
	return a == b
}

// ScheduleEqual reports whether the timing-relevant fields match.
func (d Definition) ScheduleEqual(o Definition) bool {
	a, b := d.Normalize(), o.Normalize()
	return a.Crontab == b.Crontab && a.Timezone == b.Timezone
}

// Isolated reports whether the job asks for the isolated worker pool.
func (d Definition) Isolated() bool {
	return d.Normalize().Executor == ExecutorIsolated
}

// Status is the outcome recorded for the latest run of a job.
type Status string

const (
	StatusNone    Status = "none"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusRunning, StatusSuccess, StatusFailure:
		return true
	default:
		return false
	}
}

// RunRecord is the run metadata kept next to each definition.
type RunRecord struct {
	JobID      string     `json:"job_id"`
	LastRunAt  *time.Time `json:"last_run_at"`
	LastStatus Status     `json:"last_status"`
}

// ChangeKind classifies a definition change observed on the source of truth.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Change is one add/modify/remove event. Definition is empty for Removed.
type Change struct {
	Kind       ChangeKind
	ID         string
	Definition Definition
}
