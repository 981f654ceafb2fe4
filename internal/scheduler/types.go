package scheduler

import (
	"supertask/internal/crontab"
	"supertask/internal/job"
	"supertask/internal/runner"
	"time"
)

// Config controls the engine.
type Config struct {
	// Location is the zone for jobs without their own timezone. nil means UTC.
	Location *time.Location

	// MaxInstances is the per-job in-flight limit when a job sets none (default 1).
	MaxInstances int

	// MaxIdle bounds how long the loop sleeps without re-evaluating (default 1m).
	MaxIdle time.Duration

	// ReconcileEvery triggers a periodic reconcile against the store. 0 disables.
	ReconcileEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = 1
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = time.Minute
	}
	return c
}

// Dispatcher accepts fired runs without blocking (implemented by runner.Service).
type Dispatcher interface {
	Dispatch(run runner.Run) error
}

// Clock is the engine's source of "now".
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Entry states as reported by Entries.
const (
	StatePending = "pending"
	StateFiring  = "firing"
)

// EntryInfo is a read-only view of a scheduled entry.
type EntryInfo struct {
	JobID    string    `json:"job_id"`
	Crontab  string    `json:"crontab"`
	Timezone string    `json:"timezone"`
	NextFire time.Time `json:"next_fire"`
	InFlight int       `json:"in_flight"`
	Limit    int       `json:"limit"`
	State    string    `json:"state"`
}

type entry struct {
	def   job.Definition
	sched crontab.Schedule
	loc   *time.Location

	next  time.Time // zero: never fires
	limit int

	// gen identifies this entry instance; completions carrying another gen are ignored.
	gen uint64
}

// info takes the job's in-flight count, which the engine keeps per id.
func (e *entry) info(inFlight int) EntryInfo {
	state := StatePending
	if inFlight > 0 {
		state = StateFiring
	}
	return EntryInfo{
		JobID:    e.def.ID,
		Crontab:  e.def.Crontab,
		Timezone: e.loc.String(),
		NextFire: e.next,
		InFlight: inFlight,
		Limit:    e.limit,
		State:    state,
	}
}
