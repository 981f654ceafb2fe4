// Package admin serves the administrative HTTP API: job CRUD against the
// store, schedule inspection, on-demand reconcile and Prometheus metrics.
package admin

import (
	"context"
	"net/http"
	"supertask/internal/jobstore"
	"supertask/internal/runner"
	"supertask/internal/scheduler"
	logx "supertask/pkg/logx"
	"time"
)

// Scheduler is the part of the engine the API drives.
type Scheduler interface {
	Entries() []scheduler.EntryInfo
	Entry(id string) (scheduler.EntryInfo, bool)
	Reconcile(ctx context.Context) error
	NotifyReconcile()
}

// RunnerInfo exposes runner diagnostics.
type RunnerInfo interface {
	Snapshot() runner.Snapshot
}

// Deps are the collaborators of the handlers. Runner and Metrics are
// optional.
type Deps struct {
	Store     jobstore.Store
	Scheduler Scheduler
	Runner    RunnerInfo
	Metrics   http.Handler

	// DefinitionsPath is rewritten after every mutation when WriteBack is set.
	DefinitionsPath string
	WriteBack       bool

	Log logx.Logger
}

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const (
	defaultAddr        = "127.0.0.1:8000"
	defaultReadTimeout = 10 * time.Second
	defaultIdleTimeout = time.Minute
	maxBodyBytes       = 1 << 20
	defaultUpcoming    = 5
	maxUpcoming        = 100
	requestTimeout     = 30 * time.Second
)
