// Package payload turns a job's payload string into work.
//
// Payload forms:
//   - "task:<name> [args]" or a bare registered name: a registered Go handler
//   - "exec:<command>" or "sh:<command>": run through "sh -c"
//   - anything else: the default handler, which logs the payload
package payload

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
	"sync"
	"time"
)

// Call is what a handler receives.
type Call struct {
	Def  job.Definition
	Args string
}

type Handler func(ctx context.Context, c Call) error

// Registry dispatches payloads to handlers. It implements runner.Executor.
type Registry struct {
	log logx.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler

	// Shell runs commands; replaceable in tests.
	Shell func(ctx context.Context, command string) ([]byte, error)
}

// NewRegistry returns a registry with the builtin "noop" and "sleep" tasks.
func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		log:      log,
		handlers: map[string]Handler{},
		Shell:    runShell,
	}
	r.fallback = r.logJob
	r.Register("noop", func(context.Context, Call) error { return nil })
	r.Register("sleep", sleepTask)
	return r
}

// Register installs h under name, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// SetDefault replaces the handler used for unrecognized payloads.
func (r *Registry) SetDefault(h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Names lists registered task names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Execute(ctx context.Context, def job.Definition) error {
	p := strings.TrimSpace(def.Payload)

	if rest, ok := cutPrefix(p, "exec:", "sh:"); ok {
		return r.shell(ctx, def, rest)
	}

	name, args := p, ""
	explicit := false
	if rest, ok := strings.CutPrefix(p, "task:"); ok {
		name, explicit = rest, true
	}
	name = strings.TrimSpace(name)
	if i := strings.IndexAny(name, " \t"); i >= 0 {
		name, args = name[:i], strings.TrimSpace(name[i+1:])
	}

	r.mu.RLock()
	h, ok := r.handlers[name]
	fallback := r.fallback
	r.mu.RUnlock()

	switch {
	case ok:
		return h(ctx, Call{Def: def, Args: args})
	case explicit:
		return fmt.Errorf("unknown task %q", name)
	default:
		return fallback(ctx, Call{Def: def})
	}
}

func (r *Registry) logJob(_ context.Context, c Call) error {
	r.log.Info("running job", logx.String("job", c.Def.ID), logx.String("payload", logx.Truncate(c.Def.Payload, 256)))
	return nil
}

const maxOutputLog = 2048

func (r *Registry) shell(ctx context.Context, def job.Definition, command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("empty command")
	}
	out, err := r.Shell(ctx, command)
	log := r.log.With(logx.String("job", def.ID))
	if len(out) > 0 {
		log.Info("command output", logx.String("output", logx.Truncate(strings.TrimSpace(string(out)), maxOutputLog)))
	}
	if err != nil {
		return fmt.Errorf("command %q: %w", logx.Truncate(command, 128), err)
	}
	return nil
}

func runShell(ctx context.Context, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.WaitDelay = 5 * time.Second
	return cmd.CombinedOutput()
}

func sleepTask(ctx context.Context, c Call) error {
	d, err := time.ParseDuration(strings.TrimSpace(c.Args))
	if err != nil {
		return fmt.Errorf("sleep: %w", err)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cutPrefix(s string, prefixes ...string) (string, bool) {
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(s, p); ok {
			return rest, true
		}
	}
	return s, false
}
