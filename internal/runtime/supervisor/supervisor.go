// Package supervisor runs the long-lived loops of the process (scheduler
// tick loop, watcher, runner pools, admin server) under one context, with
// panic recovery and optional restart on failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	logx "supertask/pkg/logx"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Supervisor manages goroutines tied to a shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu       sync.Mutex
	firstErr error
	stats    map[string]*Stats
}

// Stats aggregates runs of goroutines sharing a name.
type Stats struct {
	Name     string    `json:"name"`
	Active   int       `json:"active"`
	Started  int       `json:"started"`
	Restarts int       `json:"restarts"`
	Panics   int       `json:"panics"`
	LastErr  string    `json:"last_err,omitempty"`
	LastStop time.Time `json:"last_stop,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first goroutine failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		doneCh: make(chan struct{}),
		stats:  map[string]*Stats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Err returns the first recorded failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Snapshot returns per-name goroutine stats sorted by name.
func (s *Supervisor) Snapshot() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) stat(name string) *Stats {
	st := s.stats[name]
	if st == nil {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) {
	s.mu.Lock()
	st := s.stat(name)
	st.Active++
	st.Started++
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	s.mu.Lock()
	st := s.stat(name)
	st.Active--
	st.LastStop = time.Now()
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// runOnce calls fn, converting a panic into an error.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return fn(s.ctx), false
}

// Go runs fn once. A non-nil error (other than cancellation) or a panic is
// recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)
		s.log.Debug("goroutine started", logx.String("name", name))

		err, panicked := s.runOnce(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.noteStop(name, err, panicked)
		if err != nil {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(c *restartCfg) {
		if lo > 0 {
			c.minBackoff = lo
		}
		if hi > 0 {
			c.maxBackoff = hi
		}
	}
}

// WithMaxRestarts gives up after n restarts and records the last error.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it on error or panic until the context is
// canceled. A clean (nil) return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.minBackoff
	b.MaxInterval = cfg.maxBackoff
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		restarts := 0
		for {
			if s.ctx.Err() != nil {
				return
			}
			started := time.Now()
			s.noteStart(name, restarts > 0)
			err, panicked := s.runOnce(name, fn)

			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) || (err == nil && !panicked) {
				s.noteStop(name, nil, panicked)
				return
			}
			s.noteStop(name, err, panicked)

			restarts++
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts-1), logx.Err(err))
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}
			// A long healthy run earns a fresh backoff window.
			if time.Since(started) >= 30*time.Second {
				b.Reset()
			}
			wait := b.NextBackOff()
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}()
}

// Stop cancels the shared context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all goroutines exit or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}
