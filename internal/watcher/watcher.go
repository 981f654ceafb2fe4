package watcher

import (
	"context"
	"errors"
	"io/fs"
	"supertask/internal/eventbus"
	"supertask/internal/fswatch"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultDebounce = 250 * time.Millisecond
	DefaultSettle   = 50 * time.Millisecond
	DefaultBuffer   = 64
)

var ErrRunning = errors.New("watcher already running")

type Options struct {
	Path string
	// Debounce is the per-job quiescence window.
	Debounce time.Duration
	// Settle delays the re-read after a file event so writers can finish.
	Settle time.Duration
	// Resync re-reads the file periodically even without events. 0 disables.
	Resync time.Duration
	Buffer int
	Log    logx.Logger
	Bus    eventbus.Bus
}

// Watcher turns edits of the definitions file into job changes.
//
// It keeps two views: current is the last successfully parsed file and
// delivered is what consumers have been told. A job's change is emitted
// once its id has been quiet for the debounce window, computed from
// delivered vs current at that moment, so a burst collapses into one change
// and an edit that is reverted within the window emits nothing.
type Watcher struct {
	opts   Options
	log    logx.Logger
	events chan job.Change
	now    func() time.Time

	mu        sync.Mutex
	delivered map[string]job.Definition
	current   map[string]job.Definition
	deb       *debouncer

	running atomic.Bool
}

func New(opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		opts:      opts,
		log:       log.With(logx.String("comp", "watcher")),
		events:    make(chan job.Change, opts.Buffer),
		now:       time.Now,
		delivered: map[string]job.Definition{},
		current:   map[string]job.Definition{},
		deb:       newDebouncer(opts.Debounce),
	}
}

// Events carries changes in the order they became due.
func (w *Watcher) Events() <-chan job.Change { return w.events }

func (w *Watcher) Path() string { return w.opts.Path }

// Load reads the file and makes it the delivered baseline. Pending changes
// are discarded. A blank file loads as no jobs.
func (w *Watcher) Load() ([]job.Definition, error) {
	defs, err := ReadFile(w.opts.Path, w.log)
	switch {
	case errors.Is(err, ErrEmptyFile):
		w.log.Warn("definitions file is empty; starting without jobs", logx.String("path", w.opts.Path))
		defs = nil
	case err != nil:
		return nil, err
	}
	w.mu.Lock()
	w.delivered = index(defs)
	w.current = index(defs)
	w.deb = newDebouncer(w.opts.Debounce)
	w.mu.Unlock()
	w.log.Info("definitions loaded", logx.String("path", w.opts.Path), logx.Int("jobs", len(defs)))
	return defs, nil
}

// Run watches the file until ctx is done. It can be called again after it
// returns; pending changes survive.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer w.running.Store(false)

	kick := make(chan struct{}, 1)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = fswatch.Watch(watchCtx, w.opts.Path, w.log, func(string) {
			select {
			case kick <- struct{}{}:
			default:
			}
		})
	}()
	defer func() {
		cancelWatch()
		<-watchDone
	}()

	settle := newStoppedTimer()
	defer settle.Stop()
	flush := newStoppedTimer()
	defer flush.Stop()

	var resync <-chan time.Time
	if w.opts.Resync > 0 {
		t := time.NewTicker(w.opts.Resync)
		defer t.Stop()
		resync = t.C
	}

	// Catch edits made between Load and Run.
	w.refresh(w.now())
	w.armFlush(flush)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-kick:
			resetTimer(settle, w.opts.Settle)
			continue
		case <-settle.C:
			w.refresh(w.now())
		case <-resync:
			w.refresh(w.now())
		case <-flush.C:
			if err := w.flush(ctx, w.now()); err != nil {
				return nil
			}
		}
		w.armFlush(flush)
	}
}

// refresh re-reads the file. A missing, blank or unparsable file keeps the
// previous state.
func (w *Watcher) refresh(now time.Time) {
	defs, err := ReadFile(w.opts.Path, w.log)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			w.log.Warn("definitions file missing; keeping previous state", logx.String("path", w.opts.Path))
		case errors.Is(err, ErrEmptyFile):
			w.log.Warn("definitions file is empty; keeping previous state (write [] to remove all jobs)", logx.String("path", w.opts.Path))
		default:
			w.log.Warn("definitions file rejected; keeping previous state", logx.String("path", w.opts.Path), logx.Err(err))
		}
		return
	}
	w.observe(index(defs), now)
}

// observe replaces the current view and restarts the quiet window of every
// id that differs from the previous view.
func (w *Watcher) observe(next map[string]job.Definition, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	touched := 0
	for id := range next {
		if _, ok := changeFor(id, w.current, next); ok {
			w.deb.Push(id, now)
			touched++
		}
	}
	for id := range w.current {
		if _, ok := next[id]; !ok {
			w.deb.Push(id, now)
			touched++
		}
	}
	w.current = next
	if touched > 0 {
		w.log.Debug("definitions changed; debouncing", logx.Int("jobs", touched), logx.Int("pending", w.deb.Len()))
	}
}

// flush emits the changes whose window has closed. If ctx ends mid-way the
// unsent ids go back to pending.
func (w *Watcher) flush(ctx context.Context, now time.Time) error {
	w.mu.Lock()
	due := w.deb.Due(now)
	changes := make([]job.Change, 0, len(due))
	for _, id := range due {
		ch, ok := changeFor(id, w.delivered, w.current)
		if !ok {
			w.log.Debug("change reverted before delivery", logx.String("job", id))
			continue
		}
		changes = append(changes, ch)
	}
	w.mu.Unlock()

	for i, ch := range changes {
		select {
		case w.events <- ch:
		case <-ctx.Done():
			w.mu.Lock()
			for _, rest := range changes[i:] {
				w.deb.Push(rest.ID, now)
			}
			w.mu.Unlock()
			return ctx.Err()
		}
		w.mu.Lock()
		if ch.Kind == job.Removed {
			delete(w.delivered, ch.ID)
		} else {
			w.delivered[ch.ID] = ch.Definition
		}
		w.mu.Unlock()
		w.log.Info("definition change", logx.String("job", ch.ID), logx.String("kind", string(ch.Kind)))
		eventbus.Emit(w.opts.Bus, eventbus.SourceChanged, ch)
	}
	return nil
}

func (w *Watcher) armFlush(t *time.Timer) {
	w.mu.Lock()
	at, ok := w.deb.NextDeadline()
	w.mu.Unlock()
	if !ok {
		stopTimer(t)
		return
	}
	d := at.Sub(w.now())
	if d < 0 {
		d = 0
	}
	resetTimer(t, d)
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
