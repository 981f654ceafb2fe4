package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"supertask/internal/crontab"
	"supertask/internal/eventbus"
	"supertask/internal/job"
	"supertask/internal/jobstore"
	"supertask/internal/observability/metrics"
	"supertask/internal/runner"
	rtsup "supertask/internal/runtime/supervisor"
	logx "supertask/pkg/logx"

	"golang.org/x/time/rate"
)

// Engine is the scheduling and reconciliation engine.
type Engine struct {
	cfg     Config
	store   jobstore.Store
	disp    Dispatcher
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	clock   Clock

	mu      sync.Mutex
	entries map[string]*entry
	genSeq  uint64
	// running counts dispatched, unfinished runs per job id. It outlives
	// entries so a job removed and re-added while running stays bounded.
	running map[string]int
	// tombstones holds ids whose removal is applied but not yet stored.
	tombstones map[string]struct{}

	wake        chan struct{}
	reconcileCh chan struct{}
	feed        <-chan job.Change

	warnMu   sync.Mutex
	warnLims map[string]*rate.Limiter

	lmu sync.Mutex
	sup *rtsup.Supervisor
}

type Option func(*Engine)

// WithClock replaces the wall clock (tests).
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithFeed makes the engine consume definition changes from ch while running.
func WithFeed(ch <-chan job.Change) Option { return func(e *Engine) { e.feed = ch } }

func New(cfg Config, store jobstore.Store, disp Dispatcher, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:         cfg.withDefaults(),
		store:       store,
		disp:        disp,
		log:         log,
		bus:         bus,
		metrics:     m,
		clock:       systemClock{},
		entries:     map[string]*entry{},
		running:     map[string]int{},
		tombstones:  map[string]struct{}{},
		wake:        make(chan struct{}, 1),
		reconcileCh: make(chan struct{}, 1),
		warnLims:    map[string]*rate.Limiter{},
	}
	if e.disp == nil {
		e.disp = nopDispatcher{}
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Entries returns the live schedule ordered by job id.
func (e *Engine) Entries() []EntryInfo {
	e.mu.Lock()
	out := make([]EntryInfo, 0, len(e.entries))
	for id, en := range e.entries {
		out = append(out, en.info(e.running[id]))
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Entry returns the live entry for id.
func (e *Engine) Entry(id string) (EntryInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	if !ok {
		return EntryInfo{}, false
	}
	return en.info(e.running[id]), true
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) limitFor(def job.Definition) int {
	if def.MaxInstances > 0 {
		return def.MaxInstances
	}
	return e.cfg.MaxInstances
}

// upsertLocked brings the entry for def in line with it. A disabled
// definition removes the entry. On error the existing entry is kept as is.
func (e *Engine) upsertLocked(def job.Definition, now time.Time) (changed bool, err error) {
	def = def.Normalize()
	if def.ID == "" {
		return false, job.ErrIDMissing
	}
	cur, exists := e.entries[def.ID]
	if !def.Enabled {
		if exists {
			e.removeLocked(def.ID, "disabled")
			return true, nil
		}
		return false, nil
	}
	if exists && cur.def == def {
		return false, nil
	}

	sched, err := crontab.Parse(def.Crontab)
	if err != nil {
		return false, err
	}
	loc, err := crontab.LoadLocation(def.Timezone, e.cfg.Location)
	if err != nil {
		return false, err
	}

	if exists {
		timing := !cur.def.ScheduleEqual(def)
		cur.def = def
		cur.sched = sched
		cur.loc = loc
		cur.limit = e.limitFor(def)
		if timing {
			cur.next = crontab.NextIn(sched, now, loc)
			e.log.Info("job rescheduled", logx.String("job", def.ID), logx.String("crontab", def.Crontab), logx.Time("next", cur.next))
		} else {
			e.log.Debug("job updated", logx.String("job", def.ID))
		}
		return true, nil
	}

	e.genSeq++
	en := &entry{
		def:   def,
		sched: sched,
		loc:   loc,
		limit: e.limitFor(def),
		gen:   e.genSeq,
		next:  crontab.NextIn(sched, now, loc),
	}
	e.entries[def.ID] = en
	if en.next.IsZero() {
		e.log.Warn("job schedule never fires", logx.String("job", def.ID), logx.String("crontab", def.Crontab))
	} else {
		e.log.Info("job scheduled", logx.String("job", def.ID), logx.String("crontab", def.Crontab), logx.Time("next", en.next))
	}
	eventbus.Emit(e.bus, eventbus.JobScheduled, eventbus.JobEvent{JobID: def.ID, NextFire: en.next})
	return true, nil
}

func (e *Engine) removeLocked(id, reason string) bool {
	if _, ok := e.entries[id]; !ok {
		return false
	}
	delete(e.entries, id)
	e.metrics.Forget(id)
	e.forgetWarn(id)
	e.log.Info("job unscheduled", logx.String("job", id), logx.String("reason", reason), logx.Int("in_flight", e.running[id]))
	eventbus.Emit(e.bus, eventbus.JobUnscheduled, eventbus.JobEvent{JobID: id})
	return true
}

type pendingDispatch struct {
	run runner.Run
	gen uint64
}

// Tick fires every entry due at now and returns the earliest upcoming fire
// time (zero if nothing is scheduled).
func (e *Engine) Tick(now time.Time) time.Time {
	var fire []pendingDispatch

	e.mu.Lock()
	for id, en := range e.entries {
		if en.next.IsZero() || en.next.After(now) {
			continue
		}
		due := en.next
		en.next = crontab.NextIn(en.sched, now, en.loc)
		if n := e.running[id]; n >= en.limit {
			e.metrics.Skipped(id)
			eventbus.Emit(e.bus, eventbus.JobSkipped, eventbus.JobEvent{JobID: id, NextFire: en.next})
			e.reportSkip(id, due, n, en.limit)
			continue
		}
		e.running[id]++
		gen := en.gen
		fire = append(fire, pendingDispatch{
			gen: gen,
			run: runner.Run{
				JobID:   id,
				Gen:     gen,
				Def:     en.def,
				FiredAt: due,
				Live:    func() bool { return e.live(id, gen) },
				Done:    e.complete,
			},
		})
	}
	e.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].run.JobID < fire[j].run.JobID })
	for _, p := range fire {
		// An earlier dispatch in this tick may have led to the job's removal.
		if !e.live(p.run.JobID, p.gen) {
			e.release(p.run.JobID)
			e.log.Debug("fire dropped: job unscheduled", logx.String("job", p.run.JobID))
			continue
		}
		if err := e.disp.Dispatch(p.run); err != nil {
			e.release(p.run.JobID)
			e.reportDispatch(p.run.JobID, err)
			continue
		}
		e.metrics.Fired(p.run.JobID)
		eventbus.Emit(e.bus, eventbus.JobFired, eventbus.JobEvent{JobID: p.run.JobID})
		e.log.Debug("job fired", logx.String("job", p.run.JobID), logx.Time("due", p.run.FiredAt))
	}

	e.mu.Lock()
	earliest := e.earliestLocked()
	e.metrics.SetEntries(len(e.entries))
	e.mu.Unlock()
	return earliest
}

func (e *Engine) earliestLocked() time.Time {
	var earliest time.Time
	for _, en := range e.entries {
		if en.next.IsZero() {
			continue
		}
		if earliest.IsZero() || en.next.Before(earliest) {
			earliest = en.next
		}
	}
	return earliest
}

// live reports whether the entry that produced a run is still scheduled.
// Runners check it before starting the payload.
func (e *Engine) live(id string, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	return ok && en.gen == gen
}

// release frees one in-flight slot of id.
func (e *Engine) release(id string) {
	e.mu.Lock()
	e.releaseLocked(id)
	e.mu.Unlock()
}

func (e *Engine) releaseLocked(id string) {
	switch n := e.running[id]; {
	case n > 1:
		e.running[id] = n - 1
	case n == 1:
		delete(e.running, id)
	}
}

// complete is the runner's completion callback. The slot is freed whatever
// entry the run came from; only the current entry gets its fire time moved.
func (e *Engine) complete(res runner.Result) {
	e.mu.Lock()
	e.releaseLocked(res.JobID)
	en, ok := e.entries[res.JobID]
	if !ok || en.gen != res.Gen {
		e.mu.Unlock()
		e.log.Debug("completion for unscheduled entry", logx.String("job", res.JobID), logx.String("status", string(res.Status)))
		e.poke()
		return
	}
	at := res.FinishedAt
	if at.IsZero() {
		at = e.clock.Now()
	}
	// Never move an already later fire time backwards (late completion report).
	if n := crontab.NextIn(en.sched, at, en.loc); n.After(en.next) {
		en.next = n
	}
	e.mu.Unlock()
	e.poke()
}

var errNoDispatcher = errors.New("scheduler: no dispatcher")

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(runner.Run) error { return errNoDispatcher }
