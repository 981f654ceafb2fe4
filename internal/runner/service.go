package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"supertask/internal/eventbus"
	"supertask/internal/job"
	"supertask/internal/observability/metrics"
	rtsup "supertask/internal/runtime/supervisor"
	logx "supertask/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	recordTimeout     = 10 * time.Second
	// cancelWait bounds how long Stop waits after canceling running payloads.
	cancelWait = 2 * time.Second
)

type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	rec     Recorder
	exec    Executor
	metrics *metrics.Metrics

	mu       sync.Mutex
	running  bool
	stopping bool
	pools    []*pool
	sup      *rtsup.Supervisor

	execCtx    context.Context
	execCancel context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem

	rejected         atomic.Uint64
	lastFullWarnUnix atomic.Int64
}

type pool struct {
	name     string
	workers  int
	q        chan queued
	stopCh   chan struct{}
	inFlight atomic.Int32
}

type queued struct {
	run        Run
	enqueuedAt time.Time
}

func New(cfg Config, rec Recorder, exec Executor, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		rec:     rec,
		exec:    exec,
		metrics: m,
	}
}

// Start launches the worker pools. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	cfg := s.cfg

	// Payloads outlive the caller's cancellation; Stop decides when to cut them off.
	s.execCtx, s.execCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.pools = []*pool{
		{name: PoolDefault, workers: cfg.Workers, q: make(chan queued, cfg.QueueSize), stopCh: make(chan struct{})},
		{name: PoolIsolated, workers: cfg.IsolatedWorkers, q: make(chan queued, cfg.QueueSize), stopCh: make(chan struct{})},
	}
	s.sup = rtsup.New(context.Background(),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	for _, p := range s.pools {
		p := p
		for i := 0; i < p.workers; i++ {
			name := fmt.Sprintf("%s.worker.%d", p.name, i)
			s.sup.GoRestart(name, func(context.Context) error {
				s.worker(p)
				return nil
			})
		}
	}
	s.running = true
	s.stopping = false
	s.log.Info("runner started",
		logx.Int("workers", cfg.Workers),
		logx.Int("isolated_workers", cfg.IsolatedWorkers),
		logx.Int("queue", cfg.QueueSize),
	)
}

// Dispatch queues run without blocking.
func (s *Service) Dispatch(run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stopping {
		s.metrics.Rejected("stopped")
		return ErrStopped
	}
	p := s.poolFor(run.Def)
	select {
	case p.q <- queued{run: run, enqueuedAt: time.Now()}:
		return nil
	default:
	}
	s.rejected.Add(1)
	s.metrics.Rejected("queue_full")
	if s.shouldWarn(time.Now()) {
		s.log.Warn("dispatch rejected: queue full",
			logx.String("job", run.JobID),
			logx.String("pool", p.name),
			logx.Int("queue_cap", cap(p.q)),
			logx.Uint64("rejected", s.rejected.Load()),
		)
	}
	return ErrQueueFull
}

func (s *Service) poolFor(def job.Definition) *pool {
	if def.Isolated() {
		return s.pools[1]
	}
	return s.pools[0]
}

// Stop stops accepting runs and waits for in-flight runs until ctx is done.
// Runs still executing at that point have their context canceled; runs that
// never started are finished with StatusNone.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	pools := s.pools
	sup := s.sup
	cancel := s.execCancel
	for _, p := range pools {
		close(p.stopCh)
	}
	s.mu.Unlock()

	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Warn("runner grace period expired; canceling running jobs", logx.Int("in_flight", s.inFlight()))
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), cancelWait)
		_ = sup.Stop(wctx)
		wcancel()
	}
	cancel()

	abandoned := 0
	for _, p := range pools {
		for {
			select {
			case qr := <-p.q:
				s.abandon(p, qr)
				abandoned++
				continue
			default:
			}
			break
		}
	}

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.mu.Unlock()
	s.log.Info("runner stopped", logx.Int("abandoned", abandoned))
}

func (s *Service) inFlight() int {
	s.mu.Lock()
	pools := s.pools
	s.mu.Unlock()
	n := 0
	for _, p := range pools {
		n += int(p.inFlight.Load())
	}
	return n
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.running && !s.stopping, Rejected: s.rejected.Load()}
	for _, p := range s.pools {
		snap.Pools = append(snap.Pools, PoolSnapshot{
			Name:     p.name,
			Workers:  p.workers,
			QueueLen: len(p.q),
			QueueCap: cap(p.q),
			InFlight: int(p.inFlight.Load()),
		})
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()
	return snap
}

func (s *Service) remember(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastFullWarnUnix.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastFullWarnUnix.CompareAndSwap(prev, n)
}
