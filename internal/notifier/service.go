package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"supertask/internal/eventbus"
	"supertask/internal/job"
	rtsup "supertask/internal/runtime/supervisor"
	logx "supertask/pkg/logx"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type queued struct {
	a Alert
	// key is computed at enqueue time so workers don't rehash.
	key string
}

// Service implements an async alert pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	now    func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan queued
	quit     chan struct{}
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

const historySize = 100

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled && s.sender != nil
	s.mu.Unlock()
	return en
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	s.cfg = cfg
	// burst = rate per sec, so short spikes don't block too hard
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers and, when a bus is set, the loop that turns
// job failures into alerts. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan queued, s.cfg.QueueSize)
	s.quit = make(chan struct{})
	s.accepting = true
	workers := s.cfg.Workers

	// alert failures must not take down the scheduler
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, quit := s.sup, s.queue, s.quit
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("alert.worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, q)
		})
	}
	if s.bus != nil {
		ch, unsubscribe := s.bus.Subscribe(256)
		sup.Go("alert.watch", func(c context.Context) error {
			defer unsubscribe()
			return s.watch(c, ch, quit)
		})
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, quit, sup := s.queue, s.quit, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	close(quit)
	s.mu.Unlock()

	// Shutdown runs async so callers can time out without leaking state.
	go func() {
		defer close(done)
		// in-flight Notify calls finish before the queue closes
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.quit, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("notifier stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("notifier stop deadline reached; dropping queued alerts", logx.Int("queued", len(q)))
		// cancels the workers' context; they return without draining
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sup.Stop(cctx)
		cancel()
	}
}

// Notify queues a without blocking. A duplicate within the dedup window is
// dropped silently.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if a.At.IsZero() {
		a.At = s.now()
	}
	key := dedupKey(a)
	if window > 0 && !s.dedupAllow(key, window, maxEntries) {
		s.emit(EventDeduped, a, key, "")
		return nil
	}

	select {
	case q <- queued{a: a, key: key}:
		s.emit(EventQueued, a, key, "")
		return nil
	default:
		s.emit(EventDropped, a, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

// Snapshot returns the recently delivered alerts, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(a Alert) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Alert: a})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) emit(typ string, a Alert, key, errText string) {
	eventbus.Emit(s.bus, typ, AlertEvent{JobID: a.JobID, Key: key, At: s.now(), Error: errText})
}

// watch converts runner and scheduler events into alerts until quit.
func (s *Service) watch(ctx context.Context, ch <-chan eventbus.Event, quit <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-quit:
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			a, ok := s.alertFor(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("alert not queued", logx.String("job", a.JobID), logx.Err(err))
			}
		}
	}
}

func (s *Service) alertFor(ev eventbus.Event) (Alert, bool) {
	je, ok := ev.Data.(eventbus.JobEvent)
	if !ok {
		return Alert{}, false
	}
	s.mu.Lock()
	onSkipped := s.cfg.OnSkipped
	s.mu.Unlock()

	switch {
	case ev.Type == eventbus.JobFinished && je.Status == string(job.StatusFailure):
	case ev.Type == eventbus.JobSkipped && onSkipped:
		if je.Status == "" {
			je.Status = "skipped"
		}
	default:
		return Alert{}, false
	}
	return Alert{JobID: je.JobID, Status: je.Status, Error: je.Err, Took: je.Took, At: ev.Time}, true
}

func (s *Service) workerLoop(ctx context.Context, q <-chan queued) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j queued) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBase
	b.MaxInterval = cfg.RetryMaxDelay
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		err := sender.Send(cctx, j.a)
		if err != nil {
			s.log.Debug("alert send failed",
				logx.String("job", j.a.JobID),
				logx.Int("attempt", attempt),
				logx.Err(err),
			)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.RetryMax)), ctx))

	if err == nil {
		s.appendHistory(j.a)
		s.emit(EventSent, j.a, j.key, "")
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.log.Warn("alert delivery failed",
		logx.String("job", j.a.JobID),
		logx.Int("attempts", attempt),
		logx.Err(err),
	)
	s.emit(EventFailed, j.a, j.key, err.Error())
}

// dedupKey ignores the time and duration of a run so repeats of the same
// failure collapse.
func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.JobID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(a.Status))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(a.Error))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := s.now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// evict earliest expiry until within cap
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}
