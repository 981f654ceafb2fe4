package scheduler

import (
	"context"
	"errors"
	"time"

	rtsup "supertask/internal/runtime/supervisor"
	logx "supertask/pkg/logx"
)

const reconcileTimeout = 30 * time.Second

// Start launches the timer loop and the reconcile loop. It is a no-op when
// already running.
func (e *Engine) Start(ctx context.Context) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	if e.sup != nil {
		return
	}
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log))
	e.sup.GoRestart("scheduler.timer", e.timerLoop)
	e.sup.GoRestart("scheduler.reconcile", e.reconcileLoop)
	e.log.Info("scheduler started",
		logx.String("tz", e.cfg.Location.String()),
		logx.Int("entries", len(e.Entries())),
		logx.Int("max_instances", e.cfg.MaxInstances),
	)
}

// Stop halts firing. Runs already dispatched are not affected.
func (e *Engine) Stop(ctx context.Context) error {
	e.lmu.Lock()
	sup := e.sup
	e.sup = nil
	e.lmu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	e.log.Info("scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) timerLoop(ctx context.Context) error {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-e.wake:
		}

		next := e.Tick(e.clock.Now())

		wait := e.cfg.MaxIdle
		if !next.IsZero() {
			if d := next.Sub(e.clock.Now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)
	}
}

func (e *Engine) reconcileLoop(ctx context.Context) error {
	var periodic <-chan time.Time
	if e.cfg.ReconcileEvery > 0 {
		tk := time.NewTicker(e.cfg.ReconcileEvery)
		defer tk.Stop()
		periodic = tk.C
	}
	feed := e.feed
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			actx, cancel := context.WithTimeout(ctx, reconcileTimeout)
			if err := e.Apply(actx, ch); err != nil {
				e.log.Debug("change not applied", logx.String("job", ch.ID), logx.String("kind", string(ch.Kind)), logx.Err(err))
			}
			cancel()
		case <-e.reconcileCh:
			e.reconcileNow(ctx)
		case <-periodic:
			e.reconcileNow(ctx)
		}
	}
}

func (e *Engine) reconcileNow(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()
	_ = e.Reconcile(rctx)
}
