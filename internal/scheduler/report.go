package scheduler

import (
	"errors"
	"time"

	"supertask/internal/runner"
	logx "supertask/pkg/logx"

	"golang.org/x/time/rate"
)

// One warning per job per interval; the rest go to debug.
const warnEvery = time.Minute

func (e *Engine) allowWarn(key string) bool {
	e.warnMu.Lock()
	defer e.warnMu.Unlock()
	lim := e.warnLims[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(warnEvery), 1)
		e.warnLims[key] = lim
	}
	return lim.Allow()
}

func (e *Engine) forgetWarn(id string) {
	e.warnMu.Lock()
	delete(e.warnLims, "skip:"+id)
	delete(e.warnLims, "dispatch:"+id)
	e.warnMu.Unlock()
}

func (e *Engine) reportSkip(id string, due time.Time, inFlight, limit int) {
	fields := []logx.Field{
		logx.String("job", id),
		logx.Time("due", due),
		logx.Int("in_flight", inFlight),
		logx.Int("max_instances", limit),
	}
	if e.allowWarn("skip:" + id) {
		e.log.Warn("fire skipped: job at concurrency limit", fields...)
		return
	}
	e.log.Debug("fire skipped: job at concurrency limit", fields...)
}

func (e *Engine) reportDispatch(id string, err error) {
	if errors.Is(err, runner.ErrStopped) {
		e.log.Debug("fire dropped: runner stopped", logx.String("job", id))
		return
	}
	if e.allowWarn("dispatch:" + id) {
		e.log.Warn("fire dropped: dispatch failed", logx.String("job", id), logx.Err(err))
	}
}
