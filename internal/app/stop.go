package app

import (
	"context"
	"fmt"
	logx "supertask/pkg/logx"
	"time"
)

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopStartup    StopReason = "startup_failed"
)

// step runs fn with an upper bound so one component can't stall the whole
// stop. The caller's deadline is never extended.
func step(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, report when it finally returns.
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}()
	}
}
