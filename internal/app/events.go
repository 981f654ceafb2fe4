package app

import (
	"context"
	"supertask/internal/eventbus"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
)

// logEvents writes bus events to the debug log until ctx is done. Fire
// events go to trace since they repeat every tick.
func logEvents(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			lvl := logx.LevelDebug
			if ev.Type == eventbus.JobFired {
				lvl = logx.LevelTrace
			}
			if !log.Enabled(lvl) {
				continue
			}
			fields := []logx.Field{logx.String("type", ev.Type), logx.Time("at", ev.Time)}
			switch d := ev.Data.(type) {
			case eventbus.JobEvent:
				fields = append(fields, logx.String("job", d.JobID))
				if d.Status != "" {
					fields = append(fields, logx.String("status", d.Status))
				}
				if !d.NextFire.IsZero() {
					fields = append(fields, logx.Time("next_fire", d.NextFire))
				}
				if d.Took > 0 {
					fields = append(fields, logx.Duration("took", d.Took))
				}
				if d.Err != "" {
					fields = append(fields, logx.String("err", d.Err))
				}
			case job.Change:
				fields = append(fields, logx.String("job", d.ID), logx.String("kind", string(d.Kind)))
			default:
				fields = append(fields, logx.Any("data", d))
			}
			if lvl == logx.LevelTrace {
				log.Trace("event", fields...)
			} else {
				log.Debug("event", fields...)
			}
		}
	}
}
