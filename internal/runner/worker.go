package runner

import (
	"context"
	"runtime/debug"
	"time"

	"supertask/internal/eventbus"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
)

func (s *Service) worker(p *pool) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-p.stopCh:
			return
		default:
		}

		select {
		case <-p.stopCh:
			return
		case qr := <-p.q:
			select {
			case <-p.stopCh:
				s.abandon(p, qr)
				return
			default:
			}
			if qr.run.Live != nil && !qr.run.Live() {
				s.drop(p, qr)
				continue
			}
			s.execOne(p, qr)
		}
	}
}

// abandon finishes a run that never started.
func (s *Service) abandon(p *pool, qr queued) {
	s.notStarted(p, qr, "abandoned", ErrStopped)
}

// drop finishes a queued run whose job went away before it started.
func (s *Service) drop(p *pool, qr queued) {
	s.log.Debug("run dropped: job unscheduled", logx.String("job", qr.run.JobID), logx.String("pool", p.name))
	s.notStarted(p, qr, "unscheduled", ErrUnscheduled)
}

func (s *Service) notStarted(p *pool, qr queued, why string, err error) {
	now := time.Now()
	s.remember(HistoryItem{JobID: qr.run.JobID, Pool: p.name, Started: now, Status: job.StatusNone, Error: why})
	finish(qr.run, Result{
		JobID:      qr.run.JobID,
		Gen:        qr.run.Gen,
		Status:     job.StatusNone,
		FinishedAt: now,
		Err:        err,
	})
}

func (s *Service) execOne(p *pool, qr queued) {
	run := qr.run
	start := time.Now()
	queueDelay := start.Sub(qr.enqueuedAt)
	log := s.log.With(logx.String("job", run.JobID))

	p.inFlight.Add(1)
	s.metrics.RunStarted(p.name)
	eventbus.Emit(s.bus, eventbus.JobStarted, eventbus.JobEvent{JobID: run.JobID, Status: string(job.StatusRunning)})
	log.Debug("job started", logx.String("pool", p.name), logx.Duration("queue_delay", queueDelay))

	s.record(log, run.JobID, job.StatusRunning, start)
	err := s.invoke(run)
	status := job.StatusSuccess
	if err != nil {
		status = job.StatusFailure
	}
	s.record(log, run.JobID, status, start)

	finished := time.Now()
	took := finished.Sub(start)
	p.inFlight.Add(-1)
	s.metrics.RunFinished(p.name, string(status), took)

	item := HistoryItem{JobID: run.JobID, Pool: p.name, Started: start, QueueDelay: queueDelay, Duration: took, Status: status}
	ev := eventbus.JobEvent{JobID: run.JobID, Status: string(status), Took: took}
	if err != nil {
		item.Error = logx.Truncate(err.Error(), 512)
		ev.Err = item.Error
		log.Warn("job failed", logx.Duration("took", took), logx.Err(err))
	} else {
		log.Info("job finished", logx.Duration("took", took))
	}
	s.remember(item)
	eventbus.Emit(s.bus, eventbus.JobFinished, ev)

	finish(run, Result{
		JobID:      run.JobID,
		Gen:        run.Gen,
		Status:     status,
		StartedAt:  start,
		FinishedAt: finished,
		Err:        err,
	})
}

// invoke runs the payload; failures and panics become *PayloadExecutionError.
func (s *Service) invoke(run Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked",
				logx.String("job", run.JobID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = &PayloadExecutionError{JobID: run.JobID, Panic: r}
		}
	}()
	if s.exec == nil {
		return nil
	}
	if e := s.exec.Execute(s.execCtx, run.Def); e != nil {
		return &PayloadExecutionError{JobID: run.JobID, Err: e}
	}
	return nil
}

func (s *Service) record(log logx.Logger, id string, status job.Status, at time.Time) {
	if s.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := s.rec.RecordRun(ctx, id, status, at)
	switch {
	case err == nil:
	case job.IsNotFound(err):
		// Removed while running; nothing to record.
		log.Debug("run metadata dropped: job no longer stored", logx.String("status", string(status)))
	default:
		log.Warn("record run failed", logx.String("status", string(status)), logx.Err(err))
	}
}

func finish(run Run, res Result) {
	if run.Done != nil {
		run.Done(res)
	}
}
