package jobstore

import (
	"context"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultRetryMaxElapsed = 30 * time.Second

// retryStore retries Unavailable failures of the wrapped store with
// exponential backoff. Every other error is returned immediately.
type retryStore struct {
	next       Store
	maxElapsed time.Duration
	log        logx.Logger
}

func withRetry(next Store, maxElapsed time.Duration, log logx.Logger) *retryStore {
	if maxElapsed <= 0 {
		maxElapsed = defaultRetryMaxElapsed
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &retryStore{next: next, maxElapsed: maxElapsed, log: log}
}

func (r *retryStore) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = r.maxElapsed
	b.Reset()
	return backoff.WithContext(b, ctx)
}

func (r *retryStore) do(ctx context.Context, op string, fn func() error) error {
	return retryOp(r.policy(ctx), r.log, op, fn)
}

func retryOp(b backoff.BackOff, log logx.Logger, op string, fn func() error) error {
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || IsUnavailable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, wait time.Duration) {
		log.Warn("store unavailable; retrying",
			logx.String("op", op),
			logx.Duration("wait", wait),
			logx.Err(err),
		)
	})
}

func (r *retryStore) Get(ctx context.Context, id string) (job.Definition, error) {
	var out job.Definition
	err := r.do(ctx, "get", func() (err error) {
		out, err = r.next.Get(ctx, id)
		return err
	})
	return out, err
}

func (r *retryStore) List(ctx context.Context) ([]job.Definition, error) {
	var out []job.Definition
	err := r.do(ctx, "list", func() (err error) {
		out, err = r.next.List(ctx)
		return err
	})
	return out, err
}

func (r *retryStore) Put(ctx context.Context, def job.Definition) error {
	return r.do(ctx, "put", func() error { return r.next.Put(ctx, def) })
}

func (r *retryStore) Remove(ctx context.Context, id string) error {
	return r.do(ctx, "remove", func() error { return r.next.Remove(ctx, id) })
}

func (r *retryStore) RemoveAll(ctx context.Context) error {
	return r.do(ctx, "remove_all", func() error { return r.next.RemoveAll(ctx) })
}

func (r *retryStore) RecordRun(ctx context.Context, id string, status job.Status, at time.Time) error {
	return r.do(ctx, "record_run", func() error { return r.next.RecordRun(ctx, id, status, at) })
}

func (r *retryStore) GetRun(ctx context.Context, id string) (job.RunRecord, error) {
	var out job.RunRecord
	err := r.do(ctx, "get_run", func() (err error) {
		out, err = r.next.GetRun(ctx, id)
		return err
	})
	return out, err
}

func (r *retryStore) Close() error { return r.next.Close() }
