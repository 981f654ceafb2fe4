package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"supertask/internal/eventbus"
	logx "supertask/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	got   []Alert
	calls atomic.Int32
	fail  func(n int32) error
}

func (r *recordingSender) Send(_ context.Context, a Alert) error {
	n := r.calls.Add(1)
	if r.fail != nil {
		if err := r.fail(n); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.got = append(r.got, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.got...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startService(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyDelivers(t *testing.T) {
	rec := &recordingSender{}
	s := startService(t, fastConfig(), rec, nil)

	require.NoError(t, s.Notify(context.Background(), Alert{JobID: "1", Status: "failure", Error: "exit 1"}))
	require.Eventually(t, func() bool { return len(rec.alerts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "1", s.Snapshot()[0].Alert.JobID)
}

func TestNotifyDedupsRepeats(t *testing.T) {
	rec := &recordingSender{}
	s := startService(t, fastConfig(), rec, nil)

	a := Alert{JobID: "1", Status: "failure", Error: "exit 1"}
	require.NoError(t, s.Notify(context.Background(), a))
	require.NoError(t, s.Notify(context.Background(), a))
	other := a
	other.Error = "exit 2"
	require.NoError(t, s.Notify(context.Background(), other))

	require.Eventually(t, func() bool { return len(rec.alerts()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, rec.alerts(), 2)
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	rec := &recordingSender{fail: func(n int32) error {
		if n < 3 {
			return errors.New("temporary")
		}
		return nil
	}}
	s := startService(t, fastConfig(), rec, nil)

	require.NoError(t, s.Notify(context.Background(), Alert{JobID: "r"}))
	require.Eventually(t, func() bool { return len(rec.alerts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 3, rec.calls.Load())
}

func TestDeliverStopsOnPermanentError(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	rec := &recordingSender{fail: func(int32) error { return backoff.Permanent(errors.New("bad request")) }}
	s := startService(t, fastConfig(), rec, bus)

	require.NoError(t, s.Notify(context.Background(), Alert{JobID: "p"}))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventFailed {
				continue
			}
			require.Equal(t, "p", ev.Data.(AlertEvent).JobID)
			require.EqualValues(t, 1, rec.calls.Load())
			require.Empty(t, s.Snapshot())
			return
		case <-deadline:
			t.Fatal("no alert.failed event")
		}
	}
}

func TestWatchTurnsFailuresIntoAlerts(t *testing.T) {
	bus := eventbus.New()
	rec := &recordingSender{}
	cfg := fastConfig()
	cfg.OnSkipped = true
	startService(t, cfg, rec, bus)

	eventbus.Emit(bus, eventbus.JobFinished, eventbus.JobEvent{JobID: "ok", Status: "success"})
	eventbus.Emit(bus, eventbus.JobFinished, eventbus.JobEvent{JobID: "bad", Status: "failure", Err: "boom"})
	eventbus.Emit(bus, eventbus.JobSkipped, eventbus.JobEvent{JobID: "busy"})

	require.Eventually(t, func() bool { return len(rec.alerts()) == 2 }, 2*time.Second, 5*time.Millisecond)
	byJob := map[string]Alert{}
	for _, a := range rec.alerts() {
		byJob[a.JobID] = a
	}
	require.Equal(t, "boom", byJob["bad"].Error)
	require.Equal(t, "skipped", byJob["busy"].Status)
	require.NotContains(t, byJob, "ok")
}

func TestNotifyStates(t *testing.T) {
	off := New(Config{}, &recordingSender{}, logx.Nop(), nil)
	require.ErrorIs(t, off.Notify(context.Background(), Alert{JobID: "x"}), ErrDisabled)

	s := New(fastConfig(), &recordingSender{}, logx.Nop(), nil)
	require.ErrorIs(t, s.Notify(context.Background(), Alert{JobID: "x"}), ErrStopped)

	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	require.ErrorIs(t, s.Notify(context.Background(), Alert{JobID: "x"}), ErrStopped)

	// restartable
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), Alert{JobID: "x"}))
	s.Stop(ctx)
}

func TestDedupCapEvictsEarliest(t *testing.T) {
	s := New(fastConfig(), nil, logx.Nop(), nil)
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }
	require.True(t, s.dedupAllow("a", time.Minute, 2))
	s.now = func() time.Time { return base.Add(time.Second) }
	require.True(t, s.dedupAllow("b", time.Minute, 2))
	require.True(t, s.dedupAllow("c", time.Minute, 2))
	require.Len(t, s.dedup, 2)
	require.NotContains(t, s.dedup, "a")
	require.False(t, s.dedupAllow("b", time.Minute, 2))
}
