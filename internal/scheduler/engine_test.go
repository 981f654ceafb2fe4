package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"supertask/internal/crontab"
	"supertask/internal/job"
	"supertask/internal/jobstore"
	"supertask/internal/runner"
	logx "supertask/pkg/logx"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeDispatcher struct {
	mu   sync.Mutex
	runs []runner.Run
	err  error
}

func (f *fakeDispatcher) Dispatch(r runner.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.runs = append(f.runs, r)
	return nil
}

func (f *fakeDispatcher) taken() []runner.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.runs
	f.runs = nil
	return out
}

func finish(r runner.Run, at time.Time) {
	r.Done(runner.Result{JobID: r.JobID, Gen: r.Gen, Status: job.StatusSuccess, StartedAt: r.FiredAt, FinishedAt: at})
}

func clockAt(h, m int) time.Time {
	return time.Date(2024, time.March, 4, h, m, 0, 0, time.UTC)
}

type harness struct {
	eng   *Engine
	store jobstore.Store
	disp  *fakeDispatcher
	clock *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: jobstore.NewMemory(),
		disp:  &fakeDispatcher{},
		clock: &fakeClock{t: clockAt(10, 2)},
	}
	h.eng = New(cfg, h.store, h.disp, logx.Nop(), nil, nil, WithClock(h.clock))
	return h
}

func enabled(id, cron string) job.Definition {
	return job.Definition{ID: id, Crontab: cron, Payload: "p-" + id, Enabled: true}
}

func TestSeedFireCompleteExample(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))

	en, ok := h.eng.Entry("1")
	require.True(t, ok)
	require.Equal(t, clockAt(10, 5), en.NextFire)
	require.Equal(t, StatePending, en.State)

	// Not due yet.
	require.Equal(t, clockAt(10, 5), h.eng.Tick(clockAt(10, 4)))
	require.Empty(t, h.disp.taken())

	h.eng.Tick(clockAt(10, 5))
	runs := h.disp.taken()
	require.Len(t, runs, 1)
	require.Equal(t, clockAt(10, 5), runs[0].FiredAt)
	require.Equal(t, "p-1", runs[0].Def.Payload)
	en, _ = h.eng.Entry("1")
	require.Equal(t, StateFiring, en.State)

	finish(runs[0], clockAt(10, 5))
	en, _ = h.eng.Entry("1")
	require.Equal(t, clockAt(10, 10), en.NextFire)
	require.Equal(t, 0, en.InFlight)
}

func TestMalformedCrontabNeverStored(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	err := h.eng.Apply(ctx, job.Change{Kind: job.Added, ID: "x", Definition: enabled("x", "*/5 * *")})
	require.True(t, crontab.IsInvalid(err))
	_, err = h.store.Get(ctx, "x")
	require.True(t, job.IsNotFound(err))
	_, ok := h.eng.Entry("x")
	require.False(t, ok)
}

func TestInvalidUpdateKeepsLastKnownGood(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Added, ID: "1", Definition: enabled("1", "*/5 * * * *")}))
	err := h.eng.Apply(ctx, job.Change{Kind: job.Modified, ID: "1", Definition: enabled("1", "bogus")})
	require.Error(t, err)

	en, ok := h.eng.Entry("1")
	require.True(t, ok)
	require.Equal(t, "*/5 * * * *", en.Crontab)
	stored, err := h.store.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, "*/5 * * * *", stored.Crontab)
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, enabled("1", "*/5 * * * *")))
	require.NoError(t, h.store.Put(ctx, enabled("2", "0 * * * *")))
	require.NoError(t, h.eng.Reconcile(ctx))

	h.eng.Tick(clockAt(10, 5))
	require.Len(t, h.disp.taken(), 1)
	before := h.eng.Entries()

	h.clock.Set(clockAt(10, 7))
	require.NoError(t, h.eng.Reconcile(ctx))
	require.NoError(t, h.eng.Reconcile(ctx))
	require.Equal(t, before, h.eng.Entries())

	// Duplicate delivery of an event matching the current state is a no-op too.
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Modified, ID: "2", Definition: enabled("2", "0 * * * *")}))
	require.Equal(t, before, h.eng.Entries())
}

func TestSkipWhenAtLimit(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "* * * * *")}))

	h.eng.Tick(clockAt(10, 3))
	first := h.disp.taken()
	require.Len(t, first, 1)

	// Still running at the next two fire times: skipped, not queued.
	h.eng.Tick(clockAt(10, 4))
	h.eng.Tick(clockAt(10, 5))
	require.Empty(t, h.disp.taken())
	en, _ := h.eng.Entry("1")
	require.Equal(t, 1, en.InFlight)
	require.Equal(t, clockAt(10, 6), en.NextFire)

	finish(first[0], clockAt(10, 5).Add(30*time.Second))
	h.eng.Tick(clockAt(10, 6))
	require.Len(t, h.disp.taken(), 1)
}

func TestMaxInstancesBoundsInFlight(t *testing.T) {
	h := newHarness(t, Config{MaxInstances: 1})
	ctx := context.Background()
	def := enabled("1", "* * * * *")
	def.MaxInstances = 2
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{def}))

	var all []runner.Run
	for m := 3; m <= 8; m++ {
		h.eng.Tick(clockAt(10, m))
		all = append(all, h.disp.taken()...)
		en, _ := h.eng.Entry("1")
		require.LessOrEqual(t, en.InFlight, 2)
	}
	require.Len(t, all, 2)
}

func TestRemoveWhileInFlight(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))
	h.eng.Tick(clockAt(10, 5))
	runs := h.disp.taken()
	require.Len(t, runs, 1)

	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Removed, ID: "1"}))
	_, ok := h.eng.Entry("1")
	require.False(t, ok)

	// The running instance finishes; its completion must not bring the job back.
	finish(runs[0], clockAt(10, 6))
	_, ok = h.eng.Entry("1")
	require.False(t, ok)

	h.eng.Tick(clockAt(10, 10))
	h.eng.Tick(clockAt(11, 0))
	require.Empty(t, h.disp.taken())

	// Duplicate removal is harmless.
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Removed, ID: "1"}))
}

func TestStaleCompletionAfterReAdd(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))
	h.eng.Tick(clockAt(10, 5))
	old := h.disp.taken()[0]

	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Removed, ID: "1"}))
	h.clock.Set(clockAt(10, 6))
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Added, ID: "1", Definition: enabled("1", "*/5 * * * *")}))

	// The old run still counts against the re-added job but may not start.
	en, ok := h.eng.Entry("1")
	require.True(t, ok)
	require.Equal(t, 1, en.InFlight)
	require.False(t, old.Live())

	finish(old, clockAt(10, 7))
	en, ok = h.eng.Entry("1")
	require.True(t, ok)
	require.Equal(t, 0, en.InFlight)
	require.Equal(t, clockAt(10, 10), en.NextFire)
}

func TestInFlightLimitSurvivesDisableEnable(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))
	h.eng.Tick(clockAt(10, 5))
	runs := h.disp.taken()
	require.Len(t, runs, 1)

	off := enabled("1", "*/5 * * * *")
	off.Enabled = false
	h.clock.Set(clockAt(10, 6))
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Modified, ID: "1", Definition: off}))
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Modified, ID: "1", Definition: enabled("1", "*/5 * * * *")}))

	// First instance still running: the limit of 1 holds.
	h.eng.Tick(clockAt(10, 10))
	require.Empty(t, h.disp.taken())
	en, _ := h.eng.Entry("1")
	require.Equal(t, 1, en.InFlight)
	require.Equal(t, clockAt(10, 15), en.NextFire)

	finish(runs[0], clockAt(10, 11))
	en, _ = h.eng.Entry("1")
	require.Equal(t, 0, en.InFlight)

	h.eng.Tick(clockAt(10, 15))
	require.Len(t, h.disp.taken(), 1)
}

// removingDispatcher removes victim from the engine while dispatching trigger.
type removingDispatcher struct {
	fakeDispatcher
	eng     *Engine
	trigger string
	victim  string
}

func (d *removingDispatcher) Dispatch(r runner.Run) error {
	if r.JobID == d.trigger {
		if err := d.eng.Apply(context.Background(), job.Change{Kind: job.Removed, ID: d.victim}); err != nil {
			return err
		}
	}
	return d.fakeDispatcher.Dispatch(r)
}

func TestRemoveDuringTickDropsPendingFire(t *testing.T) {
	st := jobstore.NewMemory()
	clock := &fakeClock{t: clockAt(10, 2)}
	disp := &removingDispatcher{trigger: "a", victim: "b"}
	eng := New(Config{}, st, disp, logx.Nop(), nil, nil, WithClock(clock))
	disp.eng = eng
	ctx := context.Background()
	require.NoError(t, eng.Seed(ctx, []job.Definition{enabled("a", "*/5 * * * *"), enabled("b", "*/5 * * * *")}))

	eng.Tick(clockAt(10, 5))
	runs := disp.taken()
	require.Len(t, runs, 1)
	require.Equal(t, "a", runs[0].JobID)

	_, ok := eng.Entry("b")
	require.False(t, ok)
	eng.mu.Lock()
	require.Zero(t, eng.running["b"])
	eng.mu.Unlock()

	eng.Tick(clockAt(10, 10))
	require.Empty(t, disp.taken())
}

func TestRemoveBeforeStartStopsQueuedRun(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))
	h.eng.Tick(clockAt(10, 5))
	runs := h.disp.taken()
	require.Len(t, runs, 1)
	require.True(t, runs[0].Live())

	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Removed, ID: "1"}))
	require.False(t, runs[0].Live())

	// What a runner reports for a run it dropped.
	runs[0].Done(runner.Result{JobID: "1", Gen: runs[0].Gen, Status: job.StatusNone, Err: runner.ErrUnscheduled})
	h.eng.mu.Lock()
	require.Empty(t, h.eng.running)
	h.eng.mu.Unlock()
}

func TestDuplicateModifiedKeepsState(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))
	h.eng.Tick(clockAt(10, 5))
	require.Len(t, h.disp.taken(), 1)

	h.clock.Set(clockAt(10, 6))
	upd := enabled("1", "*/10 * * * *")
	ch := job.Change{Kind: job.Modified, ID: "1", Definition: upd}
	require.NoError(t, h.eng.Apply(ctx, ch))
	first, ok := h.eng.Entry("1")
	require.True(t, ok)
	require.Equal(t, clockAt(10, 10), first.NextFire)
	require.Equal(t, 1, first.InFlight)

	h.clock.Set(clockAt(10, 8))
	require.NoError(t, h.eng.Apply(ctx, ch))
	second, _ := h.eng.Entry("1")
	require.Equal(t, first, second)
}

func TestDisableRemovesEntry(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))

	off := enabled("1", "*/5 * * * *")
	off.Enabled = false
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Modified, ID: "1", Definition: off}))
	_, ok := h.eng.Entry("1")
	require.False(t, ok)

	stored, err := h.store.Get(ctx, "1")
	require.NoError(t, err)
	require.False(t, stored.Enabled)

	h.eng.Tick(clockAt(10, 5))
	require.Empty(t, h.disp.taken())

	// Re-enabling schedules from the current instant.
	h.clock.Set(clockAt(10, 11))
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Modified, ID: "1", Definition: enabled("1", "*/5 * * * *")}))
	en, ok := h.eng.Entry("1")
	require.True(t, ok)
	require.Equal(t, clockAt(10, 15), en.NextFire)
}

func TestDisableViaReconcile(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))

	off := enabled("1", "*/5 * * * *")
	off.Enabled = false
	require.NoError(t, h.store.Put(ctx, off))
	require.NoError(t, h.eng.Reconcile(ctx))
	require.Empty(t, h.eng.Entries())

	h.eng.Tick(clockAt(10, 5))
	require.Empty(t, h.disp.taken())
}

func TestUpdateRecomputesOnlyOnScheduleChange(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))

	// Payload-only change keeps the fire time.
	h.clock.Set(clockAt(10, 4))
	upd := enabled("1", "*/5 * * * *")
	upd.Payload = "other"
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Modified, ID: "1", Definition: upd}))
	en, _ := h.eng.Entry("1")
	require.Equal(t, clockAt(10, 5), en.NextFire)

	// Schedule change recomputes from now.
	require.NoError(t, h.eng.Apply(ctx, job.Change{Kind: job.Modified, ID: "1", Definition: enabled("1", "30 * * * *")}))
	en, _ = h.eng.Entry("1")
	require.Equal(t, clockAt(10, 30), en.NextFire)

	h.eng.Tick(clockAt(10, 30))
	runs := h.disp.taken()
	require.Len(t, runs, 1)
	require.Equal(t, "p-1", runs[0].Def.Payload)
}

func TestDispatchFailureReleasesSlot(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("1", "* * * * *")}))

	h.disp.err = runner.ErrQueueFull
	h.eng.Tick(clockAt(10, 3))
	en, _ := h.eng.Entry("1")
	require.Equal(t, 0, en.InFlight)

	h.disp.err = nil
	h.eng.Tick(clockAt(10, 4))
	require.Len(t, h.disp.taken(), 1)
}

type brokenStore struct {
	jobstore.Store
	fail       bool
	failRemove bool
}

func (b *brokenStore) Remove(ctx context.Context, id string) error {
	if b.failRemove {
		return &jobstore.UnavailableError{Op: "remove", Err: errors.New("connection refused")}
	}
	return b.Store.Remove(ctx, id)
}

func (b *brokenStore) List(ctx context.Context) ([]job.Definition, error) {
	if b.fail {
		return nil, &jobstore.UnavailableError{Op: "list", Err: errors.New("connection refused")}
	}
	return b.Store.List(ctx)
}

func TestStoreFailureKeepsSchedule(t *testing.T) {
	st := &brokenStore{Store: jobstore.NewMemory()}
	clock := &fakeClock{t: clockAt(10, 2)}
	eng := New(Config{}, st, &fakeDispatcher{}, logx.Nop(), nil, nil, WithClock(clock))
	ctx := context.Background()
	require.NoError(t, eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))

	before := eng.Entries()
	st.fail = true
	err := eng.Reconcile(ctx)
	require.True(t, jobstore.IsUnavailable(err))
	require.Equal(t, before, eng.Entries())
}

func TestSeedRemovesJobsMissingFromFile(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, enabled("old", "* * * * *")))

	require.NoError(t, h.eng.Seed(ctx, []job.Definition{
		enabled("1", "*/5 * * * *"),
		enabled("bad", "not a cron"),
	}))
	list, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "1", list[0].ID)
	require.Len(t, h.eng.Entries(), 1)
}

func TestPerJobTimezone(t *testing.T) {
	vienna, err := time.LoadLocation("Europe/Vienna")
	require.NoError(t, err)
	h := newHarness(t, Config{Location: vienna})
	ctx := context.Background()

	// 10:02 UTC is 11:02 in Vienna.
	utcJob := enabled("utc", "0 12 * * *")
	utcJob.Timezone = "UTC"
	require.NoError(t, h.eng.Seed(ctx, []job.Definition{enabled("vie", "0 12 * * *"), utcJob}))

	vie, _ := h.eng.Entry("vie")
	utc, _ := h.eng.Entry("utc")
	require.True(t, vie.NextFire.Equal(clockAt(11, 0)), vie.NextFire.String())
	require.True(t, utc.NextFire.Equal(clockAt(12, 0)), utc.NextFire.String())
	require.Equal(t, "Europe/Vienna", vie.Timezone)
}

func TestFailedStoreRemoveStaysRemoved(t *testing.T) {
	st := &brokenStore{Store: jobstore.NewMemory()}
	clock := &fakeClock{t: clockAt(10, 2)}
	disp := &fakeDispatcher{}
	eng := New(Config{}, st, disp, logx.Nop(), nil, nil, WithClock(clock))
	ctx := context.Background()
	require.NoError(t, eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *"), enabled("2", "*/5 * * * *")}))

	st.failRemove = true
	err := eng.Apply(ctx, job.Change{Kind: job.Removed, ID: "1"})
	require.True(t, jobstore.IsUnavailable(err))
	_, ok := eng.Entry("1")
	require.False(t, ok)

	// The row is still stored, but reconcile must not bring the job back.
	require.NoError(t, eng.Reconcile(ctx))
	_, ok = eng.Entry("1")
	require.False(t, ok)
	eng.Tick(clockAt(10, 5))
	runs := disp.taken()
	require.Len(t, runs, 1)
	require.Equal(t, "2", runs[0].JobID)

	st.failRemove = false
	require.NoError(t, eng.Reconcile(ctx))
	_, err = st.Get(ctx, "1")
	require.True(t, job.IsNotFound(err))
	_, ok = eng.Entry("1")
	require.False(t, ok)

	// Adding the job again works as usual.
	require.NoError(t, eng.Apply(ctx, job.Change{Kind: job.Added, ID: "1", Definition: enabled("1", "*/5 * * * *")}))
	require.NoError(t, eng.Reconcile(ctx))
	_, ok = eng.Entry("1")
	require.True(t, ok)
}

func TestReAddClearsPendingRemoval(t *testing.T) {
	st := &brokenStore{Store: jobstore.NewMemory()}
	clock := &fakeClock{t: clockAt(10, 2)}
	eng := New(Config{}, st, &fakeDispatcher{}, logx.Nop(), nil, nil, WithClock(clock))
	ctx := context.Background()
	require.NoError(t, eng.Seed(ctx, []job.Definition{enabled("1", "*/5 * * * *")}))

	st.failRemove = true
	require.Error(t, eng.Apply(ctx, job.Change{Kind: job.Removed, ID: "1"}))
	require.NoError(t, eng.Apply(ctx, job.Change{Kind: job.Added, ID: "1", Definition: enabled("1", "0 * * * *")}))

	require.NoError(t, eng.Reconcile(ctx))
	en, ok := eng.Entry("1")
	require.True(t, ok)
	require.Equal(t, "0 * * * *", en.Crontab)
}
