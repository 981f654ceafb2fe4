package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supertask/internal/notifier"
	logx "supertask/pkg/logx"
)

const jobsJSON = `[
  {"id": 1, "crontab": "*/5 * * * *", "job": "echo hello"},
  {"id": "backup", "crontab": "0 3 * * *", "job": "task:sleep 0", "enabled": false}
]`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestNewMissingConfig(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "nope.yaml")

	_, err := New(Options{ConfigPath: missing})
	require.Error(t, err)
	require.True(t, errors.Is(err, os.ErrNotExist))

	a, err := New(Options{ConfigPath: missing, ConfigOptional: true})
	require.NoError(t, err)
	require.Equal(t, "memory://", a.Settings().Store.Address)
	require.Equal(t, "UTC", a.Settings().Scheduler.Location.String())
}

func TestOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "supertask.yaml", `
store:
  address: "sqlite://./jobs.db"
jobs:
  path: cron.json
`)
	a, err := New(Options{ConfigPath: cfg, StoreAddress: "memory://", PreDelete: true})
	require.NoError(t, err)
	require.Equal(t, "memory://", a.Settings().Store.Address)
	require.True(t, a.Settings().Store.PreDelete)
	require.Equal(t, filepath.Join(dir, "cron.json"), a.Settings().Jobs.Path)

	// the committed config is the file as written
	require.Equal(t, "sqlite://./jobs.db", a.cfgm.Get().Store.Address)
}

func TestStartSeedsAndStops(t *testing.T) {
	dir := t.TempDir()
	jobs := writeFile(t, dir, "cronjobs.json", jobsJSON)
	cfg := writeFile(t, dir, "supertask.yaml", `
logging:
  level: error
scheduler:
  grace_period: 1s
admin:
  enabled: true
  addr: "127.0.0.1:0"
`)

	a, err := New(Options{ConfigPath: cfg, JobsPath: jobs})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	entries := a.Engine().Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "1", entries[0].JobID)

	addr := a.AdminAddr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	a.Stop(stopCtx, StopSIGTERM)
	require.NoError(t, a.Err())
	require.Empty(t, a.AdminAddr())
}

func TestFailingJobRaisesAlert(t *testing.T) {
	got := make(chan notifier.Alert, 8)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a notifier.Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err == nil {
			select {
			case got <- a:
			default:
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	dir := t.TempDir()
	jobs := writeFile(t, dir, "cronjobs.json", `[{"id": "broken", "crontab": "* * * * * *", "job": "exec:exit 3"}]`)
	cfg := writeFile(t, dir, "supertask.yaml", fmt.Sprintf(`
logging:
  level: error
scheduler:
  grace_period: 1s
alerts:
  enabled: true
  webhook_url: %q
`, hook.URL))

	a, err := New(Options{ConfigPath: cfg, JobsPath: jobs})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Stop(ctx, StopSIGINT)
	}()

	select {
	case alert := <-got:
		require.Equal(t, "broken", alert.JobID)
		require.Equal(t, "failure", alert.Status)
		require.NotEmpty(t, alert.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("no alert received")
	}
}

func TestStartFailsWithoutDefinitions(t *testing.T) {
	dir := t.TempDir()
	a, err := New(Options{
		ConfigPath:     filepath.Join(dir, "absent.yaml"),
		ConfigOptional: true,
		JobsPath:       filepath.Join(dir, "absent.json"),
	})
	require.NoError(t, err)

	err = a.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "load definitions")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Stop(stopCtx, StopStartup)
}

func TestStepBoundsSlowStop(t *testing.T) {
	released := make(chan struct{})
	defer close(released)

	start := time.Now()
	step(context.Background(), logx.Nop(), "slow", 50*time.Millisecond, func(ctx context.Context) error {
		<-released
		return nil
	})
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestStepRecoversPanic(t *testing.T) {
	require.NotPanics(t, func() {
		step(context.Background(), logx.Nop(), "boom", time.Second, func(context.Context) error {
			panic("boom")
		})
	})
}
