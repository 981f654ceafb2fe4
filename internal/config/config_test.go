package config

import (
	"context"
	"os"
	"path/filepath"
	logx "supertask/pkg/logx"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supertask.yaml")
	writeFile(t, path, `
logging: {level: debug, console: true}
store: {address: "sqlite://./data/jobs.db", busy_timeout: 2s}
scheduler: {timezone: Europe/Vienna}
jobs: {path: cronjobs.json, write_back: true}
admin: {enabled: true}
`)

	m := NewManager(path)
	cfg, err := m.Parse()
	require.NoError(t, err)
	s, err := cfg.Resolve(m.Dir())
	require.NoError(t, err)
	m.Commit(cfg)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "debug", s.Logging.Level)
	require.Equal(t, "sqlite://./data/jobs.db", s.Store.Address)
	require.Equal(t, 2*time.Second, s.Store.BusyTimeout)
	require.Equal(t, DefaultRetryMaxElapsed, s.Store.RetryMaxElapsed)
	require.Equal(t, "Europe/Vienna", s.Scheduler.Location.String())
	require.Equal(t, DefaultMaxInstances, s.Scheduler.MaxInstances)
	require.Equal(t, DefaultGracePeriod, s.Scheduler.GracePeriod)
	require.Equal(t, DefaultReconcileInterval, s.Scheduler.ReconcileInterval)
	require.Equal(t, filepath.Join(dir, "cronjobs.json"), s.Jobs.Path)
	require.Equal(t, DefaultDebounce, s.Jobs.Debounce)
	require.True(t, s.Jobs.WriteBack)
	require.Equal(t, DefaultAdminAddr, s.Admin.Addr)
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supertask.json")
	writeFile(t, path, `{"store":{"address":"memory://","bogus":1}}`)
	_, err := NewManager(path).Parse()
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus")
}

func TestDecodeStrictRejectsTrailingData(t *testing.T) {
	var cfg Config
	err := DecodeStrict("x.json", []byte(`{} {}`), &cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "trailing data")
}

func TestResolveCollectsErrors(t *testing.T) {
	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud"},
		Store:     StoreConfig{Address: "nowhere", BusyTimeout: "soon"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus", MaxInstances: -1},
		Admin:     AdminConfig{Enabled: true, Addr: "no-port"},
	}
	_, err := cfg.Resolve("")
	require.Error(t, err)
	for _, want := range []string{"logging.level", "store.address", "store.busy_timeout", "scheduler.timezone", "scheduler.max_instances", "admin.addr"} {
		require.Contains(t, err.Error(), want)
	}
}

func TestResolveAlerts(t *testing.T) {
	off := &Config{}
	s, err := off.Resolve("")
	require.NoError(t, err)
	require.False(t, s.Alerts.Enabled)
	require.Equal(t, DefaultAlertDedupWindow, s.Alerts.DedupWindow)
	require.Equal(t, DefaultAlertRetryMax, s.Alerts.RetryMax)

	for _, raw := range []string{"", "ftp://hooks.example.com", "https://", "::"} {
		cfg := &Config{Alerts: AlertsConfig{Enabled: true, WebhookURL: raw}}
		_, err := cfg.Resolve("")
		require.Error(t, err, raw)
		require.Contains(t, err.Error(), "alerts.webhook_url")
	}

	cfg := &Config{Alerts: AlertsConfig{Enabled: true, WebhookURL: " https://hooks.example.com/cron ", DedupWindow: "0s", Timeout: "3s"}}
	s, err = cfg.Resolve("")
	require.NoError(t, err)
	require.Equal(t, "https://hooks.example.com/cron", s.Alerts.WebhookURL)
	require.Zero(t, s.Alerts.DedupWindow)
	require.Equal(t, 3*time.Second, s.Alerts.Timeout)
}

func TestResolveReconcileIntervalZeroDisables(t *testing.T) {
	cfg := &Config{Scheduler: SchedulerConfig{ReconcileInterval: "0s"}}
	s, err := cfg.Resolve("")
	require.NoError(t, err)
	require.Zero(t, s.Scheduler.ReconcileInterval)
	require.Equal(t, DefaultStoreAddress, s.Store.Address)
	require.Equal(t, time.UTC, s.Scheduler.Location)
}

func TestResolveKeepsAbsolutePaths(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "jobs.yaml")
	cfg := &Config{Jobs: JobsConfig{Path: abs}}
	s, err := cfg.Resolve("/etc/supertask")
	require.NoError(t, err)
	require.Equal(t, abs, s.Jobs.Path)
}

func TestMarshalForYAMLRoundTrips(t *testing.T) {
	in := Config{Runner: RunnerConfig{Workers: 3}, Admin: AdminConfig{Enabled: true, Addr: "127.0.0.1:9000"}}
	b, err := MarshalFor("out.yaml", in)
	require.NoError(t, err)
	require.Contains(t, string(b), "workers: 3")

	var out Config
	require.NoError(t, DecodeStrict("out.yaml", b, &out))
	require.Equal(t, in, out)
}

func TestSummarizeChange(t *testing.T) {
	old := &Config{Logging: LoggingConfig{Level: "info"}, Store: StoreConfig{Address: "postgres://u:secret@db/x"}}
	next := &Config{Logging: LoggingConfig{Level: "debug"}, Store: StoreConfig{Address: "postgres://u:other@db/x"}}

	changed, attrs := SummarizeChange(old, next)
	require.Equal(t, []string{"logging", "store"}, changed)
	require.NotEmpty(t, attrs)
	require.Equal(t, []string{"store"}, RestartRequired(changed))
}

func TestWatchPublishesValidChangesOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supertask.yaml")
	writeFile(t, path, "logging: {level: info}\n")

	m := NewManager(path)
	m.SetLogger(logx.Nop())
	cfg, err := m.Parse()
	require.NoError(t, err)
	m.Commit(cfg)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid level: rejected, previous config stays.
	writeFile(t, path, "logging: {level: loud}\n")
	select {
	case <-ch:
		t.Fatal("invalid config published")
	case <-time.After(600 * time.Millisecond):
	}
	require.Equal(t, "info", m.Get().Logging.Level)

	writeFile(t, path, "logging: {level: debug}\n")
	select {
	case cfg := <-ch:
		require.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
	require.Equal(t, "debug", m.Get().Logging.Level)
}
