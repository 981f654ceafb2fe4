package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	logx "supertask/pkg/logx"
	"time"
)

const (
	DefaultStoreAddress      = "memory://"
	DefaultRetryMaxElapsed   = 30 * time.Second
	DefaultGracePeriod       = 10 * time.Second
	DefaultMaxInstances      = 1
	DefaultJobsPath          = "cronjobs.json"
	DefaultDebounce          = 250 * time.Millisecond
	DefaultAdminAddr         = "127.0.0.1:8000"
	DefaultTimezone          = "UTC"
	DefaultReconcileInterval = time.Minute
	DefaultAlertDedupWindow  = 10 * time.Minute
	DefaultAlertRetryMax     = 3
)

// Settings is a validated Config with defaults applied and durations parsed.
type Settings struct {
	Logging   logx.Config
	Store     StoreSettings
	Scheduler SchedulerSettings
	Runner    RunnerConfig
	Jobs      JobsSettings
	Admin     AdminConfig
	Alerts    AlertsSettings
}

type StoreSettings struct {
	Address         string
	PreDelete       bool
	BusyTimeout     time.Duration
	RetryMaxElapsed time.Duration
}

type SchedulerSettings struct {
	Location          *time.Location
	MaxInstances      int
	GracePeriod       time.Duration
	ReconcileInterval time.Duration
}

type JobsSettings struct {
	Path           string
	Debounce       time.Duration
	ResyncInterval time.Duration
	WriteBack      bool
}

type AlertsSettings struct {
	Enabled     bool
	WebhookURL  string
	Token       string
	Workers     int
	QueueSize   int
	RatePerSec  int
	RetryMax    int
	Timeout     time.Duration
	DedupWindow time.Duration
	OnSkipped   bool
}

// Resolve validates cfg and returns the effective settings. baseDir is used
// to resolve relative file paths; empty means the working directory.
func (cfg *Config) Resolve(baseDir string) (*Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		add(err)
		return d
	}

	s := &Settings{}

	// logging
	level := strings.TrimSpace(cfg.Logging.Level)
	if level == "" {
		level = "info"
	}
	if !logx.ValidLevel(level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	s.Logging = logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    resolvePath(baseDir, strings.TrimSpace(cfg.Logging.File.Path)),
		},
	}
	if s.Logging.File.Enabled && s.Logging.File.Path == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	// store
	s.Store = StoreSettings{
		Address:         strings.TrimSpace(cfg.Store.Address),
		PreDelete:       cfg.Store.PreDelete,
		BusyTimeout:     dur("store.busy_timeout", cfg.Store.BusyTimeout, 0),
		RetryMaxElapsed: dur("store.retry_max_elapsed", cfg.Store.RetryMaxElapsed, DefaultRetryMaxElapsed),
	}
	if s.Store.Address == "" {
		s.Store.Address = DefaultStoreAddress
	}
	if !strings.Contains(s.Store.Address, "://") {
		add(fmt.Errorf("store.address: %q is not of the form <scheme>://...", s.Store.Address))
	}

	// scheduler
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
		loc = time.UTC
	}
	if cfg.Scheduler.MaxInstances < 0 {
		add(errors.New("scheduler.max_instances: must be >= 0"))
	}
	s.Scheduler = SchedulerSettings{
		Location:     loc,
		MaxInstances: cfg.Scheduler.MaxInstances,
		GracePeriod:  dur("scheduler.grace_period", cfg.Scheduler.GracePeriod, DefaultGracePeriod),
	}
	if s.Scheduler.MaxInstances == 0 {
		s.Scheduler.MaxInstances = DefaultMaxInstances
	}
	// An explicit "0s" turns periodic reconcile off; empty keeps the default.
	if strings.TrimSpace(cfg.Scheduler.ReconcileInterval) == "" {
		s.Scheduler.ReconcileInterval = DefaultReconcileInterval
	} else {
		s.Scheduler.ReconcileInterval = dur("scheduler.reconcile_interval", cfg.Scheduler.ReconcileInterval, 0)
	}

	// runner
	if cfg.Runner.Workers < 0 || cfg.Runner.IsolatedWorkers < 0 || cfg.Runner.QueueSize < 0 || cfg.Runner.HistorySize < 0 {
		add(errors.New("runner: sizes must be >= 0"))
	}
	s.Runner = cfg.Runner

	// jobs
	path := strings.TrimSpace(cfg.Jobs.Path)
	if path == "" {
		path = DefaultJobsPath
	}
	s.Jobs = JobsSettings{
		Path:           resolvePath(baseDir, path),
		Debounce:       dur("jobs.debounce", cfg.Jobs.Debounce, DefaultDebounce),
		ResyncInterval: dur("jobs.resync_interval", cfg.Jobs.ResyncInterval, 0),
		WriteBack:      cfg.Jobs.WriteBack,
	}

	// admin
	s.Admin = cfg.Admin
	s.Admin.Addr = strings.TrimSpace(s.Admin.Addr)
	if s.Admin.Addr == "" {
		s.Admin.Addr = DefaultAdminAddr
	}
	if s.Admin.Enabled {
		if _, _, err := net.SplitHostPort(s.Admin.Addr); err != nil {
			add(fmt.Errorf("admin.addr: %w", err))
		}
	}

	// alerts
	a := cfg.Alerts
	s.Alerts = AlertsSettings{
		Enabled:     a.Enabled,
		WebhookURL:  strings.TrimSpace(a.WebhookURL),
		Token:       a.Token,
		Workers:     a.Workers,
		QueueSize:   a.QueueSize,
		RatePerSec:  a.RatePerSec,
		RetryMax:    a.RetryMax,
		Timeout:     dur("alerts.timeout", a.Timeout, 0),
		DedupWindow: DefaultAlertDedupWindow,
		OnSkipped:   a.OnSkipped,
	}
	// "0s" turns dedup off, like reconcile_interval
	if strings.TrimSpace(a.DedupWindow) != "" {
		s.Alerts.DedupWindow = dur("alerts.dedup_window", a.DedupWindow, 0)
	}
	if s.Alerts.RetryMax == 0 {
		s.Alerts.RetryMax = DefaultAlertRetryMax
	}
	if a.Workers < 0 || a.QueueSize < 0 || a.RatePerSec < 0 || a.RetryMax < 0 {
		add(errors.New("alerts: sizes must be >= 0"))
	}
	if s.Alerts.Enabled {
		add(validateWebhookURL(s.Alerts.WebhookURL))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return s, nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return errors.New("alerts.webhook_url: required when alerts are enabled")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("alerts.webhook_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("alerts.webhook_url: want an http(s) URL, got scheme %q", u.Scheme)
	}
	return nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
