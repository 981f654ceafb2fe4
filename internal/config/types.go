package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("250ms", "10s", "1m"); empty means the default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner"`
	Jobs      JobsConfig      `json:"jobs"`
	Admin     AdminConfig     `json:"admin"`
	Alerts    AlertsConfig    `json:"alerts"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the job store backend.
//
// Example:
//
//	store: { address: "sqlite://./data/jobs.db", busy_timeout: 1s }
type StoreConfig struct {
	Address   string `json:"address"`
	PreDelete bool   `json:"pre_delete,omitempty"`
	// BusyTimeout only applies to sqlite.
	BusyTimeout     string `json:"busy_timeout,omitempty"`
	RetryMaxElapsed string `json:"retry_max_elapsed,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is the default for jobs that don't name one.
	Timezone     string `json:"timezone,omitempty"`
	MaxInstances int    `json:"max_instances,omitempty"`
	GracePeriod  string `json:"grace_period,omitempty"`
	// ReconcileInterval re-reads the store periodically. "0s" disables it.
	ReconcileInterval string `json:"reconcile_interval,omitempty"`
}

type RunnerConfig struct {
	Workers         int `json:"workers,omitempty"`
	IsolatedWorkers int `json:"isolated_workers,omitempty"`
	QueueSize       int `json:"queue_size,omitempty"`
	HistorySize     int `json:"history_size,omitempty"`
}

// JobsConfig points at the job definitions file. A relative path is
// resolved against the directory of the config file.
type JobsConfig struct {
	Path           string `json:"path"`
	Debounce       string `json:"debounce,omitempty"`
	ResyncInterval string `json:"resync_interval,omitempty"`
	// WriteBack mirrors admin API mutations into the definitions file.
	WriteBack bool `json:"write_back,omitempty"`
}

// AdminConfig controls the administrative HTTP API.
//
// Prefer binding to localhost. A non-loopback addr needs a token or an
// explicit allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8000"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool `json:"pprof,omitempty"`
}

// AlertsConfig posts job failures to a webhook.
//
// Example:
//
//	alerts: { enabled: true, webhook_url: "https://hooks.example.com/cron", dedup_window: 15m }
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Token      string `json:"token,omitempty"` // bearer token (do not log)

	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	// OnSkipped also alerts on fires skipped at the instance limit.
	OnSkipped bool `json:"on_skipped,omitempty"`
}
