package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const EnvPrefix = "SUPERTASK_"

// EnvOverrides are SUPERTASK_* environment variables. Non-empty values win
// over the config file; command line flags win over both. Secrets such as
// store credentials and tokens are expected here rather than in the file.
type EnvOverrides struct {
	LogLevel         string `env:"LOG_LEVEL"`
	StoreAddress     string `env:"STORE_ADDRESS"`
	Timezone         string `env:"TIMEZONE"`
	JobsPath         string `env:"JOBS_PATH"`
	AdminAddr        string `env:"ADMIN_ADDR"`
	AdminToken       string `env:"ADMIN_TOKEN"`
	AlertsWebhookURL string `env:"ALERTS_WEBHOOK_URL"`
	AlertsToken      string `env:"ALERTS_TOKEN"`
}

// LoadEnv loads envFile (when set) into the process environment without
// overriding variables that are already set, then parses the overrides.
// A missing envFile is ignored when optional.
func LoadEnv(envFile string, optional bool) (EnvOverrides, error) {
	var o EnvOverrides
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			var pathErr *os.PathError
			if !optional || !errors.As(err, &pathErr) {
				return o, fmt.Errorf("load env file: %w", err)
			}
		}
	}
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return o, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// Apply copies the non-empty overrides onto cfg.
func (o EnvOverrides) Apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Store.Address, o.StoreAddress)
	set(&cfg.Scheduler.Timezone, o.Timezone)
	set(&cfg.Jobs.Path, o.JobsPath)
	set(&cfg.Admin.Addr, o.AdminAddr)
	set(&cfg.Admin.Token, o.AdminToken)
	set(&cfg.Alerts.WebhookURL, o.AlertsWebhookURL)
	set(&cfg.Alerts.Token, o.AlertsToken)
}

// IsZero reports whether no override is set.
func (o EnvOverrides) IsZero() bool { return o == EnvOverrides{} }
