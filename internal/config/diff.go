package config

import (
	"reflect"
	"sort"
	"strings"
	logx "supertask/pkg/logx"
)

// LiveSections can be applied without a restart; everything else is only
// read at startup.
var LiveSections = map[string]bool{"logging": true}

// SummarizeChange returns the changed top-level sections and safe attrs for
// logging. Store addresses may carry credentials and are never logged.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.Bool("store.address_changed", strings.TrimSpace(oldCfg.Store.Address) != strings.TrimSpace(newCfg.Store.Address)),
			logx.String("store.busy_timeout", strings.TrimSpace(newCfg.Store.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.max_instances", newCfg.Scheduler.MaxInstances),
		)
	}

	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Int("runner.workers", newCfg.Runner.Workers),
			logx.Int("runner.isolated_workers", newCfg.Runner.IsolatedWorkers),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.String("jobs.path", newCfg.Jobs.Path))
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}

	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
			logx.Bool("alerts.webhook_changed", oldCfg.Alerts.WebhookURL != newCfg.Alerts.WebhookURL),
			logx.Bool("alerts.token_set", newCfg.Alerts.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the changed sections that only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
