package app

import (
	"context"
	logx "supertask/pkg/logx"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sdNotify tells systemd about state changes. It is a no-op outside a
// Type=notify unit.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. It returns at once when the watchdog is not enabled.
func watchdog(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	every := interval / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
