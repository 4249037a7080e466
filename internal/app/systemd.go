package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "spacewatch/pkg/logx"
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec until ctx is
// done. It returns at once when the unit has no watchdog.
func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := max(interval/2, time.Second)
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
