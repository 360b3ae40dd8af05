package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "apexbot/pkg/logx"
)

// Outside systemd (no NOTIFY_SOCKET) these are no-ops.

func notifyReady(log logx.Logger) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		log.Debug("sd_notify ready sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd_notify stopping failed", logx.Err(err))
	}
}

// watchdog pings systemd at half the configured WatchdogSec while the app
// context is alive.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				a.log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
