package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "lunchd/pkg/logx"
)

// sdNotify is swapped in tests.
var sdNotify = daemon.SdNotify

// NotifyReady tells systemd (Type=notify units) that startup finished and
// starts the watchdog keepalive when WatchdogSec is set. Outside systemd it
// does nothing.
func (a *App) NotifyReady() {
	sent, err := sdNotify(false, daemon.SdNotifyReady)
	switch {
	case err != nil:
		a.log.Warn("sd_notify ready failed", logx.Err(err))
		return
	case !sent:
		return
	}
	a.log.Debug("sd_notify ready sent")

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 || a.sup == nil {
		return
	}
	a.sup.GoRestart("systemd.watchdog", func(ctx context.Context) error {
		return a.watchdog(ctx, interval/2)
	})
}

func (a *App) watchdog(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := sdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				a.log.Warn("sd_notify watchdog failed", logx.Err(err))
			}
		}
	}
}

// NotifyStopping tells systemd that shutdown has begun.
func (a *App) NotifyStopping() {
	if _, err := sdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Warn("sd_notify stopping failed", logx.Err(err))
	}
}
