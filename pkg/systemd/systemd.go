// Package systemd reports service state to systemd over the sd_notify
// socket. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "remindbot/pkg/logx"
)

type Notifier struct {
	enabled bool
	log     logx.Logger
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: enabled, log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) notify(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready reports startup complete together with a status line.
func (n *Notifier) Ready(status string) {
	if n.notify(daemon.SdNotifyReady + "\nSTATUS=" + status) {
		n.log.Debug("sd_notify ready sent")
	}
}

func (n *Notifier) Reloading() { n.notify(daemon.SdNotifyReloading) }

// Reloaded ends a Reloading phase.
func (n *Notifier) Reloaded() { n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Status(format string, args ...any) {
	n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings the watchdog at half the configured interval while healthy
// returns true. It returns immediately when the unit has no WatchdogSec.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) {
	if n == nil || !n.enabled {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if healthy == nil || healthy() {
				n.notify(daemon.SdNotifyWatchdog)
			} else {
				n.log.Warn("watchdog ping withheld: unhealthy")
			}
		}
	}
}
