// Package systemd reports service state to the systemd manager.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify(3) messages.
type Notifier struct {
	notify  func(unsetEnv bool, state string) (bool, error)
	enabled func(unsetEnv bool) (time.Duration, error)
}

func New() *Notifier {
	return &Notifier{notify: daemon.SdNotify, enabled: daemon.SdWatchdogEnabled}
}

// Ready signals that startup finished.
func (n *Notifier) Ready() (bool, error) { return n.notify(false, daemon.SdNotifyReady) }

// Stopping signals that shutdown began.
func (n *Notifier) Stopping() (bool, error) { return n.notify(false, daemon.SdNotifyStopping) }

// Reloading signals a configuration reload; call Ready when it is applied.
func (n *Notifier) Reloading() (bool, error) { return n.notify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) (bool, error) { return n.notify(false, "STATUS="+s) }

// Watchdog pings the watchdog at half the configured interval until ctx ends.
// It returns immediately when WatchdogSec is not set.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := n.enabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := n.notify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
