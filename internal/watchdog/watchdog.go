// Package watchdog runs periodic daemon health checks and reports service
// state to systemd over the sd_notify protocol.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strings"
	"time"
)

// DefaultInterval is used when Run is given a non-positive interval.
const DefaultInterval = 30 * time.Second

// Check is a named health probe. Probe returns nil when healthy.
type Check struct {
	Name  string
	Probe func() error
}

// Result is the outcome of one round of checks.
type Result struct {
	Failed map[string]error
}

// Healthy reports whether every check passed.
func (r Result) Healthy() bool { return len(r.Failed) == 0 }

// Status renders the result as a one-line systemd STATUS= value.
func (r Result) Status() string {
	if r.Healthy() {
		return "healthy"
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	slices.Sort(names)
	return "degraded: " + strings.Join(names, ",")
}

// RunChecks runs every check once.
func RunChecks(checks []Check) Result {
	res := Result{Failed: make(map[string]error)}
	for _, c := range checks {
		if err := c.Probe(); err != nil {
			res.Failed[c.Name] = err
		}
	}
	return res
}

// Run probes checks every interval until ctx is cancelled. Failures are
// logged on transition. A WATCHDOG=1 heartbeat is sent every round: it
// proves the process is alive, while STATUS= carries the check result.
func Run(ctx context.Context, interval time.Duration, checks ...Check) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastStatus := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res := RunChecks(checks)
		status := res.Status()
		if status != lastStatus {
			if res.Healthy() {
				slog.Info("watchdog: all checks passing")
			}
			for name, err := range res.Failed {
				slog.Warn("watchdog: health check failed", "check", name, "error", err)
			}
			lastStatus = status
		}
		if err := Notify("WATCHDOG=1", "STATUS="+status); err != nil {
			slog.Debug("watchdog: notify failed", "error", err)
		}
	}
}

// Ready tells systemd the service finished starting.
func Ready() error { return Notify("READY=1", "STATUS=running") }

// Stopping tells systemd a graceful shutdown began.
func Stopping() error { return Notify("STOPPING=1") }

// Notify sends newline-joined state assignments to $NOTIFY_SOCKET. It is a
// no-op outside systemd.
func Notify(states ...string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}
	if len(states) == 0 {
		return errors.New("sd_notify: no state")
	}

	// abstract sockets are written as "@name" and dialed with a leading NUL
	name := socketPath
	if strings.HasPrefix(name, "@") {
		name = "\x00" + name[1:]
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: name, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("sd_notify: dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(strings.Join(states, "\n"))); err != nil {
		return fmt.Errorf("sd_notify: write: %w", err)
	}
	return nil
}
