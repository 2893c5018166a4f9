// Package idle shuts a daemon down after a period without requests.
package idle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrIdle is returned by Run once the inactivity timeout is reached.
var ErrIdle = errors.New("idle timeout reached")

const defaultCheckInterval = 30 * time.Second

// Watchdog tracks the time of the last request.
type Watchdog struct {
	timeout  time.Duration
	interval time.Duration
	last     atomic.Int64
	now      func() time.Time
}

// New creates a Watchdog. A timeout <= 0 disables it; an interval <= 0 uses 30 seconds.
func New(timeout, interval time.Duration) *Watchdog {
	return newWithClock(timeout, interval, time.Now)
}

func newWithClock(timeout, interval time.Duration, now func() time.Time) *Watchdog {
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	watchdog := &Watchdog{timeout: timeout, interval: interval, now: now}
	watchdog.Touch()

	return watchdog
}

// Touch records activity.
func (w *Watchdog) Touch() {
	w.last.Store(w.now().UnixNano())
}

// Idle returns how long it has been since the last Touch.
func (w *Watchdog) Idle() time.Duration {
	return w.now().Sub(time.Unix(0, w.last.Load()))
}

// Enabled reports whether the watchdog will ever fire.
func (w *Watchdog) Enabled() bool {
	return w.timeout > 0
}

// Run blocks until ctx is done (returning nil) or the daemon has been idle for the
// timeout (returning ErrIdle). A disabled watchdog just waits for ctx.
func (w *Watchdog) Run(ctx context.Context) error {
	if !w.Enabled() {
		<-ctx.Done()

		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.Idle() >= w.timeout {
				return ErrIdle
			}
		}
	}
}
