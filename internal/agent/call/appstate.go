package call

import (
	"context"
	"log/slog"
	"time"
)

// AppStateMonitor is the degraded fallback for platforms that cannot
// deliver call-state callbacks. It watches for the app returning to the
// foreground after the dialer was opened and, after an inactivity grace
// period, assumes the call ended and drives the machine to Disconnected.
//
// The inferred end time is inherently imprecise, so every log line from
// this path is tagged source=appstate-fallback to keep inferred durations
// distinguishable from real telephony data.
type AppStateMonitor struct {
	machine *Machine
	logger  *slog.Logger
	grace   time.Duration

	foreground chan struct{}
}

// NewAppStateMonitor creates a fallback monitor. grace is how long after
// a foreground return the monitor waits before declaring the call over;
// it absorbs brief app switches during a live call.
func NewAppStateMonitor(machine *Machine, grace time.Duration, logger *slog.Logger) *AppStateMonitor {
	return &AppStateMonitor{
		machine:    machine,
		logger:     logger.With("subsystem", "call-lifecycle", "source", "appstate-fallback"),
		grace:      grace,
		foreground: make(chan struct{}, 1),
	}
}

// ForegroundReturned signals that the app came back to the foreground.
// Non-blocking; repeated signals coalesce.
func (a *AppStateMonitor) ForegroundReturned() {
	select {
	case a.foreground <- struct{}{}:
	default:
	}
}

// Run watches for foreground returns until ctx is cancelled. When a
// return is followed by the grace period with no further activity and a
// call is still tracked, the machine is forced to Disconnected.
func (a *AppStateMonitor) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-a.foreground:
			if a.machine.Session() == nil {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(a.grace)
			fire = timer.C
			a.logger.Debug("foreground return observed, grace timer armed", "grace", a.grace)

		case <-fire:
			fire = nil
			sess := a.machine.Session()
			if sess == nil {
				continue
			}
			a.logger.Info("inferring call end from app state",
				"call_id", sess.CallID,
				"state", sess.State.String(),
			)
			if err := a.machine.Transition(StateDisconnected); err != nil {
				a.logger.Warn("inferred disconnect rejected", "error", err)
			}
		}
	}
}
