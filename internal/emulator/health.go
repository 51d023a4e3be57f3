package emulator

import (
	"time"

	"github.com/beanpuppy/retrobot/internal/config"
)

type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

type HealthState struct {
	Current              Health
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextHealth folds one engine outcome into the health state. Failures only
// count toward down while they fall inside EngineDownWindow.
func NextHealth(cfg config.Config, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = HealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != HealthOK && state.ConsecutiveSuccesses >= cfg.EngineRecoverSuccesses {
			state.Current = HealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case HealthOK:
		state.Current = HealthDegraded
		state.LastTransitionAt = now
	case HealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.EngineDownWindow {
			// Failure window expired; start a new degraded window from this failure.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.EngineDownFailures {
			state.Current = HealthDown
			state.LastTransitionAt = now
		}
	case HealthDown:
		// stays down until a success arrives
	}
	return state
}
