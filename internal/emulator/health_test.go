package emulator

import (
	"testing"
	"time"

	"github.com/beanpuppy/retrobot/internal/config"
)

func TestHealthTransitionPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.EngineRecoverSuccesses = 2
	now := time.Now().UTC()
	state := HealthState{Current: HealthOK, LastTransitionAt: now}

	state = NextHealth(cfg, state, false, now.Add(1*time.Second))
	if state.Current != HealthDegraded {
		t.Fatalf("ok->degraded expected, got %s", state.Current)
	}
	state = NextHealth(cfg, state, false, now.Add(2*time.Second))
	state = NextHealth(cfg, state, false, now.Add(3*time.Second))
	if state.Current != HealthDown {
		t.Fatalf("degraded->down expected after failures, got %s", state.Current)
	}

	state = NextHealth(cfg, state, true, now.Add(4*time.Second))
	if state.Current != HealthDown {
		t.Fatalf("still down until enough successes, got %s", state.Current)
	}
	state = NextHealth(cfg, state, true, now.Add(5*time.Second))
	if state.Current != HealthOK {
		t.Fatalf("down->ok expected on recovery threshold, got %s", state.Current)
	}
}

func TestDownTransitionRequiresFailureWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.EngineDownWindow = 2 * time.Second
	now := time.Now().UTC()

	state := HealthState{Current: HealthOK, LastTransitionAt: now}
	state = NextHealth(cfg, state, false, now.Add(1*time.Second))  // degraded
	state = NextHealth(cfg, state, false, now.Add(10*time.Second)) // outside window, resets
	state = NextHealth(cfg, state, false, now.Add(11*time.Second)) // second within new window

	if state.Current != HealthDegraded {
		t.Fatalf("expected degraded (not down) with failures outside window, got %s", state.Current)
	}
}

func TestZeroStateStartsHealthy(t *testing.T) {
	state := NextHealth(config.DefaultConfig(), HealthState{}, true, time.Now())
	if state.Current != HealthOK || state.ConsecutiveSuccesses != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
}
