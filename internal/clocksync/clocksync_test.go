package clocksync

import (
	"testing"
	"time"
)

func TestFreshStateIsUntouched(t *testing.T) {
	now := time.Now()
	r := ReconcileElapsed(now, now.Add(-30*time.Second), 50, time.Minute)
	if r.Synced() || r.Value != 50 {
		t.Errorf("got %+v, want untouched value 50", r)
	}
}

func TestCollapsesMissedTicksIntoOneJump(t *testing.T) {
	now := time.Now()
	// Ten minutes stale at a one-minute tick unit: value drops by ten.
	r := ReconcileElapsed(now, now.Add(-10*time.Minute), 50, time.Minute)
	if !r.Synced() {
		t.Fatal("expected a sync adjustment")
	}
	if r.Value != 40 || r.UnitsPassed != 10 {
		t.Errorf("got %+v, want value 40 after 10 units", r)
	}
}

func TestNeverAdjustsBelowOne(t *testing.T) {
	now := time.Now()
	r := ReconcileElapsed(now, now.Add(-10*time.Minute), 10, time.Minute)
	if r.Value != 1 {
		t.Errorf("value = %d, want floor of 1", r.Value)
	}

	r = ReconcileElapsed(now, now.Add(-3*time.Hour), 5, time.Minute)
	if r.Value != 1 {
		t.Errorf("value = %d after huge gap, want floor of 1", r.Value)
	}
}

func TestFutureLastUpdateIsIgnored(t *testing.T) {
	now := time.Now()
	r := ReconcileElapsed(now, now.Add(5*time.Minute), 50, time.Minute)
	if r.Synced() || r.Value != 50 {
		t.Errorf("got %+v, want no adjustment for a clock running ahead", r)
	}
}

func TestPartialUnitsAreFloored(t *testing.T) {
	now := time.Now()
	r := ReconcileElapsed(now, now.Add(-119*time.Second), 50, time.Minute)
	if r.UnitsPassed != 1 {
		t.Errorf("units = %d for 119s elapsed, want 1", r.UnitsPassed)
	}
}
