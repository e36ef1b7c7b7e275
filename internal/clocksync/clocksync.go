// Package clocksync reconciles shared countdown state against wall-clock
// drift. Peers are independently clocked and intermittently connected, so a
// record's lastUpdate can be arbitrarily stale by the time a peer looks at
// it; the elapsed-time correction collapses every missed tick into one jump.
package clocksync

import "time"

// Result is the outcome of an elapsed-time reconciliation.
type Result struct {
	// Value is the countdown value after accounting for elapsed units.
	Value int
	// UnitsPassed is how many whole tick units elapsed since lastUpdate.
	UnitsPassed int
}

// Synced reports whether the reconciliation adjusted the value at all.
func (r Result) Synced() bool { return r.UnitsPassed > 0 }

// ReconcileElapsed computes what a countdown should read after the wall
// clock moved from lastUpdate to now. The adjusted value never drops below
// 1 here: reaching 0 is the failure path and stays an explicit engine
// decision, not a side effect of clock math. No state is mutated; the
// caller decides whether to persist the result.
func ReconcileElapsed(now, lastUpdate time.Time, value int, tickUnit time.Duration) Result {
	if tickUnit <= 0 {
		return Result{Value: value}
	}
	elapsed := now.Sub(lastUpdate)
	if elapsed <= 0 {
		// lastUpdate in the future means another peer's clock runs ahead of
		// ours; leave the value alone and let that peer keep ticking.
		return Result{Value: value}
	}
	units := int(elapsed / tickUnit)
	if units <= 0 {
		return Result{Value: value}
	}
	adjusted := value - units
	if adjusted < 1 {
		adjusted = 1
	}
	return Result{Value: adjusted, UnitsPassed: units}
}
