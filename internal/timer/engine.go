// Package timer owns the shared 108-minute countdown. Any peer may tick,
// reset, or repair the record; the store's last-write-wins merge plus the
// elapsed-time reconciliation in clocksync keep replicas convergent without
// any peer being special.
package timer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"swanstation/internal/clocksync"
	"swanstation/internal/identity"
	"swanstation/internal/store"
)

const (
	// DefaultValue is the countdown ceiling in minutes.
	DefaultValue = 108
	// CriticalMax is the top of the critical window; code entry is only
	// accepted at or below it.
	CriticalMax = 4
	// ResetCode is the sequence that resets the countdown.
	ResetCode = "4 8 15 16 23 42"
	// TickUnit is the wall-clock span of one countdown unit.
	TickUnit = time.Minute
	// RecoveryDelay is how long a system failure lasts before the countdown
	// restarts on its own.
	RecoveryDelay = 10 * time.Second
	// StaleAfter is the heartbeat age past which the health check assumes
	// every peer that could have ticked has crashed mid-tick.
	StaleAfter = 120 * time.Second

	tickInterval   = time.Minute
	healthInterval = 2 * time.Minute

	// syncSlackUnits separates scheduling jitter from a real gap. One missed
	// tick is indistinguishable from interval drift across peers, so gaps of
	// up to two units decrement normally; anything larger takes the
	// time_sync jump.
	syncSlackUnits = 2
)

// Reason records why a timer write happened.
type Reason string

const (
	ReasonTimerTick     Reason = "timer_tick"
	ReasonTimeSync      Reason = "time_sync"
	ReasonCodeCorrect   Reason = "code_correct"
	ReasonManualReset   Reason = "manual_reset"
	ReasonSystemFailure Reason = "system_failure"
	ReasonHealthCheck   Reason = "health_check"
	ReasonTimerReset    Reason = "timer_reset"
)

// State is the strongly-typed view of the shared timer record.
type State struct {
	Value      int
	LastUpdate time.Time
	UpdatedBy  string
	Reason     Reason
}

// Critical reports whether the countdown sits inside the code-entry window.
func (s State) Critical() bool { return s.Value >= 1 && s.Value <= CriticalMax }

// EventKind tags timer domain events.
type EventKind string

const (
	EventChanged      EventKind = "timer_changed"
	EventFailure      EventKind = "system_failure"
	EventRecovered    EventKind = "system_recovered"
	EventCodeAccepted EventKind = "code_accepted"
	EventCodeRejected EventKind = "code_rejected"
)

// Event is published on the engine's event channel for the coordinator.
type Event struct {
	Kind    EventKind
	State   State
	Message string
}

// Engine drives this peer's share of the countdown work.
type Engine struct {
	ref   *store.Ref
	stats *store.Ref
	ident identity.Provider
	clock clockwork.Clock

	events chan Event

	mu            sync.Mutex
	last          State
	haveState     bool
	failureActive bool
	failures      int
	recovery      clockwork.Timer
	off           func()
}

// New binds the engine to the shared timer record and subscribes to it.
// stats receives the best-effort global failure counter and may be nil.
func New(ref, stats *store.Ref, ident identity.Provider, clock clockwork.Clock) *Engine {
	e := &Engine{
		ref:    ref,
		stats:  stats,
		ident:  ident,
		clock:  clock,
		events: make(chan Event, 32),
	}
	e.off = ref.On(e.onRemote)
	return e
}

// Events yields domain events for the coordinator. Events are dropped,
// never blocked on, when the consumer lags.
func (e *Engine) Events() <-chan Event { return e.events }

// Last returns the most recently observed timer state.
func (e *Engine) Last() (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.haveState
}

// Failures returns how many system failures this peer has observed locally.
func (e *Engine) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Close cancels the store subscription and any pending recovery.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.recovery != nil {
		e.recovery.Stop()
		e.recovery = nil
	}
	off := e.off
	e.off = nil
	e.mu.Unlock()
	if off != nil {
		off()
	}
}

// Run drives the periodic tick and health check until the context is
// cancelled. Call in a goroutine; multiple peers running this concurrently
// is the normal operating mode, not a hazard.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Msg("timer engine started")
	tick := e.clock.NewTicker(tickInterval)
	health := e.clock.NewTicker(healthInterval)
	defer tick.Stop()
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("timer engine stopped")
			return
		case <-tick.Chan():
			e.Tick()
		case <-health.Chan():
			e.HealthCheck()
		}
	}
}

// Tick advances the countdown by one unit. Missing or corrupted state is
// replaced with the default rather than propagated; a record stale by more
// than the slack takes a single time_sync jump instead of a decrement.
// A concurrent tick from another peer can double-decrement or skip — that
// is tolerated and repaired by the next reconciliation, not locked away.
func (e *Engine) Tick() {
	st, ok := e.read()
	if !ok {
		log.Warn().Msg("timer state missing or corrupted, resetting to default")
		e.write(DefaultValue, ReasonTimerReset)
		return
	}

	res := clocksync.ReconcileElapsed(e.clock.Now(), st.LastUpdate, st.Value, TickUnit)
	if res.UnitsPassed > syncSlackUnits {
		log.Info().
			Int("value", st.Value).
			Int("adjusted", res.Value).
			Int("units_passed", res.UnitsPassed).
			Msg("collapsing missed ticks into time_sync jump")
		e.write(res.Value, ReasonTimeSync)
		return
	}

	if st.Value > 1 {
		e.write(st.Value-1, ReasonTimerTick)
		return
	}
	e.TriggerFailure()
}

// SubmitCode checks an operator's code entry. Only accepted inside the
// critical window; a wrong entry is logged and ignored with no penalty, so
// there is deliberately no error return.
func (e *Engine) SubmitCode(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	st, ok := e.read()
	if !ok {
		log.Warn().Msg("code entered but timer state is unreadable")
		return
	}
	if st.Value > CriticalMax {
		log.Warn().Int("value", st.Value).Msg("code entered outside critical window, ignoring")
		e.emit(Event{Kind: EventCodeRejected, State: st, Message: "code entry only accepted during the final minutes"})
		return
	}
	if code != ResetCode {
		log.Warn().Int("value", st.Value).Msg("incorrect code entered")
		e.emit(Event{Kind: EventCodeRejected, State: st, Message: "incorrect code"})
		return
	}

	e.mu.Lock()
	e.failureActive = false
	if e.recovery != nil {
		e.recovery.Stop()
		e.recovery = nil
	}
	e.mu.Unlock()

	e.write(DefaultValue, ReasonCodeCorrect)
	st.Value = DefaultValue
	st.Reason = ReasonCodeCorrect
	e.emit(Event{Kind: EventCodeAccepted, State: st})
	log.Info().Msg("correct code accepted, countdown reset")
}

// ManualReset restarts the countdown at an operator's explicit request,
// clearing any active failure the same way a correct code does.
func (e *Engine) ManualReset() {
	e.mu.Lock()
	e.failureActive = false
	if e.recovery != nil {
		e.recovery.Stop()
		e.recovery = nil
	}
	e.mu.Unlock()

	e.write(DefaultValue, ReasonManualReset)
	log.Info().Msg("countdown manually reset")
}

// TriggerFailure marks the countdown failed. Idempotent: while a failure is
// active, repeated triggers (our own next tick included) change nothing.
func (e *Engine) TriggerFailure() {
	e.mu.Lock()
	if e.failureActive {
		e.mu.Unlock()
		log.Debug().Msg("system failure already active, ignoring duplicate trigger")
		return
	}
	e.failureActive = true
	e.failures = e.failures + 1
	failures := e.failures
	e.recovery = e.clock.AfterFunc(RecoveryDelay, e.autoRecover)
	e.mu.Unlock()

	log.Error().Int("local_failures", failures).Msg("SYSTEM FAILURE")
	e.write(0, ReasonSystemFailure)
	e.bumpFailureCounter()
	e.emit(Event{Kind: EventFailure, State: State{Value: 0, Reason: ReasonSystemFailure}})
}

// autoRecover restarts the countdown after the failure delay unless a
// correct code already cleared the failure.
func (e *Engine) autoRecover() {
	e.mu.Lock()
	if !e.failureActive {
		e.mu.Unlock()
		return
	}
	e.failureActive = false
	e.recovery = nil
	e.mu.Unlock()

	log.Info().Msg("auto-recovery after system failure")
	e.write(DefaultValue, ReasonTimerReset)
	e.emit(Event{Kind: EventRecovered, State: State{Value: DefaultValue, Reason: ReasonTimerReset}})
}

// HealthCheck repairs stale or invalid shared state. This is the defense
// against a peer crashing mid-tick and leaving a record no one corrects.
func (e *Engine) HealthCheck() {
	st, ok := e.read()
	if !ok {
		log.Warn().Msg("health check found invalid timer state, resetting")
		e.write(DefaultValue, ReasonTimerReset)
		return
	}
	now := e.clock.Now()
	if now.Sub(st.LastUpdate) <= StaleAfter {
		return
	}
	res := clocksync.ReconcileElapsed(now, st.LastUpdate, st.Value, TickUnit)
	value := st.Value
	if res.Synced() {
		value = res.Value
	}
	log.Warn().
		Int("value", st.Value).
		Int("corrected", value).
		Dur("stale_for", now.Sub(st.LastUpdate)).
		Msg("health check forcing corrective timer write")
	e.write(value, ReasonHealthCheck)
}

// onRemote feeds store change notifications into the local cache.
func (e *Engine) onRemote(fields map[string]any, key string) {
	st, ok := normalize(fields)
	if !ok {
		return
	}
	e.mu.Lock()
	e.last = st
	e.haveState = true
	// A reset observed from any peer ends the failure; our own pending
	// auto-recovery would only repeat the write.
	if (st.Reason == ReasonCodeCorrect || st.Reason == ReasonTimerReset || st.Reason == ReasonManualReset) && e.failureActive {
		e.failureActive = false
		if e.recovery != nil {
			e.recovery.Stop()
			e.recovery = nil
		}
	}
	e.mu.Unlock()
	e.emit(Event{Kind: EventChanged, State: st})
}

func (e *Engine) read() (State, bool) {
	var fields map[string]any
	e.ref.Once(func(f map[string]any, key string) { fields = f })
	return normalize(fields)
}

func (e *Engine) write(value int, reason Reason) {
	by := identity.SystemAlias
	if id, ok := e.ident.Current(); ok {
		by = id.Alias
	}
	e.ref.Put(map[string]any{
		"value":      value,
		"lastUpdate": e.clock.Now().UnixMilli(),
		"updatedBy":  by,
		"reason":     string(reason),
	}, func(err error) {
		if err != nil {
			// Transient write failures self-correct on the next tick.
			log.Error().Err(err).Int("value", value).Str("reason", string(reason)).Msg("timer write failed")
		}
	})
}

// bumpFailureCounter advances the shared failure tally. Concurrent failures
// on different peers can collapse into one LWW increment; the counter is
// informational, not accounting.
func (e *Engine) bumpFailureCounter() {
	if e.stats == nil {
		return
	}
	count := 0
	e.stats.Once(func(fields map[string]any, key string) {
		if n, ok := store.Int(fields, "systemFailures"); ok {
			count = n
		}
	})
	e.stats.Put(map[string]any{
		"systemFailures": count + 1,
		"lastFailure":    e.clock.Now().UnixMilli(),
	})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("timer event dropped, consumer lagging")
	}
}

// normalize validates a raw timer payload. Anything outside the documented
// domain is treated as corruption and rebuilt from the default.
func normalize(fields map[string]any) (State, bool) {
	if fields == nil {
		return State{}, false
	}
	value, ok := store.Int(fields, "value")
	if !ok || value < 0 || value > DefaultValue {
		return State{}, false
	}
	last, ok := store.Time(fields, "lastUpdate")
	if !ok {
		return State{}, false
	}
	by, _ := store.Str(fields, "updatedBy")
	reason, _ := store.Str(fields, "reason")
	return State{Value: value, LastUpdate: last, UpdatedBy: by, Reason: Reason(reason)}, true
}
