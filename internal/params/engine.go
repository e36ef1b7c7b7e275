// Package params simulates the six interdependent station parameters.
// Values drift continuously, bleed into each other through a shallow
// influence table, take hits from random incidents and task outcomes, and
// are clamped to their physical ranges on every write path — display-time
// clamping is not enough when every peer replicates the record.
package params

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"swanstation/internal/store"
)

// Parameters is the strongly-typed view of the shared record.
type Parameters struct {
	Values     map[string]float64
	LastUpdate time.Time
	LastEvent  string
}

// Defaults returns a nominal station: everything inside its comfort band.
func Defaults() map[string]float64 {
	return map[string]float64{
		PowerLevel:     80,
		OxygenLevel:    95,
		Temperature:    21,
		RadiationLevel: 0.1,
		Pressure:       1013,
		Humidity:       45,
	}
}

// EventKind tags parameter domain events.
type EventKind string

const (
	EventChanged  EventKind = "parameters_changed"
	EventIncident EventKind = "station_incident"
)

// Event is published on the engine's event channel for the coordinator.
type Event struct {
	Kind EventKind
	// State carries the parameters after the change.
	State Parameters
	// Incident names the random event for EventIncident.
	Incident string
	// Affected lists the parameters the incident moved, so the emergency
	// task spawned for it can target the right one.
	Affected []string
	// SpawnEmergency asks the coordinator to generate an emergency task
	// tagged with the incident name.
	SpawnEmergency bool
}

// Engine drives this peer's share of the simulation.
type Engine struct {
	ref   *store.Ref
	clock clockwork.Clock
	rng   *rand.Rand

	events chan Event

	mu      sync.Mutex
	current Parameters
	off     func()
}

// New binds the engine to the shared parameters record and subscribes.
func New(ref *store.Ref, clock clockwork.Clock, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	e := &Engine{
		ref:    ref,
		clock:  clock,
		rng:    rng,
		events: make(chan Event, 32),
	}
	e.off = ref.On(e.onRemote)
	return e
}

// Events yields domain events for the coordinator.
func (e *Engine) Events() <-chan Event { return e.events }

// Close cancels the store subscription.
func (e *Engine) Close() {
	if e.off != nil {
		e.off()
		e.off = nil
	}
}

// Run drives drift and incident rolls until the context is cancelled.
// Call in a goroutine.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Msg("parameter engine started")
	drift := e.clock.NewTicker(driftInterval)
	incidents := e.clock.NewTicker(eventInterval)
	defer drift.Stop()
	defer incidents.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("parameter engine stopped")
			return
		case <-drift.Chan():
			e.Drift()
		case <-incidents.Chan():
			e.RollIncident()
		}
	}
}

// Snapshot returns the latest known parameter values. Used by the task
// engine to score target-parameter conditions.
func (e *Engine) Snapshot() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.current.Values))
	for k, v := range e.current.Values {
		out[k] = v
	}
	return out
}

// Drift applies one zero-mean perturbation per parameter, propagates the
// interdependency table once, clamps, and persists.
func (e *Engine) Drift() {
	values := e.read()
	for name, mag := range driftMagnitudes {
		values[name] += (e.rng.Float64()*2 - 1) * mag
	}
	applyInterdependencies(values)
	clamp(values)
	e.write(values, "")
}

// RollIncident fires a random station incident with the documented
// probability. Exposed separately from Run so tests can force a roll.
func (e *Engine) RollIncident() {
	if e.rng.Float64() >= eventChance {
		return
	}
	ev := randomEvents[e.rng.Intn(len(randomEvents))]
	e.ApplyIncident(ev)
}

// ApplyIncident adds the incident's effect vector, clamps, persists, and
// asks the coordinator (with a secondary probability) to spawn an
// emergency task tagged with the incident name.
func (e *Engine) ApplyIncident(ev RandomEvent) {
	values := e.read()
	affected := make([]string, 0, len(ev.Effect))
	for name, delta := range ev.Effect {
		values[name] += delta
		affected = append(affected, name)
	}
	sort.Strings(affected)
	clamp(values)
	e.write(values, ev.Name)

	spawn := e.rng.Float64() < emergencyChance
	log.Warn().Str("incident", ev.Name).Bool("spawn_emergency", spawn).Msg("station incident")
	e.emit(Event{
		Kind:           EventIncident,
		State:          e.snapshotState(values, ev.Name),
		Incident:       ev.Name,
		Affected:       affected,
		SpawnEmergency: spawn,
	})
}

// ApplyTaskEffect adds the outcome vector for a named task, clamps, and
// persists. Unknown task names are a no-op.
func (e *Engine) ApplyTaskEffect(taskName string, success bool) {
	outcomes, ok := taskEffects[taskName]
	if !ok {
		return
	}
	effect := outcomes[success]
	if len(effect) == 0 {
		return
	}
	values := e.read()
	for name, delta := range effect {
		values[name] += delta
	}
	clamp(values)
	e.write(values, "")
	log.Info().Str("task", taskName).Bool("success", success).Msg("task effect applied to station parameters")
}

// BalanceBonus scores the current values against the comfort bands:
// +1 per parameter in band, plus exactly one extra tier — +3 when all six
// are in band, +1 when at least four are.
func (e *Engine) BalanceBonus() int {
	values := e.read()
	inBand := 0
	for name, band := range optimalBands {
		if band.Contains(values[name]) {
			inBand++
		}
	}
	bonus := inBand * bonusPerParameter
	switch {
	case inBand == len(optimalBands):
		bonus += bonusAllInBand
	case inBand >= mostInBandCount:
		bonus += bonusMostInBand
	}
	return bonus
}

// onRemote feeds store change notifications into the local cache.
func (e *Engine) onRemote(fields map[string]any, key string) {
	p, ok := normalize(fields)
	if !ok {
		return
	}
	e.mu.Lock()
	e.current = p
	e.mu.Unlock()
	e.emit(Event{Kind: EventChanged, State: p})
}

// read returns the current shared values, or defaults when the record is
// missing or corrupted — corruption is overwritten, never propagated.
func (e *Engine) read() map[string]float64 {
	var fields map[string]any
	e.ref.Once(func(f map[string]any, key string) { fields = f })
	p, ok := normalize(fields)
	if !ok {
		return Defaults()
	}
	return p.Values
}

func (e *Engine) write(values map[string]float64, lastEvent string) {
	fields := make(map[string]any, len(values)+2)
	for name, v := range values {
		fields[name] = v
	}
	fields["lastUpdate"] = e.clock.Now().UnixMilli()
	if lastEvent != "" {
		fields["lastEvent"] = lastEvent
	}
	e.ref.Put(fields, func(err error) {
		if err != nil {
			log.Error().Err(err).Msg("parameter write failed")
		}
	})
}

func (e *Engine) snapshotState(values map[string]float64, lastEvent string) Parameters {
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Parameters{Values: copied, LastUpdate: e.clock.Now(), LastEvent: lastEvent}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("parameter event dropped, consumer lagging")
	}
}

// applyInterdependencies propagates one layer of the influence table.
// Deltas are computed against a pre-pass snapshot so ordering within the
// table cannot compound effects.
func applyInterdependencies(values map[string]float64) {
	deltas := make(map[string]float64)
	for source, row := range influences {
		sourceValue := values[source]
		for target, coef := range row {
			deltas[target] += coef * sourceValue * 0.01
		}
	}
	for target, d := range deltas {
		values[target] += d
	}
}

// clamp pins every parameter to its physical range.
func clamp(values map[string]float64) {
	for name, r := range clamps {
		v := values[name]
		if v < r.Min {
			v = r.Min
		}
		if v > r.Max {
			v = r.Max
		}
		values[name] = v
	}
}

// normalize validates a raw parameters payload. All six fields must be
// present and numeric.
func normalize(fields map[string]any) (Parameters, bool) {
	if fields == nil {
		return Parameters{}, false
	}
	values := make(map[string]float64, len(Names))
	for _, name := range Names {
		v, ok := store.Num(fields, name)
		if !ok {
			return Parameters{}, false
		}
		values[name] = v
	}
	clamp(values)
	last, _ := store.Time(fields, "lastUpdate")
	event, _ := store.Str(fields, "lastEvent")
	return Parameters{Values: values, LastUpdate: last, LastEvent: event}, true
}
