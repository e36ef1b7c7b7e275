// Package task manages the shared station work queue: weighted generation
// from a fixed catalog, single-operator assignment, timed execution, and a
// success roll shaped by difficulty and the live station parameters.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"swanstation/internal/identity"
	"swanstation/internal/params"
	"swanstation/internal/store"
)

var (
	ErrTaskNotFound      = errors.New("task: not found")
	ErrAlreadyAssigned   = errors.New("task: already assigned")
	ErrTaskLimitExceeded = errors.New("task: operator assignment limit reached")
	ErrActiveCeiling     = errors.New("task: active task ceiling reached")
	ErrNotAssigned       = errors.New("task: not assigned to this operator")
	ErrStillExecuting    = errors.New("task: execution window still open")
	ErrExpired           = errors.New("task: expired")
)

// Task is one unit of station work in the shared queue.
type Task struct {
	ID           string
	Name         string
	Type         Type
	Difficulty   int
	Description  string
	Targets      []string
	Status       Status
	CreatedAt    time.Time
	ExpiresAt    time.Time
	AssignedTo   string
	AssignedAt   time.Time
	ExecutionEnd time.Time
	CompletedAt  time.Time
	Success      bool
	// Trigger names the station incident that spawned an emergency task.
	Trigger string
	// Forced marks a task that entered the queue past the active ceiling.
	Forced bool
	// Parameters carries the randomized target readings rolled at
	// generation time, one per target parameter. The completion roll
	// scores the live values against these instead of the generic
	// comfort bands when present.
	Parameters map[string]float64
}

// Weights drive the random type selection during generation.
type Weights struct {
	Emergency   int
	Critical    int
	Maintenance int
}

// Config tunes the engine.
type Config struct {
	// ActiveCeiling caps the number of non-terminal tasks in the queue.
	ActiveCeiling int
	// OperatorLimit caps concurrent assignments per operator.
	OperatorLimit int
	// ExecutionUnit is the work time per difficulty point.
	ExecutionUnit time.Duration
	// SweepInterval paces the expiry and dedup sweep.
	SweepInterval time.Duration
	// GenerateInterval paces autonomous task generation.
	GenerateInterval time.Duration
	Weights          Weights
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		ActiveCeiling:    3,
		OperatorLimit:    3,
		ExecutionUnit:    30 * time.Second,
		SweepInterval:    30 * time.Second,
		GenerateInterval: 2 * time.Minute,
		Weights:          Weights{Emergency: 20, Critical: 40, Maintenance: 40},
	}
}

// EventKind tags task domain events.
type EventKind string

const (
	EventCreated   EventKind = "task_created"
	EventAssigned  EventKind = "task_assigned"
	EventCompleted EventKind = "task_completed"
	EventExpired   EventKind = "task_expired"
)

// Event is published on the engine's event channel for the coordinator.
type Event struct {
	Kind EventKind
	Task Task
}

// successRollTolerance widens a target's comfort band, as a fraction of
// the parameter's full range, when scoring the completion bonus.
const successRollTolerance = 0.15

// Success probability shape: start near certain, lose 10% per difficulty
// point, jitter by up to 10% either way, gain 10% per target parameter
// near its comfort band, then pin to [10%, 95%] so no task is ever a
// guaranteed outcome in either direction.
const (
	successPerDifficulty = 0.1
	successJitter        = 0.1
	successPerTarget     = 0.1
	successFloor         = 0.1
	successCap           = 0.95
)

// Engine owns this peer's view of the shared task queue.
type Engine struct {
	tasks   *store.Ref
	history *store.Ref
	ident   identity.Provider
	clock   clockwork.Clock
	rng     *rand.Rand
	cfg     Config

	events chan Event

	// paramSource reads the live station parameters for the success roll.
	// Nil means no bonus.
	paramSource func() map[string]float64

	mu    sync.Mutex
	cache map[string]Task
	off   func()
}

// New binds the engine to the shared task collection and subscribes to it.
func New(tasks, history *store.Ref, ident identity.Provider, clock clockwork.Clock, rng *rand.Rand, cfg Config) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	e := &Engine{
		tasks:   tasks,
		history: history,
		ident:   ident,
		clock:   clock,
		rng:     rng,
		cfg:     cfg,
		events:  make(chan Event, 32),
		cache:   make(map[string]Task),
	}
	e.off = tasks.Map().On(e.onRecord)
	return e
}

// Events yields domain events for the coordinator.
func (e *Engine) Events() <-chan Event { return e.events }

// SetParameterSource wires the live parameter snapshot into the success
// roll. Call before Run.
func (e *Engine) SetParameterSource(src func() map[string]float64) {
	e.paramSource = src
}

// Close cancels the store subscription.
func (e *Engine) Close() {
	if e.off != nil {
		e.off()
		e.off = nil
	}
}

// Run drives autonomous generation and the expiry sweep until the context
// is cancelled. Call in a goroutine.
func (e *Engine) Run(ctx context.Context) {
	log.Info().Msg("task engine started")
	sweep := e.clock.NewTicker(e.cfg.SweepInterval)
	generate := e.clock.NewTicker(e.cfg.GenerateInterval)
	defer sweep.Stop()
	defer generate.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("task engine stopped")
			return
		case <-sweep.Chan():
			e.Sweep()
		case <-generate.Chan():
			if _, err := e.Generate(); err != nil && !errors.Is(err, ErrActiveCeiling) {
				log.Error().Err(err).Msg("task generation failed")
			}
		}
	}
}

// List returns the non-terminal tasks, newest first.
func (e *Engine) List() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Task
	for _, t := range e.cache {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Lookup returns one task from the local cache.
func (e *Engine) Lookup(id string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.cache[id]
	return t, ok
}

// Generate draws a random catalog entry by type weight and publishes it.
// Fails with ErrActiveCeiling when the queue is full.
func (e *Engine) Generate() (Task, error) {
	entry := e.pickEntry()
	return e.spawn(entry, "", false)
}

// GenerateEmergency publishes an emergency task, preferring the catalog
// entry whose targets intersect the parameters the incident moved and
// falling back to a random emergency otherwise. forced bypasses the
// active ceiling: an emergency always enters the queue.
func (e *Engine) GenerateEmergency(trigger string, affected []string, forced bool) (Task, error) {
	entries := entriesOf(TypeEmergency)
	entry := entries[e.rng.Intn(len(entries))]
	for _, cand := range entries {
		if intersects(cand.Targets, affected) {
			entry = cand
			break
		}
	}
	return e.spawn(entry, trigger, forced)
}

func (e *Engine) spawn(entry CatalogEntry, trigger string, forced bool) (Task, error) {
	if !forced && e.activeCount() >= e.cfg.ActiveCeiling {
		return Task{}, ErrActiveCeiling
	}
	// Record timestamps round-trip at millisecond granularity; truncating
	// here keeps the cached copy identical to its replicated echo.
	now := e.clock.Now().Truncate(time.Millisecond)
	t := Task{
		ID:          uuid.New().String(),
		Name:        entry.Name,
		Type:        entry.Type,
		Difficulty:  entry.Difficulty,
		Description: entry.Description,
		Targets:     entry.Targets,
		Status:      StatusAvailable,
		CreatedAt:   now,
		ExpiresAt:   now.Add(entry.Expiry),
		Trigger:     trigger,
		Forced:      forced,
		Parameters:  e.rollParameters(entry),
	}
	e.put(t)
	log.Info().Str("task", t.Name).Str("type", string(t.Type)).Str("id", t.ID).Msg("task generated")
	e.emit(Event{Kind: EventCreated, Task: t})
	return t, nil
}

// Accept assigns an available task to the current operator. The execution
// window opens immediately: difficulty times the execution unit must pass
// before Complete succeeds.
func (e *Engine) Accept(id string) (Task, error) {
	id0, ok := e.ident.Current()
	if !ok {
		return Task{}, identity.ErrNotAuthenticated
	}
	e.mu.Lock()
	t, ok := e.cache[id]
	if !ok {
		e.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	now := e.clock.Now().Truncate(time.Millisecond)
	switch {
	case t.Status.Terminal() || now.After(t.ExpiresAt):
		e.mu.Unlock()
		return Task{}, ErrExpired
	case t.Status == StatusAssigned:
		e.mu.Unlock()
		return Task{}, ErrAlreadyAssigned
	}
	assigned := 0
	for _, other := range e.cache {
		if other.Status == StatusAssigned && other.AssignedTo == id0.Alias {
			assigned++
		}
	}
	e.mu.Unlock()
	if assigned >= e.cfg.OperatorLimit {
		return Task{}, ErrTaskLimitExceeded
	}

	t.Status = StatusAssigned
	t.AssignedTo = id0.Alias
	t.AssignedAt = now
	t.ExecutionEnd = now.Add(time.Duration(t.Difficulty) * e.cfg.ExecutionUnit)
	e.put(t)
	log.Info().Str("task", t.Name).Str("operator", id0.Alias).Time("executionEnd", t.ExecutionEnd).Msg("task accepted")
	e.emit(Event{Kind: EventAssigned, Task: t})
	return t, nil
}

// Complete closes out a task the current operator holds. Fails with
// ErrStillExecuting before the execution window has elapsed; a completion
// attempt past the deadline fails with ErrExpired and marks the task
// expired immediately instead of waiting for the sweep. The outcome is a
// probability roll, improved when the task's target parameters sit near
// their rolled readings.
func (e *Engine) Complete(id string) (Task, error) {
	id0, ok := e.ident.Current()
	if !ok {
		return Task{}, identity.ErrNotAuthenticated
	}
	e.mu.Lock()
	t, found := e.cache[id]
	e.mu.Unlock()
	if !found {
		return Task{}, ErrTaskNotFound
	}
	now := e.clock.Now().Truncate(time.Millisecond)
	switch {
	case t.Status.Terminal():
		return Task{}, ErrExpired
	case t.Status != StatusAssigned || t.AssignedTo != id0.Alias:
		return Task{}, ErrNotAssigned
	case now.After(t.ExpiresAt):
		// A completion attempt past the deadline closes the task out on
		// the spot rather than leaving it for the next sweep.
		t.Status = StatusExpired
		e.put(t)
		e.archive(t)
		log.Info().Str("task", t.Name).Str("operator", id0.Alias).Msg("completion attempted past deadline, task expired")
		e.emit(Event{Kind: EventExpired, Task: t})
		return Task{}, ErrExpired
	case now.Before(t.ExecutionEnd):
		return Task{}, ErrStillExecuting
	}

	t.Status = StatusCompleted
	t.CompletedAt = now
	t.Success = e.rollSuccess(t)
	e.put(t)
	e.archive(t)
	log.Info().Str("task", t.Name).Str("operator", id0.Alias).Bool("success", t.Success).Msg("task completed")
	e.emit(Event{Kind: EventCompleted, Task: t})
	return t, nil
}

// Sweep expires overdue tasks and collapses duplicates that concurrent
// generation on multiple peers can produce. Duplicates share name, type,
// and creation instant; the survivor is the one with the smallest ID so
// every peer picks the same winner.
func (e *Engine) Sweep() {
	now := e.clock.Now()
	e.mu.Lock()
	var overdue []Task
	best := make(map[string]Task)
	var losers []Task
	for _, t := range e.cache {
		if t.Status.Terminal() {
			continue
		}
		if now.After(t.ExpiresAt) {
			overdue = append(overdue, t)
			continue
		}
		key := t.Name + "|" + string(t.Type) + "|" + t.CreatedAt.UTC().Format(time.RFC3339Nano)
		if cur, ok := best[key]; !ok {
			best[key] = t
		} else if t.ID < cur.ID {
			losers = append(losers, cur)
			best[key] = t
		} else {
			losers = append(losers, t)
		}
	}
	e.mu.Unlock()

	for _, t := range overdue {
		t.Status = StatusExpired
		e.put(t)
		e.archive(t)
		log.Info().Str("task", t.Name).Str("id", t.ID).Msg("task expired")
		e.emit(Event{Kind: EventExpired, Task: t})
	}
	for _, t := range losers {
		t.Status = StatusExpired
		e.put(t)
		e.archive(t)
		log.Info().Str("task", t.Name).Str("id", t.ID).Msg("duplicate task collapsed")
	}
}

// rollSuccess draws the completion outcome.
func (e *Engine) rollSuccess(t Task) bool {
	p := 1 - float64(t.Difficulty)*successPerDifficulty
	p += (e.rng.Float64()*2 - 1) * successJitter
	if e.paramSource != nil {
		values := e.paramSource()
		for _, target := range t.Targets {
			if targetMatched(t, target, values[target]) {
				p += successPerTarget
			}
		}
	}
	if p < successFloor {
		p = successFloor
	}
	if p > successCap {
		p = successCap
	}
	return e.rng.Float64() < p
}

// targetMatched scores one target parameter: against the task's rolled
// reading when it carries one, otherwise against the generic comfort band.
func targetMatched(t Task, target string, current float64) bool {
	full, ok := params.RangeOf(target)
	if !ok {
		return false
	}
	tol := full.Width() * successRollTolerance
	if desired, ok := t.Parameters[target]; ok {
		return current >= desired-tol && current <= desired+tol
	}
	band, ok := params.OptimalBandOf(target)
	if !ok {
		return false
	}
	return current >= band.Min-tol && current <= band.Max+tol
}

// rollParameters draws one desired reading per target, inside the
// parameter's comfort band.
func (e *Engine) rollParameters(entry CatalogEntry) map[string]float64 {
	if len(entry.Targets) == 0 {
		return nil
	}
	out := make(map[string]float64, len(entry.Targets))
	for _, name := range entry.Targets {
		band, ok := params.OptimalBandOf(name)
		if !ok {
			continue
		}
		out[name] = band.Min + e.rng.Float64()*band.Width()
	}
	return out
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.cache {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// put writes a task record and refreshes the local cache so back-to-back
// operations see the new state even before the subscription fires.
func (e *Engine) put(t Task) {
	e.mu.Lock()
	e.cache[t.ID] = t
	e.mu.Unlock()
	e.tasks.Child(t.ID).Put(fieldsOf(t), func(err error) {
		if err != nil {
			log.Error().Err(err).Str("id", t.ID).Msg("task write failed")
		}
	})
}

// archive copies a terminal task into the history collection. The queue
// record itself stays in place; terminal status keeps it out of every
// operational path.
func (e *Engine) archive(t Task) {
	e.history.Child(t.ID).Put(fieldsOf(t))
}

// onRecord absorbs queue changes from the store. Three guards live here:
// a task this peer saw reach a terminal status stays terminal even when a
// stale or conflicting write tries to revive it; an update that would
// clobber a fresher local claim by this operator is discarded; and
// malformed records never enter the cache.
func (e *Engine) onRecord(fields map[string]any, key string) {
	t, ok := normalize(fields, key)
	if !ok {
		log.Warn().Str("id", key).Msg("malformed task record ignored")
		return
	}
	e.mu.Lock()
	prev, seen := e.cache[t.ID]
	if seen && prev.Status.Terminal() && !t.Status.Terminal() {
		e.mu.Unlock()
		log.Warn().Str("id", t.ID).Str("status", string(t.Status)).Msg("revival of terminal task rejected")
		e.tasks.Child(t.ID).Put(map[string]any{"status": string(prev.Status)})
		return
	}
	if seen && e.clobbersLocalClaim(prev, t) {
		e.mu.Unlock()
		log.Warn().Str("id", t.ID).Msg("stale remote update would clobber local claim, discarding")
		return
	}
	e.cache[t.ID] = t
	e.mu.Unlock()
}

// clobbersLocalClaim reports whether an incoming update would overwrite a
// claim this operator holds with something older. Two peers accepting the
// same task inside one sync interval can still both believe they hold it;
// that race is tolerated, not prevented.
func (e *Engine) clobbersLocalClaim(prev, incoming Task) bool {
	id0, ok := e.ident.Current()
	if !ok || prev.Status != StatusAssigned || prev.AssignedTo != id0.Alias {
		return false
	}
	if incoming.Status.Terminal() {
		return false
	}
	if incoming.Status == StatusAvailable || incoming.AssignedTo == "" {
		return true
	}
	return incoming.AssignedAt.Before(prev.AssignedAt)
}

func (e *Engine) pickEntry() CatalogEntry {
	w := e.cfg.Weights
	total := w.Emergency + w.Critical + w.Maintenance
	roll := e.rng.Intn(total)
	var typ Type
	switch {
	case roll < w.Emergency:
		typ = TypeEmergency
	case roll < w.Emergency+w.Critical:
		typ = TypeCritical
	default:
		typ = TypeMaintenance
	}
	entries := entriesOf(typ)
	return entries[e.rng.Intn(len(entries))]
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("task event dropped, consumer lagging")
	}
}

func fieldsOf(t Task) map[string]any {
	fields := map[string]any{
		"name":         t.Name,
		"type":         string(t.Type),
		"difficulty":   t.Difficulty,
		"description":  t.Description,
		"targets":      strings.Join(t.Targets, ","),
		"status":       string(t.Status),
		"createdAt":    store.MS(t.CreatedAt),
		"expiresAt":    store.MS(t.ExpiresAt),
		"assignedTo":   t.AssignedTo,
		"assignedAt":   store.MS(t.AssignedAt),
		"executionEnd": store.MS(t.ExecutionEnd),
		"completedAt":  store.MS(t.CompletedAt),
		"success":      t.Success,
		"trigger":      t.Trigger,
		"forced":       t.Forced,
	}
	if len(t.Parameters) > 0 {
		if b, err := json.Marshal(t.Parameters); err == nil {
			fields["parameters"] = string(b)
		}
	}
	return fields
}

// normalize validates a raw task record at the replication boundary.
func normalize(fields map[string]any, key string) (Task, bool) {
	name, ok := store.Str(fields, "name")
	if !ok || name == "" {
		return Task{}, false
	}
	typ, ok := store.Str(fields, "type")
	if !ok {
		return Task{}, false
	}
	status, ok := store.Str(fields, "status")
	if !ok {
		return Task{}, false
	}
	switch Status(status) {
	case StatusAvailable, StatusAssigned, StatusCompleted, StatusExpired:
	default:
		return Task{}, false
	}
	difficulty, ok := store.Int(fields, "difficulty")
	if !ok || difficulty < 1 {
		return Task{}, false
	}
	created, ok := store.Time(fields, "createdAt")
	if !ok {
		return Task{}, false
	}
	expires, ok := store.Time(fields, "expiresAt")
	if !ok {
		return Task{}, false
	}

	t := Task{
		ID:         key,
		Name:       name,
		Type:       Type(typ),
		Difficulty: difficulty,
		Status:     Status(status),
		CreatedAt:  created,
		ExpiresAt:  expires,
	}
	t.Description, _ = store.Str(fields, "description")
	t.Trigger, _ = store.Str(fields, "trigger")
	if raw, ok := store.Str(fields, "targets"); ok && raw != "" {
		t.Targets = strings.Split(raw, ",")
	}
	t.AssignedTo, _ = store.Str(fields, "assignedTo")
	t.AssignedAt, _ = store.Time(fields, "assignedAt")
	t.ExecutionEnd, _ = store.Time(fields, "executionEnd")
	t.CompletedAt, _ = store.Time(fields, "completedAt")
	t.Success, _ = store.Bool(fields, "success")
	t.Forced, _ = store.Bool(fields, "forced")
	if raw, ok := store.Str(fields, "parameters"); ok && raw != "" {
		// A garbled parameter map only costs the completion bonus.
		if err := json.Unmarshal([]byte(raw), &t.Parameters); err != nil {
			t.Parameters = nil
		}
	}
	return t, true
}
