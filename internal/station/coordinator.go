// Package station assembles the engines into one running peer and routes
// the cross-engine effects: completed tasks move the parameters, station
// incidents spawn emergency tasks, and timer activity feeds the shared
// stats record.
package station

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"swanstation/internal/params"
	"swanstation/internal/presence"
	"swanstation/internal/store"
	"swanstation/internal/task"
	"swanstation/internal/timer"
)

// Notifier receives user-facing station activity. Implementations must
// return quickly; the coordinator calls them from its event loop.
type Notifier interface {
	TimerChanged(state timer.State)
	SystemFailure(failures int)
	TaskActivity(t task.Task, kind task.EventKind)
	ParametersChanged(p params.Parameters)
	Incident(name string)
}

// NopNotifier discards all activity. Used headless and in tests.
type NopNotifier struct{}

func (NopNotifier) TimerChanged(timer.State)               {}
func (NopNotifier) SystemFailure(int)                      {}
func (NopNotifier) TaskActivity(task.Task, task.EventKind) {}
func (NopNotifier) ParametersChanged(params.Parameters)    {}
func (NopNotifier) Incident(string)                        {}

// Coordinator owns the per-peer engine set.
type Coordinator struct {
	Store  *store.Store
	Timer  *timer.Engine
	Tasks  *task.Engine
	Params *params.Engine
	Roster *presence.Roster

	notifier Notifier
}

// New wires the engines together. The task engine's success roll reads the
// live parameter snapshot from this moment on.
func New(s *store.Store, te *timer.Engine, ta *task.Engine, pe *params.Engine, roster *presence.Roster, n Notifier) *Coordinator {
	if n == nil {
		n = NopNotifier{}
	}
	ta.SetParameterSource(pe.Snapshot)
	return &Coordinator{
		Store:    s,
		Timer:    te,
		Tasks:    ta,
		Params:   pe,
		Roster:   roster,
		notifier: n,
	}
}

// Run starts replication, the engine loops, and the event router, then
// blocks until the context is cancelled and everything has wound down.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	start(c.Store.Run)
	start(c.Timer.Run)
	start(c.Tasks.Run)
	start(c.Params.Run)
	start(c.Roster.Run)
	start(c.route)

	<-ctx.Done()
	wg.Wait()
	c.Timer.Close()
	c.Tasks.Close()
	c.Params.Close()
	log.Info().Msg("station coordinator stopped")
}

// route is the cross-engine event loop.
func (c *Coordinator) route(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Timer.Events():
			c.onTimerEvent(ev)
		case ev := <-c.Tasks.Events():
			c.onTaskEvent(ev)
		case ev := <-c.Params.Events():
			c.onParamsEvent(ev)
		}
	}
}

func (c *Coordinator) onTimerEvent(ev timer.Event) {
	switch ev.Kind {
	case timer.EventChanged, timer.EventCodeAccepted, timer.EventRecovered:
		c.notifier.TimerChanged(ev.State)
	case timer.EventFailure:
		c.notifier.SystemFailure(c.Timer.Failures())
	}
}

func (c *Coordinator) onTaskEvent(ev task.Event) {
	if ev.Kind == task.EventCompleted {
		c.Params.ApplyTaskEffect(ev.Task.Name, ev.Task.Success)
	}
	c.notifier.TaskActivity(ev.Task, ev.Kind)
}

func (c *Coordinator) onParamsEvent(ev params.Event) {
	switch ev.Kind {
	case params.EventChanged:
		c.notifier.ParametersChanged(ev.State)
	case params.EventIncident:
		c.notifier.Incident(ev.Incident)
		if ev.SpawnEmergency {
			if _, err := c.Tasks.GenerateEmergency(ev.Incident, ev.Affected, true); err != nil && !errors.Is(err, task.ErrActiveCeiling) {
				log.Error().Err(err).Str("incident", ev.Incident).Msg("emergency task generation failed")
			}
		}
	}
}
