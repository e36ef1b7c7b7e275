package station

import (
	"math/rand"
	"testing"

	"github.com/jonboulle/clockwork"

	"swanstation/internal/identity"
	"swanstation/internal/params"
	"swanstation/internal/presence"
	"swanstation/internal/store"
	"swanstation/internal/task"
	"swanstation/internal/timer"
)

func newCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s, err := store.New(store.Config{NodeID: "node-a", Clock: clock})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	ident := identity.NewLocal()
	ident.Authenticate("hurley", "numbers")
	rng := rand.New(rand.NewSource(1))

	te := timer.New(s.Get("station/timer"), s.Get("station/stats"), ident, clock)
	ta := task.New(s.Get("station/tasks"), s.Get("station/taskHistory"), ident, clock, rng, task.DefaultConfig())
	pe := params.New(s.Get("station/parameters"), clock, rng)
	roster := presence.NewRoster(s.Get("station/operators"), ident, clock)
	t.Cleanup(func() {
		te.Close()
		ta.Close()
		pe.Close()
	})
	return New(s, te, ta, pe, roster, nil), s
}

func paramValue(t *testing.T, s *store.Store, name string) float64 {
	t.Helper()
	var v float64
	var ok bool
	s.Get("station/parameters").Once(func(fields map[string]any, key string) {
		v, ok = store.Num(fields, name)
	})
	if !ok {
		t.Fatalf("parameter %s unreadable", name)
	}
	return v
}

func TestCompletedTaskMovesParameters(t *testing.T) {
	c, s := newCoordinator(t)
	seed := params.Defaults()
	fields := make(map[string]any, len(seed))
	for k, v := range seed {
		fields[k] = v
	}
	s.Get("station/parameters").Put(fields)

	c.onTaskEvent(task.Event{
		Kind: task.EventCompleted,
		Task: task.Task{Name: "Backup Battery Check", Success: true},
	})

	if got := paramValue(t, s, params.PowerLevel); got != 86 {
		t.Errorf("power = %v after successful battery check, want 80 + 6", got)
	}
}

func TestIncidentSpawnsEmergencyTask(t *testing.T) {
	c, _ := newCoordinator(t)

	c.onParamsEvent(params.Event{
		Kind:           params.EventIncident,
		Incident:       "hull_microfracture",
		Affected:       []string{"oxygenLevel", "pressure"},
		SpawnEmergency: true,
	})

	var found bool
	for _, tk := range c.Tasks.List() {
		if tk.Type == task.TypeEmergency && tk.Trigger == "hull_microfracture" {
			found = true
			if tk.Name != "Hull Breach Seal" {
				t.Errorf("task = %q, want the entry targeting the breached parameter", tk.Name)
			}
		}
	}
	if !found {
		t.Error("incident did not spawn an emergency task")
	}
}

func TestIncidentWithoutSpawnLeavesQueueAlone(t *testing.T) {
	c, _ := newCoordinator(t)

	c.onParamsEvent(params.Event{
		Kind:     params.EventIncident,
		Incident: "power_surge",
	})

	if n := len(c.Tasks.List()); n != 0 {
		t.Errorf("queue has %d tasks after non-spawning incident, want 0", n)
	}
}
