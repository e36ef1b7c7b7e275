package task

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"swanstation/internal/identity"
	"swanstation/internal/store"
)

type fixture struct {
	engine *Engine
	store  *store.Store
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s, err := store.New(store.Config{NodeID: "node-a", Clock: clock})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	ident := identity.NewLocal()
	ident.Authenticate("sawyer", "sassafras")
	e := New(s.Get("station/tasks"), s.Get("station/taskHistory"), ident, clock, rand.New(rand.NewSource(1)), DefaultConfig())
	t.Cleanup(e.Close)
	return &fixture{engine: e, store: s, clock: clock}
}

// seed injects a task record straight through the store, the way a remote
// peer's write arrives.
func (f *fixture) seed(id string, mutate func(fields map[string]any)) {
	fields := map[string]any{
		"name":       "Power Grid Rebalance",
		"type":       string(TypeCritical),
		"difficulty": 5,
		"status":     string(StatusAvailable),
		"createdAt":  f.clock.Now().UnixMilli(),
		"expiresAt":  f.clock.Now().Add(8 * time.Minute).UnixMilli(),
	}
	if mutate != nil {
		mutate(fields)
	}
	f.store.Get("station/tasks").Child(id).Put(fields)
}

func (f *fixture) status(t *testing.T, id string) Status {
	t.Helper()
	task, ok := f.engine.Lookup(id)
	if !ok {
		t.Fatalf("task %s not in cache", id)
	}
	return task.Status
}

func TestCompleteBeforeExecutionWindowCloses(t *testing.T) {
	f := newFixture(t)
	f.seed("t1", nil)
	if _, err := f.engine.Accept("t1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Difficulty 5 at 30s per point keeps the window open for 150s.
	f.clock.Advance(10 * time.Second)
	if _, err := f.engine.Complete("t1"); !errors.Is(err, ErrStillExecuting) {
		t.Fatalf("Complete at +10s: %v, want ErrStillExecuting", err)
	}

	f.clock.Advance(150 * time.Second)
	task, err := f.engine.Complete("t1")
	if err != nil {
		t.Fatalf("Complete after window: %v", err)
	}
	if task.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", task.Status)
	}

	// Terminal tasks are archived to history under the same ID.
	var archived bool
	f.store.Get("station/taskHistory").Map().Once(func(fields map[string]any, key string) {
		if key == "t1" {
			archived = true
		}
	})
	if !archived {
		t.Error("completed task missing from history")
	}
}

func TestTerminalTaskNeverRevives(t *testing.T) {
	f := newFixture(t)
	f.seed("t1", nil)
	f.engine.Accept("t1")
	f.clock.Advance(151 * time.Second)
	if _, err := f.engine.Complete("t1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// A conflicting write tries to flip the task back to available.
	f.seed("t1", func(fields map[string]any) {
		fields["status"] = string(StatusAvailable)
	})

	if st := f.status(t, "t1"); !st.Terminal() {
		t.Errorf("status = %q after revival attempt, want terminal", st)
	}
	if _, err := f.engine.Accept("t1"); !errors.Is(err, ErrExpired) {
		t.Errorf("Accept on revived task: %v, want ErrExpired", err)
	}
}

func TestRemotelyAssignedTaskCannotBeAccepted(t *testing.T) {
	f := newFixture(t)
	f.seed("t1", func(fields map[string]any) {
		fields["status"] = string(StatusAssigned)
		fields["assignedTo"] = "jack"
		fields["assignedAt"] = f.clock.Now().UnixMilli()
	})

	if _, err := f.engine.Accept("t1"); !errors.Is(err, ErrAlreadyAssigned) {
		t.Errorf("Accept: %v, want ErrAlreadyAssigned", err)
	}
}

func TestStaleRemoteUpdateCannotClobberLocalClaim(t *testing.T) {
	f := newFixture(t)
	f.seed("t1", nil)
	f.clock.Advance(time.Second)
	if _, err := f.engine.Accept("t1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// A replica that has not yet seen the claim echoes the unassigned state.
	f.seed("t1", func(fields map[string]any) {
		fields["status"] = string(StatusAvailable)
	})

	task, ok := f.engine.Lookup("t1")
	if !ok {
		t.Fatal("task missing from cache")
	}
	if task.Status != StatusAssigned || task.AssignedTo != "sawyer" {
		t.Errorf("task = %+v, want local claim preserved", task)
	}
}

func TestCompleteRequiresAssignment(t *testing.T) {
	f := newFixture(t)
	f.seed("t1", nil)

	if _, err := f.engine.Complete("t1"); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("Complete unassigned: %v, want ErrNotAssigned", err)
	}

	f.seed("t2", func(fields map[string]any) {
		fields["status"] = string(StatusAssigned)
		fields["assignedTo"] = "kate"
		fields["executionEnd"] = f.clock.Now().UnixMilli()
	})
	if _, err := f.engine.Complete("t2"); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("Complete another operator's task: %v, want ErrNotAssigned", err)
	}
}

func TestCompleteAfterDeadlineFails(t *testing.T) {
	f := newFixture(t)
	f.seed("t1", nil)
	f.engine.Accept("t1")

	f.clock.Advance(9 * time.Minute) // past the 8 minute expiry
	if _, err := f.engine.Complete("t1"); !errors.Is(err, ErrExpired) {
		t.Errorf("Complete after expiry: %v, want ErrExpired", err)
	}

	// The late attempt closes the task out immediately, no sweep needed.
	if st := f.status(t, "t1"); st != StatusExpired {
		t.Errorf("status = %q after late Complete, want expired", st)
	}
	var archived bool
	f.store.Get("station/taskHistory").Map().Once(func(fields map[string]any, key string) {
		if key == "t1" {
			archived = true
		}
	})
	if !archived {
		t.Error("late-completed task missing from history")
	}
}

func TestActiveCeilingBlocksGeneration(t *testing.T) {
	f := newFixture(t)
	f.seed("t1", nil)
	f.seed("t2", nil)
	f.seed("t3", nil)

	if _, err := f.engine.Generate(); !errors.Is(err, ErrActiveCeiling) {
		t.Fatalf("Generate at ceiling: %v, want ErrActiveCeiling", err)
	}

	// Emergencies are forced through the ceiling.
	task, err := f.engine.GenerateEmergency("radiation_leak", nil, true)
	if err != nil {
		t.Fatalf("GenerateEmergency: %v", err)
	}
	if task.Type != TypeEmergency {
		t.Errorf("type = %q, want EMERGENCY", task.Type)
	}
	if task.Trigger != "radiation_leak" {
		t.Errorf("trigger = %q, want the incident name", task.Trigger)
	}
}

func TestOperatorAssignmentLimit(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		f.seed(id, nil)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := f.engine.Accept(id); err != nil {
			t.Fatalf("Accept %s: %v", id, err)
		}
	}

	if _, err := f.engine.Accept("t4"); !errors.Is(err, ErrTaskLimitExceeded) {
		t.Errorf("fourth Accept: %v, want ErrTaskLimitExceeded", err)
	}
}

func TestSweepExpiresOverdueTasks(t *testing.T) {
	f := newFixture(t)
	f.seed("t1", nil)

	f.clock.Advance(9 * time.Minute)
	f.engine.Sweep()

	if st := f.status(t, "t1"); st != StatusExpired {
		t.Errorf("status = %q after sweep, want expired", st)
	}
	var archived bool
	f.store.Get("station/taskHistory").Map().Once(func(fields map[string]any, key string) {
		if key == "t1" {
			archived = true
		}
	})
	if !archived {
		t.Error("expired task missing from history")
	}
}

func TestSweepCollapsesConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	// Two peers generated the same task at the same instant.
	f.seed("bbb", nil)
	f.seed("aaa", nil)

	f.engine.Sweep()

	if st := f.status(t, "aaa"); st != StatusAvailable {
		t.Errorf("survivor status = %q, want available", st)
	}
	if st := f.status(t, "bbb"); st != StatusExpired {
		t.Errorf("loser status = %q, want expired", st)
	}
}

func TestEmergencyTargetsIncidentParameter(t *testing.T) {
	f := newFixture(t)

	task, err := f.engine.GenerateEmergency("radiation_leak", []string{"oxygenLevel", "radiationLevel"}, true)
	if err != nil {
		t.Fatalf("GenerateEmergency: %v", err)
	}
	if task.Name != "Radiation Containment" {
		t.Errorf("task = %q, want the entry targeting the affected parameter", task.Name)
	}

	// An incident touching nothing any emergency corrects still spawns one.
	if _, err := f.engine.GenerateEmergency("condensation_buildup", []string{"humidity"}, true); err != nil {
		t.Fatalf("GenerateEmergency fallback: %v", err)
	}
}

func TestGeneratedTaskCarriesTargetReadings(t *testing.T) {
	f := newFixture(t)

	task, err := f.engine.GenerateEmergency("radiation_leak", []string{"radiationLevel"}, true)
	if err != nil {
		t.Fatalf("GenerateEmergency: %v", err)
	}
	reading, ok := task.Parameters["radiationLevel"]
	if !ok {
		t.Fatal("no rolled reading for the target parameter")
	}
	if reading < 0 || reading > 0.3 {
		t.Errorf("reading = %v, want inside the radiation comfort band", reading)
	}

	// The reading survives the store round trip.
	cached, ok := f.engine.Lookup(task.ID)
	if !ok {
		t.Fatal("task missing from cache")
	}
	if got := cached.Parameters["radiationLevel"]; got != reading {
		t.Errorf("cached reading = %v, want %v", got, reading)
	}
}

func TestCacheTimesMatchWireGranularity(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(1500 * time.Microsecond)
	f.seed("t1", nil)
	if _, err := f.engine.Accept("t1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	cached, ok := f.engine.Lookup("t1")
	if !ok {
		t.Fatal("task missing from cache")
	}

	// The loopback echo of our own accept reads timestamps back at
	// millisecond granularity; it must never look like a stale update.
	var echo Task
	f.store.Get("station/tasks").Child("t1").Once(func(fields map[string]any, key string) {
		echo, ok = normalize(fields, key)
	})
	if !ok {
		t.Fatal("accepted task unreadable from store")
	}
	if !echo.AssignedAt.Equal(cached.AssignedAt) {
		t.Errorf("assignedAt cache/wire mismatch: %v vs %v", cached.AssignedAt, echo.AssignedAt)
	}
	if f.engine.clobbersLocalClaim(cached, echo) {
		t.Error("own write echo treated as a stale claim")
	}
}

func TestSuccessRollRespectsBounds(t *testing.T) {
	f := newFixture(t)
	f.engine.SetParameterSource(func() map[string]float64 {
		return map[string]float64{"temperature": 20}
	})

	// Across many rolls an impossible task must still succeed sometimes and
	// an easy one must still fail sometimes: the roll is pinned to [0.1, 0.95].
	hard := Task{Difficulty: 10}
	easy := Task{Difficulty: 1, Targets: []string{"temperature"}}
	var hardWins, easyLosses int
	for i := 0; i < 2000; i++ {
		if f.engine.rollSuccess(hard) {
			hardWins++
		}
		if !f.engine.rollSuccess(easy) {
			easyLosses++
		}
	}
	if hardWins == 0 {
		t.Error("difficulty 10 never succeeded; floor not applied")
	}
	if easyLosses == 0 {
		t.Error("difficulty 1 with matched target never failed; cap not applied")
	}
}

func TestMalformedTaskRecordIgnored(t *testing.T) {
	f := newFixture(t)
	f.store.Get("station/tasks").Child("junk").Put(map[string]any{
		"name":   "Power Grid Rebalance",
		"status": "levitating",
	})

	if _, ok := f.engine.Lookup("junk"); ok {
		t.Error("malformed record passed the boundary")
	}
}
