package params

import (
	"math/rand"
	"testing"

	"github.com/jonboulle/clockwork"

	"swanstation/internal/store"
)

func newEngine(t *testing.T, seed int64) (*Engine, *store.Store) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s, err := store.New(store.Config{NodeID: "node-a", Clock: clock})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	e := New(s.Get("station/parameters"), clock, rand.New(rand.NewSource(seed)))
	t.Cleanup(e.Close)
	return e, s
}

func seedValues(s *store.Store, values map[string]float64) {
	fields := make(map[string]any, len(values)+1)
	for k, v := range values {
		fields[k] = v
	}
	fields["lastUpdate"] = int64(0)
	s.Get("station/parameters").Put(fields)
}

func currentValues(t *testing.T, s *store.Store) map[string]float64 {
	t.Helper()
	var fields map[string]any
	s.Get("station/parameters").Once(func(f map[string]any, key string) { fields = f })
	p, ok := normalize(fields)
	if !ok {
		t.Fatal("parameters record unreadable")
	}
	return p.Values
}

func TestValuesStayClampedUnderRepeatedChurn(t *testing.T) {
	e, s := newEngine(t, 1)
	seedValues(s, Defaults())

	for i := 0; i < 200; i++ {
		e.Drift()
		if i%3 == 0 {
			e.ApplyIncident(randomEvents[i%len(randomEvents)])
		}
		if i%5 == 0 {
			e.ApplyTaskEffect("Reactor Coolant Flush", i%2 == 0)
		}
		for name, r := range clamps {
			v := currentValues(t, s)[name]
			if v < r.Min || v > r.Max {
				t.Fatalf("iteration %d: %s = %v outside [%v, %v]", i, name, v, r.Min, r.Max)
			}
		}
	}
}

func TestBalanceBonusPerfectStation(t *testing.T) {
	e, s := newEngine(t, 1)
	seedValues(s, Defaults()) // defaults sit inside every comfort band

	if got := e.BalanceBonus(); got != 9 {
		t.Errorf("bonus = %d with all six in band, want 6 + 3 = 9", got)
	}
}

func TestBalanceBonusTiers(t *testing.T) {
	e, s := newEngine(t, 1)

	values := Defaults()
	values[PowerLevel] = 10  // out of band
	values[Humidity] = 95    // out of band
	seedValues(s, values)
	if got := e.BalanceBonus(); got != 5 {
		t.Errorf("bonus = %d with four in band, want 4 + 1 = 5", got)
	}

	values[Temperature] = 80 // third one out, tier bonus gone
	seedValues(s, values)
	if got := e.BalanceBonus(); got != 3 {
		t.Errorf("bonus = %d with three in band, want 3", got)
	}
}

func TestInterdependencyPropagatesOnce(t *testing.T) {
	values := map[string]float64{
		PowerLevel:     100,
		OxygenLevel:    50,
		Temperature:    0,
		RadiationLevel: 0,
		Pressure:       1000,
		Humidity:       0,
	}
	applyInterdependencies(values)

	// 1% of power (1.0) times the 0.1 coefficient.
	if got, want := values[OxygenLevel], 50.1; got != want {
		t.Errorf("oxygen = %v, want %v", got, want)
	}
	if got, want := values[Temperature], 0.05; got != want {
		t.Errorf("temperature = %v, want %v", got, want)
	}
	// Power has no incoming influences in this configuration.
	if values[PowerLevel] != 100 {
		t.Errorf("power = %v, want untouched 100", values[PowerLevel])
	}
}

func TestTaskEffectMovesParameters(t *testing.T) {
	e, s := newEngine(t, 1)
	seedValues(s, Defaults())
	before := currentValues(t, s)[Temperature]

	e.ApplyTaskEffect("Reactor Coolant Flush", true)

	after := currentValues(t, s)[Temperature]
	if got, want := before-after, 12.0; got != want {
		t.Errorf("temperature dropped %v, want %v", got, want)
	}
	if got := currentValues(t, s)[PowerLevel]; got != 85 {
		t.Errorf("power = %v, want 80 + 5", got)
	}
}

func TestUnknownTaskEffectIsNoOp(t *testing.T) {
	e, s := newEngine(t, 1)
	seedValues(s, Defaults())

	e.ApplyTaskEffect("Button Polishing", true)

	got := currentValues(t, s)
	for name, want := range Defaults() {
		if got[name] != want {
			t.Errorf("%s = %v, want untouched %v", name, got[name], want)
		}
	}
}

func TestIncidentRecordsLastEvent(t *testing.T) {
	e, s := newEngine(t, 1)
	seedValues(s, Defaults())

	e.ApplyIncident(RandomEvent{Name: "radiation_leak", Effect: map[string]float64{RadiationLevel: 0.2}})

	var fields map[string]any
	s.Get("station/parameters").Once(func(f map[string]any, key string) { fields = f })
	if ev, _ := store.Str(fields, "lastEvent"); ev != "radiation_leak" {
		t.Errorf("lastEvent = %q, want radiation_leak", ev)
	}
	if got := currentValues(t, s)[RadiationLevel]; got != 0.3 {
		t.Errorf("radiation = %v, want 0.1 + 0.2", got)
	}
}

func TestCorruptedRecordFallsBackToDefaults(t *testing.T) {
	e, s := newEngine(t, 1)
	s.Get("station/parameters").Put(map[string]any{PowerLevel: "broken"})

	e.ApplyTaskEffect("Backup Battery Check", true)

	got := currentValues(t, s)
	if got[PowerLevel] != 86 {
		t.Errorf("power = %v, want defaults (80) repaired plus 6", got[PowerLevel])
	}
}

func TestIncidentEmitsEvent(t *testing.T) {
	e, s := newEngine(t, 1)
	seedValues(s, Defaults())
	for len(e.Events()) > 0 {
		<-e.Events()
	}

	e.ApplyIncident(randomEvents[0])

	var incident bool
	for len(e.Events()) > 0 {
		if ev := <-e.Events(); ev.Kind == EventIncident {
			incident = true
			if ev.Incident != randomEvents[0].Name {
				t.Errorf("incident = %q, want %q", ev.Incident, randomEvents[0].Name)
			}
			if len(ev.Affected) != len(randomEvents[0].Effect) {
				t.Errorf("affected = %v, want one entry per moved parameter", ev.Affected)
			}
		}
	}
	if !incident {
		t.Error("no incident event emitted")
	}
}
