package params

import "time"

// Parameter field names as stored in the shared record.
const (
	PowerLevel     = "powerLevel"
	OxygenLevel    = "oxygenLevel"
	Temperature    = "temperature"
	RadiationLevel = "radiationLevel"
	Pressure       = "pressure"
	Humidity       = "humidity"
)

// Names lists the six parameters in presentation order.
var Names = []string{PowerLevel, OxygenLevel, Temperature, RadiationLevel, Pressure, Humidity}

// Range bounds a parameter.
type Range struct {
	Min, Max float64
}

// Width returns the span of the range.
func (r Range) Width() float64 { return r.Max - r.Min }

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// clamps are the hard physical bounds enforced on every write path.
var clamps = map[string]Range{
	PowerLevel:     {0, 100},
	OxygenLevel:    {0, 100},
	Temperature:    {-50, 100},
	RadiationLevel: {0, 1},
	Pressure:       {800, 1200},
	Humidity:       {0, 100},
}

// optimalBands are the comfort bands the balance bonus scores against.
var optimalBands = map[string]Range{
	PowerLevel:     {60, 90},
	OxygenLevel:    {80, 100},
	Temperature:    {15, 25},
	RadiationLevel: {0, 0.3},
	Pressure:       {950, 1050},
	Humidity:       {30, 60},
}

// RangeOf returns the hard clamp range for a parameter name.
func RangeOf(name string) (Range, bool) {
	r, ok := clamps[name]
	return r, ok
}

// OptimalBandOf returns the comfort band for a parameter name.
func OptimalBandOf(name string) (Range, bool) {
	r, ok := optimalBands[name]
	return r, ok
}

// driftMagnitudes give each parameter its own volatility: power and
// pressure swing hard, radiation creeps.
var driftMagnitudes = map[string]float64{
	PowerLevel:     2.0,
	OxygenLevel:    1.5,
	Temperature:    1.0,
	RadiationLevel: 0.01,
	Pressure:       5.0,
	Humidity:       2.0,
}

// influence is one row of the interdependency table: how much of the
// source parameter's current value bleeds into each target per propagation
// pass. Coefficients apply to 1% of the source value and the table is
// deliberately one layer deep — it is never iterated to a fixed point.
var influences = map[string]map[string]float64{
	PowerLevel: {
		OxygenLevel: 0.1,
		Temperature: 0.05,
		Pressure:    0.02,
	},
	Temperature: {
		Humidity: -0.08,
		Pressure: 0.04,
	},
	RadiationLevel: {
		OxygenLevel: -0.1,
	},
	Humidity: {
		Temperature: 0.02,
	},
}

// RandomEvent is one entry of the station incident catalog.
type RandomEvent struct {
	Name   string
	Effect map[string]float64
}

// randomEvents is the fixed incident catalog drawn from on each event roll.
var randomEvents = []RandomEvent{
	{Name: "power_surge", Effect: map[string]float64{PowerLevel: 15, Temperature: 5}},
	{Name: "electromagnetic_anomaly", Effect: map[string]float64{PowerLevel: -20, RadiationLevel: 0.1}},
	{Name: "radiation_leak", Effect: map[string]float64{RadiationLevel: 0.2, OxygenLevel: -5}},
	{Name: "coolant_failure", Effect: map[string]float64{Temperature: 15, Pressure: 30}},
	{Name: "scrubber_fault", Effect: map[string]float64{OxygenLevel: -10, Humidity: 8}},
	{Name: "hull_microfracture", Effect: map[string]float64{Pressure: -40, OxygenLevel: -3}},
	{Name: "condensation_buildup", Effect: map[string]float64{Humidity: 12, Temperature: -2}},
}

// taskEffects maps a task name and outcome to the vector it applies. The
// names match the task catalog; tasks without a row leave parameters alone.
var taskEffects = map[string]map[bool]map[string]float64{
	"Reactor Coolant Flush": {
		true:  {Temperature: -12, PowerLevel: 5},
		false: {Temperature: 8, RadiationLevel: 0.05},
	},
	"Radiation Containment": {
		true:  {RadiationLevel: -0.25},
		false: {RadiationLevel: 0.1, OxygenLevel: -3},
	},
	"Hull Breach Seal": {
		true:  {Pressure: 60, OxygenLevel: 4},
		false: {Pressure: -30},
	},
	"Power Grid Rebalance": {
		true:  {PowerLevel: 12},
		false: {PowerLevel: -8, Temperature: 3},
	},
	"CO2 Scrubber Purge": {
		true:  {OxygenLevel: 10, Humidity: -5},
		false: {OxygenLevel: -4},
	},
	"Pressure Valve Calibration": {
		true:  {Pressure: -25, Humidity: -3},
		false: {Pressure: 15},
	},
	"Air Filter Swap": {
		true:  {OxygenLevel: 4, Humidity: -4},
		false: {Humidity: 3},
	},
	"Sensor Recalibration": {
		true:  {PowerLevel: 3},
		false: {},
	},
	"Condensation Pump Cleaning": {
		true:  {Humidity: -8},
		false: {Humidity: 4},
	},
	"Backup Battery Check": {
		true:  {PowerLevel: 6},
		false: {PowerLevel: -2},
	},
}

// Balance bonus arithmetic: +1 per in-band parameter, then exactly one
// extra tier — +3 when all six are in band, +1 when at least four are.
const (
	bonusPerParameter = 1
	bonusAllInBand    = 3
	bonusMostInBand   = 1
	mostInBandCount   = 4
)

const (
	driftInterval = 20 * time.Second
	eventInterval = 3 * time.Minute
	// eventChance is the probability an incident fires on each event roll.
	eventChance = 0.3
	// emergencyChance is the secondary probability an incident also spawns
	// an emergency task.
	emergencyChance = 0.4
)
