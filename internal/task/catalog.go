package task

import "time"

// Type is the priority class of a task.
type Type string

const (
	TypeEmergency   Type = "EMERGENCY"
	TypeCritical    Type = "CRITICAL"
	TypeMaintenance Type = "MAINTENANCE"
)

// Status is the lifecycle state of a task. Completed and expired are
// terminal; a terminal task never becomes active again.
type Status string

const (
	StatusAvailable Status = "available"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// CatalogEntry is a task template: everything about a task except its
// identity and timestamps.
type CatalogEntry struct {
	Name        string
	Type        Type
	Difficulty  int
	Expiry      time.Duration
	Description string
	// Targets name the station parameters this task is meant to correct.
	// Completion rolls get a bonus per target currently in its comfort band.
	Targets []string
}

// catalog is the fixed pool tasks are generated from. Names must match
// the parameter engine's task effect table.
var catalog = []CatalogEntry{
	{
		Name:        "Reactor Coolant Flush",
		Type:        TypeEmergency,
		Difficulty:  8,
		Expiry:      5 * time.Minute,
		Description: "Purge the primary coolant loop before the core overheats.",
		Targets:     []string{"temperature"},
	},
	{
		Name:        "Radiation Containment",
		Type:        TypeEmergency,
		Difficulty:  9,
		Expiry:      4 * time.Minute,
		Description: "Seal the containment ring and vent contaminated sections.",
		Targets:     []string{"radiationLevel"},
	},
	{
		Name:        "Hull Breach Seal",
		Type:        TypeEmergency,
		Difficulty:  7,
		Expiry:      6 * time.Minute,
		Description: "Patch the outer hull before pressure drops further.",
		Targets:     []string{"pressure"},
	},
	{
		Name:        "Power Grid Rebalance",
		Type:        TypeCritical,
		Difficulty:  5,
		Expiry:      8 * time.Minute,
		Description: "Redistribute load across the station bus bars.",
		Targets:     []string{"powerLevel"},
	},
	{
		Name:        "CO2 Scrubber Purge",
		Type:        TypeCritical,
		Difficulty:  6,
		Expiry:      8 * time.Minute,
		Description: "Cycle the scrubber beds and restore oxygen margin.",
		Targets:     []string{"oxygenLevel"},
	},
	{
		Name:        "Pressure Valve Calibration",
		Type:        TypeCritical,
		Difficulty:  4,
		Expiry:      10 * time.Minute,
		Description: "Re-seat and calibrate the relief valves on deck two.",
		Targets:     []string{"pressure"},
	},
	{
		Name:        "Air Filter Swap",
		Type:        TypeMaintenance,
		Difficulty:  2,
		Expiry:      15 * time.Minute,
		Description: "Replace the particulate filters in the vent stacks.",
		Targets:     []string{"oxygenLevel", "humidity"},
	},
	{
		Name:        "Sensor Recalibration",
		Type:        TypeMaintenance,
		Difficulty:  3,
		Expiry:      12 * time.Minute,
		Description: "Zero the environmental sensor array against reference values.",
		Targets:     nil,
	},
	{
		Name:        "Condensation Pump Cleaning",
		Type:        TypeMaintenance,
		Difficulty:  1,
		Expiry:      15 * time.Minute,
		Description: "Clear the condensate traps under the galley deck.",
		Targets:     []string{"humidity"},
	},
	{
		Name:        "Backup Battery Check",
		Type:        TypeMaintenance,
		Difficulty:  2,
		Expiry:      12 * time.Minute,
		Description: "Load-test the backup cells and log their capacity.",
		Targets:     []string{"powerLevel"},
	},
}

// entriesOf returns the catalog entries of one type.
func entriesOf(t Type) []CatalogEntry {
	var out []CatalogEntry
	for _, e := range catalog {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
