package store

// FieldState is the last-write-wins metadata attached to a single field.
type FieldState struct {
	TS   int64  `json:"ts"`   // unix milliseconds at the writing peer
	Node string `json:"node"` // writer node ID, breaks ties between equal timestamps
}

// wins reports whether a write carrying state s overrides one carrying cur.
// Equal (TS, Node) pairs are accepted so a peer can re-deliver its own write
// idempotently; the payload is identical by construction.
func (s FieldState) wins(cur FieldState) bool {
	if s.TS != cur.TS {
		return s.TS > cur.TS
	}
	if s.Node != cur.Node {
		return s.Node > cur.Node
	}
	return true
}

// Delta is the unit of replication: one batch of field writes against a
// single record, together with their LWW state. Deltas travel between peers
// through a Transport and are merged field by field on arrival.
type Delta struct {
	Path   string                `json:"path"`
	Node   string                `json:"node"`
	Fields map[string]any        `json:"fields"`
	State  map[string]FieldState `json:"state"`
}
