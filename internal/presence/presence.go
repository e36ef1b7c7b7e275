// Package presence maintains the operator roster. Each peer refreshes its
// own record; everyone else filters the roster by heartbeat age. Records
// are never deleted — a crashed peer simply goes stale and drops out of the
// online view.
package presence

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"swanstation/internal/identity"
	"swanstation/internal/store"
)

const (
	// OnlineWindow is how recent a heartbeat must be to count as online.
	OnlineWindow = 120 * time.Second
	// heartbeatInterval keeps the record comfortably inside the window.
	heartbeatInterval = 30 * time.Second
)

// Operator is one entry in the shared roster.
type Operator struct {
	Name     string
	Pub      string
	LastSeen time.Time
}

// Roster publishes this peer's heartbeat and reads everyone else's.
type Roster struct {
	ref   *store.Ref
	ident identity.Provider
	clock clockwork.Clock
}

// NewRoster binds the roster to the operators collection.
func NewRoster(operators *store.Ref, ident identity.Provider, clock clockwork.Clock) *Roster {
	return &Roster{ref: operators, ident: ident, clock: clock}
}

// Run refreshes this operator's record until the context is cancelled.
// Call in a goroutine.
func (r *Roster) Run(ctx context.Context) {
	r.Heartbeat()
	ticker := r.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("presence heartbeat stopped")
			return
		case <-ticker.Chan():
			r.Heartbeat()
		}
	}
}

// Heartbeat writes the current operator's presence record. A logged-out
// peer has nothing to announce.
func (r *Roster) Heartbeat() {
	id, ok := r.ident.Current()
	if !ok {
		return
	}
	r.ref.Child(id.PublicKey).Put(map[string]any{
		"name":     id.Alias,
		"pub":      id.PublicKey,
		"lastSeen": r.clock.Now().UnixMilli(),
	})
}

// Online returns the operators whose heartbeat falls inside the window.
// Stale and malformed records are filtered, never removed.
func (r *Roster) Online() []Operator {
	now := r.clock.Now()
	var out []Operator
	r.ref.Map().Once(func(fields map[string]any, key string) {
		op, ok := normalize(fields)
		if !ok {
			return
		}
		if now.Sub(op.LastSeen) < OnlineWindow {
			out = append(out, op)
		}
	})
	return out
}

func normalize(fields map[string]any) (Operator, bool) {
	name, ok := store.Str(fields, "name")
	if !ok {
		return Operator{}, false
	}
	pub, ok := store.Str(fields, "pub")
	if !ok {
		return Operator{}, false
	}
	seen, ok := store.Time(fields, "lastSeen")
	if !ok {
		return Operator{}, false
	}
	return Operator{Name: name, Pub: pub, LastSeen: seen}, true
}
