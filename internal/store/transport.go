package store

import "context"

// Transport replicates deltas between peers. Implementations carry the
// delta as a JSON envelope; delivery is at-most-once and unordered, which
// the per-field LWW merge absorbs.
type Transport interface {
	// Broadcast publishes a locally accepted delta to all other peers.
	Broadcast(ctx context.Context, d Delta) error
	// Deltas yields deltas received from other peers. The channel includes
	// echoes of this peer's own writes when the medium loops them back;
	// the store filters those by node ID.
	Deltas() <-chan Delta
	// Close tears the transport down.
	Close() error
}
