// Package store implements the replicated key/value graph every peer shares.
//
// ARCHITECTURAL RULE: the graph is append/overwrite only. Records are never
// deleted, because deletion races with concurrent readers on other peers.
// Conflict resolution is last-write-wins per field, ordered by the writer's
// wall clock with the node ID as tie-breaker. Engines must tolerate
// out-of-order delivery, duplicate delivery, and missed updates; the store
// promises only eventual convergence, never read-after-write consistency.
package store
