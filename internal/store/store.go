package store

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds the dependencies for a peer-local store instance.
type Config struct {
	// NodeID identifies this peer in LWW tie-breaks. Generated when empty.
	NodeID string
	// Clock stamps outgoing writes. Real clock when nil.
	Clock clockwork.Clock
	// Transport replicates deltas to other peers. Optional; a nil transport
	// yields a fully functional single-peer store (used by every engine test).
	Transport Transport
	// Journal persists accepted fields locally so a peer restarts with its
	// last known graph. Optional.
	Journal *Journal
}

type record struct {
	fields map[string]any
	state  map[string]FieldState
}

func (r *record) snapshot() map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

type sub struct {
	id int
	cb func(fields map[string]any, key string)
}

// Store is the peer-local replica of the shared graph.
type Store struct {
	nodeID string
	clock  clockwork.Clock

	mu      sync.Mutex
	graph   map[string]*record
	subs    map[string][]*sub // exact-path subscribers
	mapSubs map[string][]*sub // parent-path subscribers (Map().On)
	nextSub int

	transport Transport
	journal   *Journal
}

// New builds a store and, when a journal is configured, replays it so the
// graph starts from the last locally known state.
func New(cfg Config) (*Store, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	s := &Store{
		nodeID:    cfg.NodeID,
		clock:     cfg.Clock,
		graph:     make(map[string]*record),
		subs:      make(map[string][]*sub),
		mapSubs:   make(map[string][]*sub),
		transport: cfg.Transport,
		journal:   cfg.Journal,
	}
	if s.journal != nil {
		deltas, err := s.journal.Load()
		if err != nil {
			return nil, err
		}
		for _, d := range deltas {
			s.apply(d, false, false)
		}
		log.Info().Int("records", len(s.graph)).Str("node", s.nodeID).Msg("graph restored from journal")
	}
	return s, nil
}

// NodeID returns the peer identity used for LWW tie-breaks.
func (s *Store) NodeID() string { return s.nodeID }

// Run consumes deltas from the transport until the context is cancelled.
// Call in a goroutine. A store without a transport returns immediately.
func (s *Store) Run(ctx context.Context) {
	if s.transport == nil {
		return
	}
	log.Info().Str("node", s.nodeID).Msg("store replication started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("node", s.nodeID).Msg("store replication stopped")
			return
		case d, ok := <-s.transport.Deltas():
			if !ok {
				log.Warn().Str("node", s.nodeID).Msg("transport delta channel closed")
				return
			}
			if d.Node == s.nodeID {
				continue // our own write echoed back by the transport
			}
			s.apply(d, false, true)
		}
	}
}

// Get navigates to a record or sub-collection by slash-separated path.
func (s *Store) Get(path string) *Ref {
	return &Ref{s: s, path: strings.Trim(path, "/")}
}

// apply merges a delta into the graph. local marks writes originating on
// this peer (those are journaled, broadcast, and loop back to subscribers);
// journal controls whether accepted fields are persisted, which is off while
// replaying the journal itself.
func (s *Store) apply(d Delta, local bool, journal bool) error {
	s.mu.Lock()
	rec, ok := s.graph[d.Path]
	if !ok {
		rec = &record{fields: make(map[string]any), state: make(map[string]FieldState)}
		s.graph[d.Path] = rec
	}
	accepted := make(map[string]any)
	acceptedState := make(map[string]FieldState)
	for f, v := range d.Fields {
		st, ok := d.State[f]
		if !ok {
			st = FieldState{TS: s.clock.Now().UnixMilli(), Node: d.Node}
		}
		if cur, exists := rec.state[f]; exists && !st.wins(cur) {
			continue // stale write, the resident field is newer
		}
		rec.fields[f] = v
		rec.state[f] = st
		accepted[f] = v
		acceptedState[f] = st
	}
	if len(accepted) == 0 {
		s.mu.Unlock()
		return nil
	}
	var jerr error
	if journal && s.journal != nil {
		jerr = s.journal.Upsert(d.Path, accepted, acceptedState)
	}
	snap := rec.snapshot()
	targets := s.collectSubs(d.Path)
	s.mu.Unlock()

	if jerr != nil {
		log.Error().Err(jerr).Str("path", d.Path).Msg("journal write failed")
	}

	key := baseOf(d.Path)
	for _, t := range targets {
		t.cb(snap, key)
	}

	if local && s.transport != nil {
		out := Delta{Path: d.Path, Node: s.nodeID, Fields: accepted, State: acceptedState}
		go func() {
			if err := s.transport.Broadcast(context.Background(), out); err != nil {
				log.Error().Err(err).Str("path", out.Path).Msg("delta broadcast failed")
			}
		}()
	}
	return jerr
}

// collectSubs must be called with the mutex held.
func (s *Store) collectSubs(path string) []*sub {
	var targets []*sub
	targets = append(targets, s.subs[path]...)
	if parent := parentOf(path); parent != "" {
		targets = append(targets, s.mapSubs[parent]...)
	}
	return targets
}

func (s *Store) unsubscribe(m map[string][]*sub, path string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := m[path]
	for i, entry := range list {
		if entry.id == id {
			m[path] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func parentOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

func baseOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	return path[i+1:]
}

// Ref addresses one record in the graph.
type Ref struct {
	s    *Store
	path string
}

// Path returns the slash-separated record path.
func (r *Ref) Path() string { return r.path }

// Child navigates to a named child record.
func (r *Ref) Child(name string) *Ref {
	return &Ref{s: r.s, path: r.path + "/" + strings.Trim(name, "/")}
}

// Put merge-writes fields into the record. Every field in the batch shares
// one timestamp. Optional acks receive the local persistence result; delivery
// to other peers stays fire-and-forget, matching the LWW model.
func (r *Ref) Put(fields map[string]any, ack ...func(error)) {
	ts := r.s.clock.Now().UnixMilli()
	state := make(map[string]FieldState, len(fields))
	for f := range fields {
		state[f] = FieldState{TS: ts, Node: r.s.nodeID}
	}
	err := r.s.apply(Delta{Path: r.path, Node: r.s.nodeID, Fields: fields, State: state}, true, true)
	for _, cb := range ack {
		cb(err)
	}
}

// Once reads the current locally known value. The callback receives nil
// fields when the record does not exist yet.
func (r *Ref) Once(cb func(fields map[string]any, key string)) {
	r.s.mu.Lock()
	var snap map[string]any
	if rec, ok := r.s.graph[r.path]; ok {
		snap = rec.snapshot()
	}
	r.s.mu.Unlock()
	cb(snap, baseOf(r.path))
}

// On subscribes to every future change of the record and fires immediately
// with the current value when one exists. Callbacks run on the writer's
// goroutine and must not block. The returned func cancels the subscription.
func (r *Ref) On(cb func(fields map[string]any, key string)) func() {
	r.s.mu.Lock()
	r.s.nextSub++
	entry := &sub{id: r.s.nextSub, cb: cb}
	r.s.subs[r.path] = append(r.s.subs[r.path], entry)
	var snap map[string]any
	if rec, ok := r.s.graph[r.path]; ok {
		snap = rec.snapshot()
	}
	r.s.mu.Unlock()

	if snap != nil {
		cb(snap, baseOf(r.path))
	}
	id := entry.id
	return func() { r.s.unsubscribe(r.s.subs, r.path, id) }
}

// Map treats the record path as a collection of child records.
func (r *Ref) Map() *MapRef {
	return &MapRef{s: r.s, path: r.path}
}

// MapRef iterates the children of a collection path.
type MapRef struct {
	s    *Store
	path string
}

// Once invokes the callback for every currently known child.
func (m *MapRef) Once(cb func(fields map[string]any, key string)) {
	prefix := m.path + "/"
	type child struct {
		key  string
		snap map[string]any
	}
	m.s.mu.Lock()
	var children []child
	for p, rec := range m.s.graph {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			children = append(children, child{key: p[len(prefix):], snap: rec.snapshot()})
		}
	}
	m.s.mu.Unlock()
	for _, c := range children {
		cb(c.snap, c.key)
	}
}

// On invokes the callback for every known child and for every future child
// update. The returned func cancels the subscription.
func (m *MapRef) On(cb func(fields map[string]any, key string)) func() {
	m.s.mu.Lock()
	m.s.nextSub++
	entry := &sub{id: m.s.nextSub, cb: cb}
	m.s.mapSubs[m.path] = append(m.s.mapSubs[m.path], entry)
	m.s.mu.Unlock()

	m.Once(cb)
	id := entry.id
	return func() { m.s.unsubscribe(m.s.mapSubs, m.path, id) }
}
