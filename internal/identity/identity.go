// Package identity is the boundary to the opaque identity provider. The
// core only needs a stable alias/public-key pair per operator; whatever
// performs real authentication lives outside this module.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// Identity is a stable alias/public-key pair for one operator.
type Identity struct {
	Alias     string
	PublicKey string
}

// SystemAlias is the writer recorded for corrective writes no operator made.
const SystemAlias = "System"

var ErrNotAuthenticated = errors.New("identity: not authenticated")

// Provider yields the current operator identity and change notifications.
type Provider interface {
	// Authenticate exchanges opaque credentials for an identity.
	Authenticate(alias, secret string) (Identity, error)
	// Current returns the logged-in identity, if any.
	Current() (Identity, bool)
	// Logout clears the current identity.
	Logout()
	// Subscribe registers a login/logout observer. The callback receives the
	// identity and whether an operator is now logged in.
	Subscribe(cb func(Identity, bool)) func()
}

// Local is an in-process provider deriving a deterministic public key from
// the credentials, so the same alias/secret pair maps to the same identity
// on every peer and across restarts.
type Local struct {
	mu      sync.Mutex
	current *Identity
	subs    map[int]func(Identity, bool)
	nextSub int
}

// NewLocal builds an unauthenticated local provider.
func NewLocal() *Local {
	return &Local{subs: make(map[int]func(Identity, bool))}
}

// Authenticate derives the public key and marks the operator logged in.
func (l *Local) Authenticate(alias, secret string) (Identity, error) {
	if alias == "" {
		return Identity{}, errors.New("identity: empty alias")
	}
	sum := sha256.Sum256([]byte(alias + "\x00" + secret))
	id := Identity{Alias: alias, PublicKey: hex.EncodeToString(sum[:])}

	l.mu.Lock()
	l.current = &id
	subs := l.observers()
	l.mu.Unlock()

	for _, cb := range subs {
		cb(id, true)
	}
	return id, nil
}

// Current returns the logged-in identity.
func (l *Local) Current() (Identity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return Identity{}, false
	}
	return *l.current, true
}

// Logout clears the identity and notifies observers.
func (l *Local) Logout() {
	l.mu.Lock()
	if l.current == nil {
		l.mu.Unlock()
		return
	}
	id := *l.current
	l.current = nil
	subs := l.observers()
	l.mu.Unlock()

	for _, cb := range subs {
		cb(id, false)
	}
}

// Subscribe registers a login/logout observer.
func (l *Local) Subscribe(cb func(Identity, bool)) func() {
	l.mu.Lock()
	l.nextSub++
	id := l.nextSub
	l.subs[id] = cb
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// observers must be called with the mutex held.
func (l *Local) observers() []func(Identity, bool) {
	out := make([]func(Identity, bool), 0, len(l.subs))
	for _, cb := range l.subs {
		out = append(out, cb)
	}
	return out
}
