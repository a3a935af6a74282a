// Package registry implements the connection registry of spec §4.2:
// the in-memory mapping from SubDomain to the local ControlSession
// that owns it, and the reverse ClientId to SubDomain mapping.
package registry

import (
	"sync"

	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/cybersiliconforest/portalgun/internal/wire"
)

// Session is the subset of a control session's behavior the registry
// depends on. internal/control.Session satisfies this; tests use a
// lightweight fake.
type Session interface {
	ClientId() ids.ClientId
	Send(packet wire.ControlPacket) SendResult
	// Displace tears the session down because another session has
	// claimed its SubDomain; it must not block on I/O.
	Displace()
}

// SendResult reports the outcome of Registry.Send.
type SendResult int

const (
	Sent SendResult = iota
	NotFound
	Closed
)

// Registry is the process-wide singleton owning every ControlSession.
// All operations are safe under concurrent callers and never hold
// their lock across I/O: Send enqueues onto the session's own sink,
// and Displace is expected to be non-blocking in the same way.
type Registry struct {
	mu        sync.RWMutex
	bySub     map[ids.SubDomain]Session
	subByClient map[ids.ClientId]ids.SubDomain
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		bySub:       make(map[ids.SubDomain]Session),
		subByClient: make(map[ids.ClientId]ids.SubDomain),
	}
}

// Add registers session under sub. If sub is already held by another
// session (the incumbent), the entry is replaced under the lock, so
// the registry never maps sub to two sessions, and the incumbent is
// then displaced: its Displace is called after the lock is released,
// that is after, not before, the new session is registered.
func (r *Registry) Add(sub ids.SubDomain, session Session) {
	r.mu.Lock()
	incumbent, had := r.bySub[sub]
	r.bySub[sub] = session
	r.subByClient[session.ClientId()] = sub
	r.mu.Unlock()

	if had && incumbent.ClientId() != session.ClientId() {
		incumbent.Displace()
	}
}

// Remove unregisters the session owning clientID. It is idempotent: a
// second call for an already-removed client is a no-op. It only
// removes the registry entry if it still points at the session for
// this exact client, so a displaced incumbent racing its own cleanup
// cannot clobber the new session that replaced it.
func (r *Registry) Remove(clientID ids.ClientId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subByClient[clientID]
	if !ok {
		return
	}
	delete(r.subByClient, clientID)
	if current, ok := r.bySub[sub]; ok && current.ClientId() == clientID {
		delete(r.bySub, sub)
	}
}

// Find returns the session currently registered for sub, if any.
func (r *Registry) Find(sub ids.SubDomain) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySub[sub]
	return s, ok
}

// Send enqueues packet on the session registered for sub.
func (r *Registry) Send(sub ids.SubDomain, packet wire.ControlPacket) SendResult {
	session, ok := r.Find(sub)
	if !ok {
		return NotFound
	}
	return session.Send(packet)
}

// Has reports whether sub is currently registered, used by the
// gossip fabric to answer WhoHas without exposing the session itself.
func (r *Registry) Has(sub ids.SubDomain) bool {
	_, ok := r.Find(sub)
	return ok
}
