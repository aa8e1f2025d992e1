package session

import "sync"

// Registry is the single source of truth mapping both session id and
// transport id to live server sessions. Safe for concurrent use from
// multiple transport goroutines.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*ServerSession
	byTransport map[string]*ServerSession
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:        make(map[string]*ServerSession),
		byTransport: make(map[string]*ServerSession),
	}
}

// Put registers a session under both its session id and, when bound, its
// transport id.
func (r *Registry) Put(s *ServerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.SessionID()] = s
	if tid := s.TransportID(); tid != "" {
		r.byTransport[tid] = s
	}
}

// Get looks up a session by session id.
func (r *Registry) Get(sessionID string) *ServerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[sessionID]
}

// GetByTransportID looks up a session by its current transport binding.
func (r *Registry) GetByTransportID(transportID string) *ServerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTransport[transportID]
}

// Remove deletes a session from both indexes. Idempotent.
func (r *Registry) Remove(s *ServerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, s.SessionID())
	if tid := s.TransportID(); tid != "" {
		if r.byTransport[tid] == s {
			delete(r.byTransport, tid)
		}
	}
	// A stale binding can survive a rebind that raced with removal.
	for tid, sess := range r.byTransport {
		if sess == s {
			delete(r.byTransport, tid)
		}
	}
}

// UpdateTransportID atomically re-keys the transport index after a
// reconnection: the new binding is installed before the old one is removed,
// so a concurrent lookup always sees at least one valid path to the session
// and never two current bindings past the update.
func (r *Registry) UpdateTransportID(s *ServerSession, oldTransportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tid := s.TransportID()
	if tid != "" {
		r.byTransport[tid] = s
	}
	// When the transport did not actually change, removing the old binding
	// would remove the one just installed.
	if oldTransportID != "" && oldTransportID != tid && r.byTransport[oldTransportID] == s {
		delete(r.byTransport, oldTransportID)
	}
}

// All returns a snapshot of every registered session.
func (r *Registry) All() []*ServerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServerSession, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
