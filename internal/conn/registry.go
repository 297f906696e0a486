// Package conn owns the in-process table of live real-time
// connections, keyed by session id. The registry is the only component
// that mutates the table: entries are added when a session is created
// with a connection and removed on detected disconnect or session
// deletion.
package conn

import "sync"

// Handle is the registry's view of a live connection. Implementations
// must be safe for concurrent use.
type Handle interface {
	// Send writes one message to the client.
	Send(data []byte) error
	// Alive reports whether the underlying transport is still open.
	Alive() bool
	// Close tears down the underlying transport.
	Close() error
}

// Registry maps session ids to live connection handles behind a single
// mutex.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Handle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Handle)}
}

// Add registers a connection handle under the given session id.
func (r *Registry) Add(sessionID string, h Handle) {
	r.mu.Lock()
	r.conns[sessionID] = h
	r.mu.Unlock()
}

// Remove deletes the entry for sessionID and closes the handle.
// Returns true if an entry was removed, false if it was already gone,
// so racing removers (disconnect vs. sweeper) settle on one winner.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	h, ok := r.conns[sessionID]
	if ok {
		delete(r.conns, sessionID)
	}
	r.mu.Unlock()

	if ok {
		_ = h.Close()
	}
	return ok
}

// Get returns the handle for sessionID, or nil if none is registered.
func (r *Registry) Get(sessionID string) Handle {
	r.mu.Lock()
	h := r.conns[sessionID]
	r.mu.Unlock()
	return h
}

// Count returns the current number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	n := len(r.conns)
	r.mu.Unlock()
	return n
}

// Snapshot returns a copy of the current table. The copy is safe to
// iterate without holding the registry lock; the sweeper uses it to
// probe liveness without blocking connection setup.
func (r *Registry) Snapshot() map[string]Handle {
	r.mu.Lock()
	out := make(map[string]Handle, len(r.conns))
	for id, h := range r.conns {
		out[id] = h
	}
	r.mu.Unlock()
	return out
}
