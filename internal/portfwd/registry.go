// Package portfwd installs and removes the DNAT rules that map host ports
// to guest addresses, and tracks host-port reservations in memory.
package portfwd

import "sync"

// Registry is the process-wide host port reservation set. It is explicitly
// constructed and injected into the Manager, never a package global, and it
// is not persisted: a restart clears all reservations.
type Registry struct {
	mu    sync.Mutex
	ports map[uint16]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ports: make(map[uint16]struct{})}
}

// Reserve claims the port. It returns false when the port is already
// reserved; the check and the write happen under one lock acquisition so
// two concurrent callers can never both claim the same port.
func (r *Registry) Reserve(port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.ports[port]; taken {
		return false
	}
	r.ports[port] = struct{}{}
	return true
}

// Release frees the port. Releasing an unreserved port is a no-op.
func (r *Registry) Release(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, port)
}

// Reserved reports whether the port is currently claimed.
func (r *Registry) Reserved(port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.ports[port]
	return taken
}
