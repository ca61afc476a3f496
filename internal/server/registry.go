package server

import "sort"

// Registry maps account names to their authenticated session. It is owned
// by the hub goroutine and is not safe for concurrent use.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds name to s. It returns false, leaving the registry
// unchanged, when name is already live.
func (r *Registry) Register(name string, s *Session) bool {
	if _, taken := r.sessions[name]; taken {
		return false
	}
	r.sessions[name] = s
	return true
}

// Unregister releases name.
func (r *Registry) Unregister(name string) {
	delete(r.sessions, name)
}

// Lookup returns the session bound to name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	s, ok := r.sessions[name]
	return s, ok
}

// Names returns the live account names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of live names.
func (r *Registry) Len() int {
	return len(r.sessions)
}
