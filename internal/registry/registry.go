// Package registry associates live connections with the user authenticated
// on them.
//
// Connections are held weakly: the registry never keeps a connection
// reachable, and an entry disappears on its own once the connection's
// owner drops the last reference to it. Callers that want the entry gone
// the moment a connection closes can call Remove from their close path.
package registry

import (
	"runtime"
	"sync"
	"weak"

	"usersupport/internal/user"
)

type entry struct {
	user    *user.User
	cleanup runtime.Cleanup
}

// Registry maps *C connection handles to users. The zero value is not
// usable; construct one with New and share it by reference.
//
// Stored users must not reference their connection, or the connection
// stays reachable through the registry and is never collected.
type Registry[C any] struct {
	mu      sync.RWMutex
	entries map[weak.Pointer[C]]*entry
}

func New[C any]() *Registry[C] {
	r := &Registry[C]{}
	r.Init()
	return r
}

// Init discards every association and starts over with an empty table.
func (r *Registry[C]) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		e.cleanup.Stop()
	}
	r.entries = make(map[weak.Pointer[C]]*entry)
}

// SetUser binds u to conn, replacing any earlier binding. A nil conn is
// ignored.
func (r *Registry[C]) SetUser(conn *C, u *user.User) {
	if conn == nil {
		return
	}
	key := weak.Make(conn)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.user = u
		return
	}
	r.entries[key] = &entry{
		user:    u,
		cleanup: runtime.AddCleanup(conn, r.forget, key),
	}
}

// User returns the user bound to conn. A connection that was never bound,
// or whose entry was already collected or removed, reports false.
func (r *Registry[C]) User(conn *C) (*user.User, bool) {
	if conn == nil {
		return nil, false
	}
	key := weak.Make(conn)

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.user, true
}

// Remove drops the binding for conn right away.
func (r *Registry[C]) Remove(conn *C) {
	if conn == nil {
		return
	}
	key := weak.Make(conn)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.cleanup.Stop()
		delete(r.entries, key)
	}
}

// Len returns the number of live bindings.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// forget runs on the runtime's cleanup goroutine after the connection
// behind key has become unreachable.
func (r *Registry[C]) forget(key weak.Pointer[C]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}
