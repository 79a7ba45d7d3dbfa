// Package registry keeps the in-memory index from user and group identities
// to the live connections currently bound to them on this process.
package registry

import "sync"

// Connection is the minimal view the registry needs of a live connection.
// Close must not block on network I/O.
type Connection interface {
	ID() string
	Close()
}

type binding struct {
	userID   string
	groupIDs []string
}

// Registry maps user ids to a single live connection and group ids to the
// set of member connections. All mutations are serialized by an RWMutex and
// never perform I/O while holding it.
type Registry[C Connection] struct {
	mu       sync.RWMutex
	users    map[string]C
	groups   map[string]map[string]C // groupID -> connID -> conn
	bindings map[string]binding      // connID -> identity
}

// New returns an empty registry.
func New[C Connection]() *Registry[C] {
	return &Registry[C]{
		users:    make(map[string]C),
		groups:   make(map[string]map[string]C),
		bindings: make(map[string]binding),
	}
}

// Register binds conn to userID and to every group in groupIDs. A user holds
// at most one connection per process: if another connection was registered
// for userID it is removed from the index, closed, and returned so that no
// further deliveries reach it.
func (r *Registry[C]) Register(conn C, userID string, groupIDs []string) (C, bool) {
	var replaced C
	hadPrevious := false

	r.mu.Lock()
	if prev, ok := r.users[userID]; ok && prev.ID() != conn.ID() {
		r.removeLocked(prev.ID())
		replaced, hadPrevious = prev, true
	}
	if _, ok := r.bindings[conn.ID()]; ok {
		r.removeLocked(conn.ID())
	}

	groups := make([]string, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		if groupID == "" {
			continue
		}
		members, ok := r.groups[groupID]
		if !ok {
			members = make(map[string]C)
			r.groups[groupID] = members
		}
		if _, dup := members[conn.ID()]; !dup {
			groups = append(groups, groupID)
		}
		members[conn.ID()] = conn
	}
	r.users[userID] = conn
	r.bindings[conn.ID()] = binding{userID: userID, groupIDs: groups}
	r.mu.Unlock()

	if hadPrevious {
		replaced.Close()
	}
	return replaced, hadPrevious
}

// Unregister removes conn from the index. It reports false when conn is not
// the current registrant, which happens when a newer registration for the
// same user already replaced it; that case is expected and left alone.
func (r *Registry[C]) Unregister(conn C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(conn.ID())
}

func (r *Registry[C]) removeLocked(connID string) bool {
	b, ok := r.bindings[connID]
	if !ok {
		return false
	}
	delete(r.bindings, connID)

	if current, ok := r.users[b.userID]; ok && current.ID() == connID {
		delete(r.users, b.userID)
	}
	for _, groupID := range b.groupIDs {
		members := r.groups[groupID]
		delete(members, connID)
		if len(members) == 0 {
			delete(r.groups, groupID)
		}
	}
	return true
}

// LookupUser returns the connection registered for userID.
func (r *Registry[C]) LookupUser(userID string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.users[userID]
	return conn, ok
}

// LookupGroup returns a snapshot of the connections registered under groupID.
func (r *Registry[C]) LookupGroup(groupID string) []C {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[groupID]
	if len(members) == 0 {
		return nil
	}
	out := make([]C, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

// Groups returns the groups conn was registered into.
func (r *Registry[C]) Groups(conn C) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[conn.ID()]
	if !ok {
		return nil
	}
	return append([]string(nil), b.groupIDs...)
}

// Len returns the number of registered connections.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// GroupCount returns the number of non-empty groups.
func (r *Registry[C]) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}
