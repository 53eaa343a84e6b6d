// Package presence maps live signaling connections to usernames.
//
// A username is held by at most one connection at a time and a connection holds
// at most one username. Usernames that have joined once stay registered for the
// lifetime of the Registry, which makes them eligible for offline queueing.
package presence

import (
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

// Conn is the registry's view of a transport connection.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

type Registry struct {
	mu sync.RWMutex

	conns      map[string]Conn
	byUser     map[string]Conn
	byConn     map[string]string
	registered map[string]struct{}
}

func New() *Registry {
	return &Registry{
		conns:      make(map[string]Conn),
		byUser:     make(map[string]Conn),
		byConn:     make(map[string]string),
		registered: make(map[string]struct{}),
	}
}

// Attach records an open connection that has not joined yet. Broadcasts reach
// every attached connection, joined or not.
func (r *Registry) Attach(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

// Detach forgets a closed connection. It returns the username the connection
// held, if it was still the live holder.
func (r *Registry) Detach(c Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.ID())
	return r.unbindLocked(c.ID())
}

// Join binds username to c. A previous holder of username loses its binding
// but stays open; it is returned so the caller can log the eviction.
func (r *Registry) Join(c Conn, username string) (evicted Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	r.conns[id] = c

	if prev, ok := r.byConn[id]; ok && prev != username {
		r.unbindLocked(id)
	}
	if holder, ok := r.byUser[username]; ok && holder.ID() != id {
		delete(r.byConn, holder.ID())
		evicted = holder
	}
	r.byUser[username] = c
	r.byConn[id] = username
	r.registered[username] = struct{}{}
	return evicted
}

// Leave removes the username binding of c without forgetting the connection.
func (r *Registry) Leave(c Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbindLocked(c.ID())
}

func (r *Registry) unbindLocked(id string) (string, bool) {
	username, ok := r.byConn[id]
	if !ok {
		return "", false
	}
	delete(r.byConn, id)
	if holder, ok := r.byUser[username]; ok && holder.ID() == id {
		delete(r.byUser, username)
	}
	return username, true
}

// Resolve returns the live connection for username.
func (r *Registry) Resolve(username string) (Conn, bool) {
	r.mu.RLock()
	c, ok := r.byUser[username]
	r.mu.RUnlock()
	return c, ok
}

// Username returns the identity currently bound to c.
func (r *Registry) Username(c Conn) (string, bool) {
	r.mu.RLock()
	username, ok := r.byConn[c.ID()]
	r.mu.RUnlock()
	return username, ok
}

func (r *Registry) IsRegistered(username string) bool {
	r.mu.RLock()
	_, ok := r.registered[username]
	r.mu.RUnlock()
	return ok
}

// Online returns the sorted set of usernames with a live connection.
func (r *Registry) Online() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// Snapshot lists every registered username with its presence flag.
func (r *Registry) Snapshot() []protocol.UserStatus {
	r.mu.RLock()
	out := make([]protocol.UserStatus, 0, len(r.registered))
	for u := range r.registered {
		_, online := r.byUser[u]
		out = append(out, protocol.UserStatus{Username: u, IsOnline: online})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Connections returns a snapshot of every attached connection.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
