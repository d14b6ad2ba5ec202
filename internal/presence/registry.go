// Package presence tracks which live connections belong to which identity.
package presence

import (
	"sync"
	"time"

	"github.com/elvachat/relay/internal/models"
)

// ChangeKind says whether a binding was created or removed.
type ChangeKind int

const (
	Registered ChangeKind = iota
	Unregistered
)

// Change describes one registry transition.
type Change struct {
	Kind         ChangeKind
	ConnectionID string
	User         string
	// First is set when a registration took User from offline to online.
	First bool
	// Last is set when an unregistration took User's final connection.
	Last bool
	// Online is the number of distinct identities online after the change.
	Online int
}

// Registry maps live connections to claimed identities. A single identity may
// own any number of connections. Registry is safe for concurrent use; every
// method is atomic with respect to the others.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]string              // connection -> user
	byUser map[string]map[string]struct{} // user -> connections

	onChange func(Change)
	now      func() time.Time
}

// NewRegistry creates an empty registry. onChange, if non-nil, is called after
// every Register and after every Unregister that removed a binding. It runs
// outside the registry lock, so it may call back into the registry.
func NewRegistry(onChange func(Change)) *Registry {
	return &Registry{
		byConn:   make(map[string]string),
		byUser:   make(map[string]map[string]struct{}),
		onChange: onChange,
		now:      time.Now,
	}
}

// Register binds connID to user, replacing any previous binding of connID.
func (r *Registry) Register(connID, user string) {
	r.mu.Lock()
	if prev, ok := r.byConn[connID]; ok && prev != user {
		r.unbindLocked(connID, prev)
	}
	r.byConn[connID] = user
	conns, ok := r.byUser[user]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[user] = conns
	}
	conns[connID] = struct{}{}
	online := len(r.byUser)
	r.mu.Unlock()

	r.notify(Change{Kind: Registered, ConnectionID: connID, User: user, First: !ok, Online: online})
}

// Unregister removes the binding of connID. It returns the identity that was
// bound, and false when the connection never claimed one.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	user, ok := r.byConn[connID]
	var last bool
	if ok {
		last = r.unbindLocked(connID, user)
	}
	online := len(r.byUser)
	r.mu.Unlock()

	if ok {
		r.notify(Change{Kind: Unregistered, ConnectionID: connID, User: user, Last: last, Online: online})
	}
	return user, ok
}

// unbindLocked reports whether it removed the last connection of user.
func (r *Registry) unbindLocked(connID, user string) bool {
	delete(r.byConn, connID)
	conns, ok := r.byUser[user]
	if !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, user)
		return true
	}
	return false
}

func (r *Registry) notify(c Change) {
	if r.onChange != nil {
		r.onChange(c)
	}
}

// UserOf returns the identity claimed by connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.byConn[connID]
	return user, ok
}

// IsOnline reports whether any live connection is bound to user.
func (r *Registry) IsOnline(user string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user]) > 0
}

// ConnectionsFor returns the connections bound to user. The slice is a copy
// and is empty when the user is offline.
func (r *Registry) ConnectionsFor(user string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[user]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// OnlineCount returns the number of distinct identities online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Online returns the identities that currently own at least one connection.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for user := range r.byUser {
		out = append(out, user)
	}
	return out
}

// Snapshot merges the durable roster with live presence, preserving the
// roster order. Online users get LastSeen = now; offline users get nil.
func (r *Registry) Snapshot(users []models.User) []models.PresenceStatus {
	now := r.now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.PresenceStatus, 0, len(users))
	for _, u := range users {
		status := models.PresenceStatus{Username: u.Name}
		if len(r.byUser[u.Name]) > 0 {
			seen := now
			status.IsOnline = true
			status.LastSeen = &seen
		}
		out = append(out, status)
	}
	return out
}
