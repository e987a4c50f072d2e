// Package presence tracks the users currently online and the display names
// they hold.
package presence

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-live/internal/identity"
)

var (
	ErrNameConflict        = errors.New("name already in use")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("connection already registered")
)

// User is the identity of one online connection.
type User struct {
	ConnectionID string
	Name         string
	Style        identity.Style
	Avatar       string
	JoinedAt     time.Time

	seq uint64
}

// Registry maps connection ids to users. Names are unique ignoring case.
// Every operation, including List, holds the registry lock, so readers never
// observe a half applied rename.
type Registry struct {
	mu    sync.RWMutex
	users map[string]User
	names map[string]string
	seq   uint64
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]User),
		names: make(map[string]string),
	}
}

func foldName(name string) string {
	return strings.ToLower(name)
}

// Add registers a user under its connection id. The avatar is derived from
// the user's name and style.
func (r *Registry) Add(u User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[u.ConnectionID]; ok {
		return User{}, ErrDuplicateConnection
	}
	if _, ok := r.names[foldName(u.Name)]; ok {
		return User{}, ErrNameConflict
	}

	r.seq++
	u.seq = r.seq
	u.Avatar = identity.AvatarFor(u.Name, u.Style)
	r.users[u.ConnectionID] = u
	r.names[foldName(u.Name)] = u.ConnectionID
	return u, nil
}

// Remove deletes the connection. The boolean is false when the connection
// was not registered, which makes repeated removals harmless.
func (r *Registry) Remove(connectionID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connectionID]
	if !ok {
		return User{}, false
	}
	delete(r.users, connectionID)
	delete(r.names, foldName(u.Name))
	return u, true
}

// Rename changes the display name of a connection and recomputes its avatar.
// It returns the user before and after the change. ErrNameConflict is
// returned when another connection holds newName; the registry is left
// unchanged in that case.
func (r *Registry) Rename(connectionID, newName string) (User, User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.users[connectionID]
	if !ok {
		return User{}, User{}, ErrUnknownConnection
	}
	if holder, ok := r.names[foldName(newName)]; ok && holder != connectionID {
		return prev, prev, ErrNameConflict
	}

	next := prev
	next.Name = newName
	next.Avatar = identity.AvatarFor(newName, next.Style)
	delete(r.names, foldName(prev.Name))
	r.names[foldName(newName)] = connectionID
	r.users[connectionID] = next
	return prev, next, nil
}

// SetStyle switches the avatar style of a connection.
func (r *Registry) SetStyle(connectionID string, style identity.Style) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[connectionID]
	if !ok {
		return User{}, ErrUnknownConnection
	}
	u.Style = style
	u.Avatar = identity.AvatarFor(u.Name, style)
	r.users[connectionID] = u
	return u, nil
}

func (r *Registry) Get(connectionID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[connectionID]
	return u, ok
}

// LookupName finds the user holding name, ignoring case.
func (r *Registry) LookupName(name string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.names[foldName(name)]
	if !ok {
		return User{}, false
	}
	return r.users[id], true
}

// Taken implements identity.NameChecker.
func (r *Registry) Taken(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[foldName(name)]
	return ok
}

// List returns every online user ordered by join time.
func (r *Registry) List() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b User) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
