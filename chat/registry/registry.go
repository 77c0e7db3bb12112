package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/wricardo/mtls-chat/chat"
)

var (
	ErrUsernameTaken   = errors.New("username already in use")
	ErrInvalidUsername = errors.New("invalid username")
	ErrMemberNotFound  = errors.New("member not found")
)

// Registry maps active usernames to the member that owns them.
//
// Every check-and-mutate runs under one lock, and the lock is never held
// while talking to a peer.
type Registry struct {
	members map[string]chat.Member
	mu      sync.RWMutex
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		members: make(map[string]chat.Member),
	}
}

// Register inserts m under its username if no member holds that name.
func (r *Registry) Register(m chat.Member) error {
	name := m.Username()
	if name == "" {
		return ErrInvalidUsername
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[name]; exists {
		return ErrUsernameTaken
	}
	r.members[name] = m
	return nil
}

// Unregister removes m's username only while m still owns it. It returns
// true exactly once per successful Register, so a stale session can never
// remove a newer session that reused the name.
func (r *Registry) Unregister(m chat.Member) bool {
	name := m.Username()

	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.members[name]
	if !exists || current.ID() != m.ID() {
		return false
	}
	delete(r.members, name)
	return true
}

// Lookup returns the member registered under username.
func (r *Registry) Lookup(username string) (chat.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.members[username]
	if !exists {
		return nil, ErrMemberNotFound
	}
	return m, nil
}

// Contains reports whether username is registered.
func (r *Registry) Contains(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.members[username]
	return exists
}

// Snapshot returns the registered members ordered by username. The slice
// is a copy; callers may deliver to it without holding any lock.
func (r *Registry) Snapshot() []chat.Member {
	r.mu.RLock()
	result := make([]chat.Member, 0, len(r.members))
	for _, m := range r.members {
		result = append(result, m)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Username() < result[j].Username()
	})
	return result
}

// Names returns the registered usernames in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.members))
	for name := range r.members {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Count returns the number of registered members
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
