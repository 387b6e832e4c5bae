// Package registry maps a live identity to its currently active outbound
// channel. It is the single source of truth for "is this user reachable right
// now".
package registry

import (
	"sort"
	"sync"
)

// Conn is the outbound side of a live channel as seen by relays.
//
// Send must not block on the remote peer; implementations queue the event and
// report an error when the channel is closed or its queue is full.
type Conn interface {
	ConnID() string
	Send(event string, data any) error
}

// Registry holds at most one entry per identity.
//
// Handlers for different channels run concurrently, so every operation takes
// the registry lock. Remove is compare-and-remove.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Conn

	onChange func(n int)
}

func New() *Registry {
	return &Registry{entries: make(map[string]Conn)}
}

// OnChange installs a callback invoked with the new registry size after every
// mutation. It must be set before the registry is shared.
func (r *Registry) OnChange(fn func(n int)) {
	r.onChange = fn
}

// Register installs or replaces the mapping for identity.
//
// When an existing mapping pointed at a different channel, that channel is
// returned as prev and replaced is true. The prior channel is not closed.
func (r *Registry) Register(identity string, c Conn) (prev Conn, replaced bool) {
	r.mu.Lock()
	prev, ok := r.entries[identity]
	r.entries[identity] = c
	n := len(r.entries)
	r.mu.Unlock()

	r.changed(n)
	if ok && prev != c {
		return prev, true
	}
	return nil, false
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	c, ok := r.entries[identity]
	r.mu.RUnlock()
	return c, ok
}

// Remove deletes the mapping for identity only if it still points at c. It
// reports whether an entry was removed.
func (r *Registry) Remove(identity string, c Conn) bool {
	r.mu.Lock()
	cur, ok := r.entries[identity]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, identity)
	n := len(r.entries)
	r.mu.Unlock()

	r.changed(n)
	return true
}

// Identities returns the registered identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Deliver sends an event to identity's channel if it is registered. It reports
// whether the event was handed to a live channel.
func (r *Registry) Deliver(identity, event string, data any) bool {
	c, ok := r.Lookup(identity)
	if !ok {
		return false
	}
	return c.Send(event, data) == nil
}

func (r *Registry) changed(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}
