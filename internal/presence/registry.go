// Package presence tracks which users currently hold a live connection.
// The registry is process-lifetime only; nothing is persisted.
package presence

import "sync"

// Transition describes a user's online state change.
type Transition struct {
	UserID string
	Online bool
}

// Registry maps user ids to their online state. A user with multiple
// concurrent sessions stays online until the last one disconnects.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]int
	watchers []chan Transition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]int)}
}

// Online reports whether the user has at least one live session.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID] > 0
}

// Connect records a new session for the user. Returns true if this
// brought the user online.
func (r *Registry) Connect(userID string) bool {
	r.mu.Lock()
	r.sessions[userID]++
	first := r.sessions[userID] == 1
	r.mu.Unlock()

	if first {
		r.notify(Transition{UserID: userID, Online: true})
	}
	return first
}

// Disconnect records a session going away. Returns true if this took the
// user offline.
func (r *Registry) Disconnect(userID string) bool {
	r.mu.Lock()
	n := r.sessions[userID]
	if n <= 1 {
		delete(r.sessions, userID)
	} else {
		r.sessions[userID] = n - 1
	}
	last := n == 1
	r.mu.Unlock()

	if last {
		r.notify(Transition{UserID: userID, Online: false})
	}
	return last
}

// Watch returns a channel of online/offline transitions and an
// unsubscribe function. Delivery is non-blocking; slow watchers miss
// transitions.
func (r *Registry) Watch(bufSize int) (<-chan Transition, func()) {
	ch := make(chan Transition, bufSize)
	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, w := range r.watchers {
			if w == ch {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) notify(t Transition) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.watchers {
		select {
		case w <- t:
		default:
		}
	}
}
