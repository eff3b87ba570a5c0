// Package mailbox provides the per-role FIFO queues that carry
// messages between session surfaces.
package mailbox

import (
	"fmt"
	"sync"

	"github.com/lecternhq/lectern/internal/message"
)

// Roles is the fixed set of message consumers and producers.
var Roles = []string{"ai", "teacher", "class", "stt"}

// ErrUnknownRole is returned when a role is not one of the four fixed
// mailbox owners.
var ErrUnknownRole = fmt.Errorf("mailbox: unknown role")

// Registry owns one ordered queue of envelopes per role. Insertion
// order is the only ordering guarantee.
type Registry struct {
	mu     sync.Mutex
	queues map[string][]message.Envelope
}

// NewRegistry creates a registry with an empty mailbox per role.
func NewRegistry() *Registry {
	queues := make(map[string][]message.Envelope, len(Roles))
	for _, role := range Roles {
		queues[role] = nil
	}
	return &Registry{queues: queues}
}

// Valid reports whether role names one of the fixed mailboxes.
func (r *Registry) Valid(role string) bool {
	_, ok := r.queues[role]
	return ok
}

// Enqueue appends an envelope to the role's mailbox.
func (r *Registry) Enqueue(role string, env message.Envelope) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[role]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	r.queues[role] = append(q, env)
	return len(r.queues[role]), nil
}

// Drain atomically returns the role's queued envelopes and clears the
// mailbox. An idle mailbox yields an empty slice.
func (r *Registry) Drain(role string) ([]message.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	out := make([]message.Envelope, len(q))
	copy(out, q)
	r.queues[role] = nil
	return out, nil
}

// Depths returns the current queue length per role.
func (r *Registry) Depths() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.queues))
	for role, q := range r.queues {
		out[role] = len(q)
	}
	return out
}
