package channels

import (
	"context"
	"fmt"
	"sync"
)

// Channel delivers replies back to a user over one transport. The
// transport layer owns pairing and onboarding; the orchestration core
// only needs a way to emit text.
type Channel interface {
	Name() string
	Send(ctx context.Context, userID, text string) error
}

// DeliverFunc accepts an inbound message from a transport and submits
// it to the user's lane.
type DeliverFunc func(ctx context.Context, userID, text string) error

// Registry holds the channels known to the daemon
type Registry struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

// NewRegistry creates an empty channel registry
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel
func (r *Registry) Register(c Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[c.Name()]; exists {
		return fmt.Errorf("channel already registered: %s", c.Name())
	}
	r.channels[c.Name()] = c
	return nil
}

// Get returns a channel by name
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.channels[name]
	return c, ok
}

// Send routes a reply through a named channel
func (r *Registry) Send(ctx context.Context, channel, userID, text string) error {
	c, ok := r.Get(channel)
	if !ok {
		return fmt.Errorf("channel not found: %s", channel)
	}
	return c.Send(ctx, userID, text)
}
