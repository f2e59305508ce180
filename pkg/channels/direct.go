package channels

import (
	"context"
	"sync"
)

// Direct is an in-process channel that hands replies to a callback.
// Used by tests and by local (stdin/CLI) interaction.
type Direct struct {
	name    string
	handler func(userID, text string)
	mu      sync.RWMutex
}

// NewDirect creates a direct channel
func NewDirect(name string, handler func(userID, text string)) *Direct {
	if name == "" {
		name = "direct"
	}
	return &Direct{name: name, handler: handler}
}

// Name returns the channel name
func (d *Direct) Name() string {
	return d.name
}

// SetHandler replaces the reply callback
func (d *Direct) SetHandler(handler func(userID, text string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

// Send delivers a reply to the callback
func (d *Direct) Send(ctx context.Context, userID, text string) error {
	d.mu.RLock()
	handler := d.handler
	d.mu.RUnlock()

	if handler != nil {
		handler(userID, text)
	}
	return nil
}
