// Package input provides keyboard event sources for the key tracker.
package input

import (
	"context"
	"sync"

	"github.com/AleSMC/ESP32-Video-Rover/internal/keys"
)

// Source delivers press/release events on its own goroutine.
//
// Contract:
//   - Start begins delivery; Events may be read before or after Start.
//   - Stop is idempotent, safe from any goroutine, and closes the Events
//     channel exactly once.
type Source interface {
	Start(ctx context.Context) error
	Events() <-chan keys.Event
	Stop() error
}

// ChannelSource is a programmatic Source for scripted driving and tests.
type ChannelSource struct {
	mu      sync.Mutex
	events  chan keys.Event
	stopped bool
}

// NewChannelSource creates a source with the given channel capacity.
func NewChannelSource(capacity int) *ChannelSource {
	return &ChannelSource{events: make(chan keys.Event, capacity)}
}

// Start is a no-op; events flow as soon as they are sent.
func (c *ChannelSource) Start(ctx context.Context) error { return nil }

// Events returns the delivery channel.
func (c *ChannelSource) Events() <-chan keys.Event { return c.events }

// Send enqueues e. It returns false if the source is stopped or the buffer
// is full; it never blocks.
func (c *ChannelSource) Send(e keys.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}
	select {
	case c.events <- e:
		return true
	default:
		return false
	}
}

// Press sends a press event for k.
func (c *ChannelSource) Press(k keys.Key) bool { return c.Send(keys.PressEvent(k)) }

// Release sends a release event for k.
func (c *ChannelSource) Release(k keys.Key) bool { return c.Send(keys.ReleaseEvent(k)) }

// Stop closes the event channel. Idempotent.
func (c *ChannelSource) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true
	close(c.events)
	return nil
}
