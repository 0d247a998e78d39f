package syncbus

import (
	"fmt"
	"log/slog"
	"sync"
)

// DefaultChannelBuffer is the per-subscriber event buffer. A subscriber that
// falls this far behind starts losing events, matching the bus's drop-don't-
// queue policy.
const DefaultChannelBuffer = 16

// Broker fans events out between in-process channels sharing a name. It is
// the transport used when all instances live in one process (and in tests);
// cross-process deployments use the websocket relay instead.
type Broker struct {
	mu       sync.Mutex
	channels map[string][]*MemoryChannel
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{channels: make(map[string][]*MemoryChannel)}
}

// Subscribe creates a channel on the named topic.
func (b *Broker) Subscribe(name string) *MemoryChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := &MemoryChannel{
		broker: b,
		name:   name,
		events: make(chan Event, DefaultChannelBuffer),
	}
	b.channels[name] = append(b.channels[name], ch)
	slog.Debug("Broker subscription added", "name", name, "subscribers", len(b.channels[name]))
	return ch
}

func (b *Broker) publish(from *MemoryChannel, ev Event) {
	b.mu.Lock()
	subscribers := make([]*MemoryChannel, len(b.channels[from.name]))
	copy(subscribers, b.channels[from.name])
	b.mu.Unlock()

	for _, ch := range subscribers {
		if ch == from {
			continue
		}
		select {
		case ch.events <- ev:
		default:
			slog.Warn("Broker dropping event for slow subscriber", "name", from.name, "type", ev.Type)
		}
	}
}

func (b *Broker) unsubscribe(ch *MemoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.channels[ch.name]
	for i := range subs {
		if subs[i] == ch {
			b.channels[ch.name] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// MemoryChannel is one subscriber endpoint on a Broker topic.
type MemoryChannel struct {
	broker *Broker
	name   string

	mu     sync.Mutex
	closed bool
	events chan Event
}

// Send publishes an event to every other subscriber on the topic.
func (c *MemoryChannel) Send(ev Event) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("channel %s is closed", c.name)
	}
	c.broker.publish(c, ev)
	return nil
}

// Events returns the incoming event stream.
func (c *MemoryChannel) Events() <-chan Event {
	return c.events
}

// Close detaches the channel from its broker.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.broker.unsubscribe(c)
	close(c.events)
	return nil
}
