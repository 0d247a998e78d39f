// Package syncbus propagates session changes between QuoteFlow instances.
//
// Each instance stamps outgoing events with its own id and ignores its own
// echoes, so any broadcast transport (in-process broker, websocket relay)
// can be used without feedback loops. Incoming events are applied through a
// handler while a short reentrancy guard suppresses re-broadcasting the
// changes the handler itself makes.
package syncbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names one kind of session mutation carried on the bus.
type EventType string

const (
	// EventSessionCreated announces a brand-new session with its full state.
	EventSessionCreated EventType = "SESSION_CREATED"
	// EventSessionDeleted announces a session removal; the payload is the id.
	EventSessionDeleted EventType = "SESSION_DELETED"
	// EventSessionUpdated announces a state change for one session.
	EventSessionUpdated EventType = "SESSION_UPDATED"
	// EventSessionsReloaded announces a wholesale replacement of the list
	// and state map, e.g. after a rebuild.
	EventSessionsReloaded EventType = "SESSIONS_RELOADED"
)

// ReentrancyGuardDelay is how long after handling a remote event the bus
// keeps suppressing its own broadcasts. Handlers mutate the session manager,
// and those mutations must not echo back onto the bus.
const ReentrancyGuardDelay = 50 * time.Millisecond

// Event is the wire unit of session synchronization.
type Event struct {
	Type             EventType       `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	SourceInstanceID string          `json:"sourceInstanceId"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Channel is a broadcast transport for sync events. Send delivers an event
// to every other participant; Events yields events from other participants
// (implementations may or may not filter self-echoes, the Bus always does).
type Channel interface {
	Send(ev Event) error
	Events() <-chan Event
	Close() error
}

// Handler applies one incoming event to local state.
type Handler interface {
	HandleEvent(ev Event)
}

// Bus connects a Channel to a Handler for one instance.
type Bus struct {
	// InstanceID uniquely identifies this instance for self-echo filtering.
	InstanceID string

	channel Channel
	handler Handler

	mu         sync.Mutex
	processing bool
}

// NewBus creates a Bus over the given transport and handler.
func NewBus(channel Channel, handler Handler) *Bus {
	id := uuid.NewString()
	slog.Debug("Creating sync bus", "instance_id", id)
	return &Bus{
		InstanceID: id,
		channel:    channel,
		handler:    handler,
	}
}

// Start consumes incoming events until the context is cancelled or the
// channel closes. Self-echoes are dropped; events arriving while a previous
// one is still being applied are dropped rather than queued.
func (b *Bus) Start(ctx context.Context) {
	slog.Debug("Sync bus starting", "instance_id", b.InstanceID)
	go func() {
		for {
			select {
			case <-ctx.Done():
				slog.Debug("Sync bus stopped", "instance_id", b.InstanceID)
				return
			case ev, ok := <-b.channel.Events():
				if !ok {
					slog.Debug("Sync bus channel closed", "instance_id", b.InstanceID)
					return
				}
				b.dispatch(ev)
			}
		}
	}()
}

func (b *Bus) dispatch(ev Event) {
	if ev.SourceInstanceID == b.InstanceID {
		slog.Debug("Sync bus dropping self-echo", "type", ev.Type)
		return
	}

	b.mu.Lock()
	if b.processing {
		b.mu.Unlock()
		slog.Warn("Sync bus dropping event during processing", "type", ev.Type, "source", ev.SourceInstanceID)
		return
	}
	b.processing = true
	b.mu.Unlock()

	slog.Debug("Sync bus applying event", "type", ev.Type, "source", ev.SourceInstanceID)
	b.handler.HandleEvent(ev)

	// The guard outlives the handler call so that debounced writes triggered
	// by the handler do not re-enter Broadcast.
	time.AfterFunc(ReentrancyGuardDelay, func() {
		b.mu.Lock()
		b.processing = false
		b.mu.Unlock()
	})
}

// Broadcast publishes a session mutation. Calls made while an incoming event
// is being applied are suppressed; that mutation originated remotely and is
// already known to the other instances.
func (b *Bus) Broadcast(eventType EventType, payload any) error {
	b.mu.Lock()
	suppressed := b.processing
	b.mu.Unlock()
	if suppressed {
		slog.Debug("Sync bus broadcast suppressed during processing", "type", eventType)
		return nil
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			slog.Error("Sync bus failed to encode payload", "error", err, "type", eventType)
			return fmt.Errorf("failed to encode %s payload: %w", eventType, err)
		}
		raw = encoded
	}

	ev := Event{
		Type:             eventType,
		Payload:          raw,
		SourceInstanceID: b.InstanceID,
		Timestamp:        time.Now(),
	}
	if err := b.channel.Send(ev); err != nil {
		slog.Error("Sync bus send failed", "error", err, "type", eventType)
		return fmt.Errorf("failed to send %s event: %w", eventType, err)
	}
	slog.Debug("Sync bus broadcast", "type", eventType, "instance_id", b.InstanceID)
	return nil
}
