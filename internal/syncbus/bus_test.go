package syncbus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

type countingHandler struct {
	calls atomic.Int64
	last  atomic.Value
}

func (h *countingHandler) HandleEvent(ev Event) {
	h.calls.Add(1)
	h.last.Store(ev)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBusDeliversRemoteEvents(t *testing.T) {
	broker := NewBroker()
	handler := &countingHandler{}
	bus := NewBus(broker.Subscribe("sessions"), handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	peer := broker.Subscribe("sessions")
	defer peer.Close()
	if err := peer.Send(Event{Type: EventSessionDeleted, SourceInstanceID: "other-instance", Payload: json.RawMessage(`"s1"`)}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	waitFor(t, "event delivery", func() bool { return handler.calls.Load() == 1 })
	got := handler.last.Load().(Event)
	if got.Type != EventSessionDeleted {
		t.Errorf("delivered type = %q", got.Type)
	}
}

func TestBusDropsSelfEcho(t *testing.T) {
	broker := NewBroker()
	handler := &countingHandler{}
	bus := NewBus(broker.Subscribe("sessions"), handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	peer := broker.Subscribe("sessions")
	defer peer.Close()

	// An event carrying this instance's own id must be ignored even if the
	// transport reflects it back.
	if err := peer.Send(Event{Type: EventSessionDeleted, SourceInstanceID: bus.InstanceID, Payload: json.RawMessage(`"s1"`)}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := peer.Send(Event{Type: EventSessionDeleted, SourceInstanceID: "other-instance", Payload: json.RawMessage(`"s2"`)}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	waitFor(t, "non-echo delivery", func() bool { return handler.calls.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := handler.calls.Load(); n != 1 {
		t.Errorf("expected the self-echo to be dropped, handled %d events", n)
	}
}

func TestBusStampsEvents(t *testing.T) {
	broker := NewBroker()
	bus := NewBus(broker.Subscribe("sessions"), &countingHandler{})

	peer := broker.Subscribe("sessions")
	defer peer.Close()

	if err := bus.Broadcast(EventSessionDeleted, "s1"); err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}

	select {
	case ev := <-peer.Events():
		if ev.SourceInstanceID != bus.InstanceID {
			t.Errorf("SourceInstanceID = %q, want %q", ev.SourceInstanceID, bus.InstanceID)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event timestamp not stamped")
		}
		var id string
		if err := json.Unmarshal(ev.Payload, &id); err != nil || id != "s1" {
			t.Errorf("payload = %s (%v)", ev.Payload, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event never reached the peer")
	}
}

type rebroadcastHandler struct {
	bus   *Bus
	calls atomic.Int64
}

func (h *rebroadcastHandler) HandleEvent(ev Event) {
	h.calls.Add(1)
	// A handler reacting to a remote change tries to announce the resulting
	// local mutation; the guard must swallow it.
	if err := h.bus.Broadcast(EventSessionUpdated, nil); err != nil {
		panic(err)
	}
}

func TestBusGuardSuppressesRebroadcast(t *testing.T) {
	broker := NewBroker()
	handler := &rebroadcastHandler{}
	bus := NewBus(broker.Subscribe("sessions"), handler)
	handler.bus = bus

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	peer := broker.Subscribe("sessions")
	defer peer.Close()
	if err := peer.Send(Event{Type: EventSessionDeleted, SourceInstanceID: "other-instance", Payload: json.RawMessage(`"s1"`)}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	waitFor(t, "event delivery", func() bool { return handler.calls.Load() == 1 })
	select {
	case ev := <-peer.Events():
		t.Fatalf("handler side effect leaked onto the bus: %+v", ev)
	case <-time.After(2 * ReentrancyGuardDelay):
	}

	// Once the guard releases, broadcasting works again.
	waitFor(t, "guard release", func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return !bus.processing
	})
	if err := bus.Broadcast(EventSessionDeleted, "s2"); err != nil {
		t.Fatalf("Broadcast after guard release: %v", err)
	}
	select {
	case ev := <-peer.Events():
		if ev.Type != EventSessionDeleted {
			t.Errorf("unexpected event after guard release: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast after guard release never arrived")
	}
}

func TestBrokerDoesNotEchoToSender(t *testing.T) {
	broker := NewBroker()
	a := broker.Subscribe("sessions")
	b := broker.Subscribe("sessions")
	defer a.Close()
	defer b.Close()

	if err := a.Send(Event{Type: EventSessionDeleted, SourceInstanceID: "a"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	select {
	case <-b.Events():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber never received the event")
	}
	select {
	case ev := <-a.Events():
		t.Fatalf("sender received its own event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryChannelSendAfterClose(t *testing.T) {
	broker := NewBroker()
	ch := broker.Subscribe("sessions")
	if err := ch.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := ch.Send(Event{Type: EventSessionDeleted}); err == nil {
		t.Errorf("expected error sending on closed channel")
	}
}
