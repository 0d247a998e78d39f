package syncbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
	"github.com/quoteflowhq/QuoteFlow/internal/session"
)

func testManager(t *testing.T) *session.Manager {
	t.Helper()
	m, err := session.NewManager(session.WithDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return m
}

func encodeEvent(t *testing.T, eventType EventType, payload any) Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return Event{Type: eventType, Payload: raw, SourceInstanceID: "other-instance", Timestamp: time.Now()}
}

func testSummary(id string) models.SessionSummary {
	now := time.Now()
	return models.SessionSummary{ID: id, Title: "Item 001", ItemNumber: "001", ProjectKey: "SDI/SO123", CreatedAt: now, UpdatedAt: now}
}

func TestHandlerSessionCreated(t *testing.T) {
	m := testManager(t)
	h := NewSessionSyncHandler(m)

	state := models.NewSessionState("001", "SDI/SO123")
	h.HandleEvent(encodeEvent(t, EventSessionCreated, CreatedPayload{Summary: testSummary("s1"), State: state}))

	if _, ok := m.Get("s1"); !ok {
		t.Fatalf("created session not installed")
	}
	if len(m.List()) != 1 {
		t.Errorf("list entry not installed")
	}

	// Duplicate deliveries are harmless.
	h.HandleEvent(encodeEvent(t, EventSessionCreated, CreatedPayload{Summary: testSummary("s1"), State: state}))
	if len(m.List()) != 1 {
		t.Errorf("duplicate create changed the list: %d entries", len(m.List()))
	}
}

func TestHandlerSessionDeleted(t *testing.T) {
	m := testManager(t)
	m.Create(testSummary("s1"), models.NewSessionState("001", "SDI/SO123"))

	h := NewSessionSyncHandler(m)
	h.HandleEvent(encodeEvent(t, EventSessionDeleted, "s1"))

	if _, ok := m.Get("s1"); ok {
		t.Errorf("deleted session still present")
	}
}

func TestHandlerSessionUpdated(t *testing.T) {
	m := testManager(t)
	m.Create(testSummary("s1"), models.NewSessionState("001", "SDI/SO123"))

	updated := models.NewSessionState("001", "SDI/SO123")
	updated.CurrentStepOrder = 3

	h := NewSessionSyncHandler(m)
	h.HandleEvent(encodeEvent(t, EventSessionUpdated, UpdatedPayload{SessionID: "s1", State: updated}))

	got, _ := m.Get("s1")
	if got.CurrentStepOrder != 3 {
		t.Errorf("update not applied, CurrentStepOrder = %d", got.CurrentStepOrder)
	}
}

func TestHandlerProtectsActiveSession(t *testing.T) {
	m := testManager(t)
	local := models.NewSessionState("001", "SDI/SO123")
	local.CurrentStepOrder = 5
	m.Create(testSummary("s1"), local)
	m.SetActiveSession("s1")

	remote := models.NewSessionState("001", "SDI/SO123")
	remote.CurrentStepOrder = 1

	h := NewSessionSyncHandler(m)
	h.HandleEvent(encodeEvent(t, EventSessionUpdated, UpdatedPayload{SessionID: "s1", State: remote}))

	got, _ := m.Get("s1")
	if got.CurrentStepOrder != 5 {
		t.Errorf("remote update clobbered the active session: CurrentStepOrder = %d", got.CurrentStepOrder)
	}

	// The same update lands once the session is no longer active.
	m.SetActiveSession("")
	h.HandleEvent(encodeEvent(t, EventSessionUpdated, UpdatedPayload{SessionID: "s1", State: remote}))
	got, _ = m.Get("s1")
	if got.CurrentStepOrder != 1 {
		t.Errorf("update not applied after session deactivated: CurrentStepOrder = %d", got.CurrentStepOrder)
	}
}

func TestHandlerSessionsReloaded(t *testing.T) {
	m := testManager(t)
	m.Create(testSummary("old"), models.NewSessionState("001", "SDI/SO123"))

	h := NewSessionSyncHandler(m)
	payload := ReloadedPayload{
		Sessions: []models.SessionSummary{testSummary("new1"), testSummary("new2")},
		StateMap: map[string]models.SessionState{
			"new1": models.NewSessionState("001", "SDI/SO123"),
			"new2": models.NewSessionState("002", "SDI/SO123"),
		},
	}
	h.HandleEvent(encodeEvent(t, EventSessionsReloaded, payload))

	if _, ok := m.Get("old"); ok {
		t.Errorf("reload kept a stale session")
	}
	if len(m.List()) != 2 {
		t.Errorf("reload list size = %d", len(m.List()))
	}
}

func TestHandlerMalformedPayloadIgnored(t *testing.T) {
	m := testManager(t)
	m.Create(testSummary("s1"), models.NewSessionState("001", "SDI/SO123"))

	h := NewSessionSyncHandler(m)
	h.HandleEvent(Event{Type: EventSessionDeleted, Payload: json.RawMessage(`{not json`), SourceInstanceID: "other-instance"})
	h.HandleEvent(Event{Type: "SOMETHING_ELSE", SourceInstanceID: "other-instance"})

	if _, ok := m.Get("s1"); !ok {
		t.Errorf("malformed event should not change state")
	}
}
