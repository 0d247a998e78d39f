package syncbus

import (
	"encoding/json"
	"log/slog"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
	"github.com/quoteflowhq/QuoteFlow/internal/session"
)

// CreatedPayload carries a new session announcement.
type CreatedPayload struct {
	Summary models.SessionSummary `json:"summary"`
	State   models.SessionState   `json:"state"`
}

// UpdatedPayload carries a state change for one session.
type UpdatedPayload struct {
	SessionID string              `json:"sessionId"`
	State     models.SessionState `json:"state"`
}

// ReloadedPayload carries a wholesale list and state map replacement.
type ReloadedPayload struct {
	Sessions []models.SessionSummary        `json:"sessions"`
	StateMap map[string]models.SessionState `json:"stateMap"`
}

// SessionSyncHandler applies incoming sync events to the local session
// manager. Updates for the session this instance is actively editing are
// dropped: local in-progress work wins over remote snapshots, and the remote
// copy converges on the next local broadcast.
type SessionSyncHandler struct {
	manager *session.Manager
}

// NewSessionSyncHandler creates a handler bound to a session manager.
func NewSessionSyncHandler(m *session.Manager) *SessionSyncHandler {
	return &SessionSyncHandler{manager: m}
}

// HandleEvent applies one event. Malformed payloads are logged and dropped;
// a bad frame from one peer must not take down the receive loop.
func (h *SessionSyncHandler) HandleEvent(ev Event) {
	switch ev.Type {
	case EventSessionCreated:
		var payload CreatedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Error("Sync handler failed to decode created payload", "error", err)
			return
		}
		if payload.Summary.ID == "" {
			slog.Warn("Sync handler ignoring created event without session id")
			return
		}
		h.manager.Create(payload.Summary, payload.State)

	case EventSessionDeleted:
		var id string
		if err := json.Unmarshal(ev.Payload, &id); err != nil {
			slog.Error("Sync handler failed to decode deleted payload", "error", err)
			return
		}
		h.manager.Delete(id)

	case EventSessionUpdated:
		var payload UpdatedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Error("Sync handler failed to decode updated payload", "error", err)
			return
		}
		if payload.SessionID == h.manager.ActiveSessionID() {
			slog.Debug("Sync handler dropping update for active session", "session_id", payload.SessionID)
			return
		}
		h.manager.Put(payload.SessionID, payload.State)

	case EventSessionsReloaded:
		var payload ReloadedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Error("Sync handler failed to decode reloaded payload", "error", err)
			return
		}
		h.manager.ReplaceAll(payload.Sessions, payload.StateMap)

	default:
		slog.Warn("Sync handler ignoring unknown event type", "type", ev.Type)
	}
}
