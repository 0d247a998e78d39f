// Package api provides HTTP handlers for QuoteFlow endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quoteflowhq/QuoteFlow/internal/flowdef"
	"github.com/quoteflowhq/QuoteFlow/internal/models"
	"github.com/quoteflowhq/QuoteFlow/internal/syncbus"
)

// flowHandler serves flow definition files from the flow directory. Payloads
// are shape-validated before leaving the process so clients never see a flow
// the executor would reject.
func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.flowHandler: processing flow request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.flowHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/form-flows/")
	flowID := strings.TrimSuffix(name, ".json")
	if flowID == "" || flowID == name || strings.ContainsAny(flowID, "/\\") {
		slog.Warn("Server.flowHandler: invalid flow path", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid flow identifier"))
		return
	}

	payload, err := os.ReadFile(filepath.Join(s.flowDir, flowID+".json"))
	if os.IsNotExist(err) {
		slog.Debug("Server.flowHandler: flow not found", "flow_id", flowID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	if err != nil {
		slog.Error("Server.flowHandler: failed to read flow file", "error", err, "flow_id", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read flow definition"))
		return
	}

	if _, err := flowdef.ParseFlow(payload); err != nil {
		slog.Error("Server.flowHandler: flow failed shape validation", "error", err, "flow_id", flowID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Flow definition failed validation"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(payload); err != nil {
		slog.Error("Server.flowHandler: failed to write flow response", "error", err, "flow_id", flowID)
	}
}

func (s *Server) submissionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		s.addSubmission(w, r)
	case http.MethodGet:
		s.listSubmissions(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.submissionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) addSubmission(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.addSubmission: processing submission request")
	var sub models.FormSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		slog.Warn("Server.addSubmission: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	now := time.Now().UTC()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = now
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	if err := s.store.AddSubmission(sub); err != nil {
		if isValidationError(err) {
			slog.Warn("Server.addSubmission: validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.addSubmission: failed to store submission", "error", err, "session_id", sub.SessionID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store submission"))
		return
	}

	slog.Info("Server.addSubmission: submission stored", "session_id", sub.SessionID, "step_id", sub.StepID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Submission stored successfully", sub.ID))
}

func (s *Server) listSubmissions(w http.ResponseWriter, r *http.Request) {
	projectKey := r.URL.Query().Get("projectKey")
	if projectKey == "" {
		slog.Warn("Server.listSubmissions: missing projectKey")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: projectKey"))
		return
	}

	submissions, err := s.store.GetSubmissionsByProject(projectKey)
	if err != nil {
		slog.Error("Server.listSubmissions: query failed", "error", err, "project_key", projectKey)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch submissions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(submissions))
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodGet:
		writeJSONResponse(w, http.StatusOK, models.Success(s.manager.List()))
	case http.MethodPost:
		s.createSession(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.sessionsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createSession: processing session create request")
	var payload syncbus.CreatedPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Warn("Server.createSession: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if payload.Summary.ID == "" {
		payload.Summary.ID = uuid.NewString()
	}

	if !s.manager.Create(payload.Summary, payload.State) {
		slog.Debug("Server.createSession: session already exists", "session_id", payload.Summary.ID)
		writeJSONResponse(w, http.StatusConflict, models.Error("Session already exists"))
		return
	}
	s.broadcast(syncbus.EventSessionCreated, payload)

	slog.Info("Server.createSession: session created", "session_id", payload.Summary.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Session created successfully", payload.Summary.ID))
}

// sessionHandler covers the per-session routes under /sessions/{id}.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		slog.Warn("Server.sessionHandler: invalid session path", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid session identifier"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		state, ok := s.manager.Get(id)
		if !ok {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(state))
	case http.MethodDelete:
		s.manager.Delete(id)
		s.broadcast(syncbus.EventSessionDeleted, id)
		slog.Info("Server.sessionHandler: session deleted", "session_id", id)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session deleted successfully", nil))
	default:
		w.Header().Set("Allow", "GET, DELETE")
		slog.Warn("Server.sessionHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// broadcast publishes a session mutation to the other instances. Delivery is
// best-effort; a send failure is logged and the local mutation stands.
func (s *Server) broadcast(eventType syncbus.EventType, payload any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Broadcast(eventType, payload); err != nil {
		slog.Error("Server.broadcast: failed to publish sync event", "error", err, "type", eventType)
	}
}

// rebuildRequest is the body of a POST /rebuild call.
type rebuildRequest struct {
	ProjectKey string `json:"projectKey"`
	FlowID     string `json:"flowId"`
	IsRevision bool   `json:"isRevision"`
}

// rebuildHandler reconstructs sessions for a project from the durable store.
// When the local cache already references the project, the rebuild is skipped
// and the cached sessions win.
func (s *Server) rebuildHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.rebuildHandler: processing rebuild request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.rebuildHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.rebuildHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ProjectKey == "" {
		slog.Warn("Server.rebuildHandler: missing project key")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: projectKey"))
		return
	}

	if s.manager.ReferencesProject(req.ProjectKey) {
		slog.Debug("Server.rebuildHandler: project already cached, skipping rebuild", "project_key", req.ProjectKey)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Local sessions already reference this project", nil))
		return
	}

	var expectedSteps []models.Step
	if req.FlowID != "" {
		flow, err := s.loader.Load(r.Context(), req.FlowID)
		if err != nil {
			slog.Error("Server.rebuildHandler: flow failed validation", "error", err, "flow_id", req.FlowID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Flow definition failed validation"))
			return
		}
		expectedSteps = flowdef.FilterSteps(flow, req.IsRevision)
	}

	rebuilt := s.rebuilder.Rebuild(r.Context(), req.ProjectKey, expectedSteps)
	for _, rb := range rebuilt {
		s.manager.Create(rb.Summary, rb.State)
	}
	if len(rebuilt) > 0 {
		s.broadcast(syncbus.EventSessionsReloaded, syncbus.ReloadedPayload{
			Sessions: s.manager.List(),
			StateMap: s.manager.States(),
		})
	}

	slog.Info("Server.rebuildHandler: rebuild complete", "project_key", req.ProjectKey, "sessions", len(rebuilt))
	writeJSONResponse(w, http.StatusOK, models.Success(rebuilt))
}

// isValidationError reports whether a store error came from submission
// validation rather than the backend.
func isValidationError(err error) bool {
	return errors.Is(err, models.ErrEmptySessionID) ||
		errors.Is(err, models.ErrEmptyProjectKey) ||
		errors.Is(err, models.ErrEmptyStepID) ||
		errors.Is(err, models.ErrEmptyFormID) ||
		errors.Is(err, models.ErrMissingFormData)
}
