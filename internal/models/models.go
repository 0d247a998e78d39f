// Package models defines the core data structures for QuoteFlow.
//
// It includes types for chat sessions, form submissions, and projects, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Sender identifies the author of a chat message.
type Sender string

const (
	// SenderUser marks a message typed by the user.
	SenderUser Sender = "user"
	// SenderBot marks a message produced by the assistant.
	SenderBot Sender = "bot"
	// SenderSystem marks a synthetic message produced by the system (e.g., session rebuild notices).
	SenderSystem Sender = "system"
)

// Error variables for better error handling and testability
var (
	ErrEmptySessionID  = errors.New("session id cannot be empty")
	ErrEmptyProjectKey = errors.New("project key cannot be empty")
	ErrEmptyStepID     = errors.New("step id cannot be empty")
	ErrEmptyFormID     = errors.New("form id cannot be empty")
	ErrMissingFormData = errors.New("form data is required for submissions")
)

// Message represents one entry in a session's chat transcript.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary is the list-tier view of a session, persisted alongside the
// full state map as an independent local cache entry.
type SessionSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ItemNumber string    `json:"itemNumber,omitempty"`
	ProjectKey string    `json:"projectKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SessionState is the unit of persistence and cross-instance sync for one
// in-progress or completed flow traversal.
type SessionState struct {
	Messages           []Message         `json:"messages"`
	FlowState          map[string]any    `json:"flowState"`
	CurrentStepOrder   int               `json:"currentStepOrder"`
	FilteredSteps      []Step            `json:"filteredSteps"`
	ItemNumber         string            `json:"itemNumber,omitempty"`
	ValidationErrors   map[string]string `json:"validationErrors"`
	ActiveFormData     map[string]any    `json:"activeFormData"`
	CompletedFormIDs   []string          `json:"completedFormIds"`
	TableSelections    map[string]int    `json:"tableSelections"`
	HighestStepReached int               `json:"highestStepReached"`
	LastAccessedAt     time.Time         `json:"lastAccessedAt"`
	ProjectKey         string            `json:"projectKey,omitempty"`
}

// NewSessionState returns the canonical empty state used for brand-new
// sessions and as the fallback when cache validation fails.
func NewSessionState(itemNumber, projectKey string) SessionState {
	return SessionState{
		Messages:           []Message{},
		FlowState:          map[string]any{},
		CurrentStepOrder:   0,
		FilteredSteps:      []Step{},
		ItemNumber:         itemNumber,
		ValidationErrors:   map[string]string{},
		ActiveFormData:     map[string]any{},
		CompletedFormIDs:   []string{},
		TableSelections:    map[string]int{},
		HighestStepReached: 0,
		LastAccessedAt:     time.Now(),
		ProjectKey:         projectKey,
	}
}

// FormSubmission is one validated form write in the remote durable store,
// queried by the session rebuilder.
type FormSubmission struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	ProjectKey  string         `json:"projectKey"`
	StepID      string         `json:"stepId"`
	FormID      string         `json:"formId"`
	FormData    map[string]any `json:"formData"`
	ItemNumber  string         `json:"itemNumber"`
	SubmittedAt time.Time      `json:"submittedAt"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Validate performs structural validation on a FormSubmission before it is
// written to the durable store.
func (s *FormSubmission) Validate() error {
	if s.SessionID == "" {
		return ErrEmptySessionID
	}
	if s.ProjectKey == "" {
		return ErrEmptyProjectKey
	}
	if s.StepID == "" {
		return ErrEmptyStepID
	}
	if s.FormID == "" {
		return ErrEmptyFormID
	}
	if len(s.FormData) == 0 {
		return ErrMissingFormData
	}
	return nil
}

// Project represents one quoting project (sales order) in the durable store.
type Project struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
