package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

func testSubmission(sessionID, stepID, projectKey string, offset time.Duration) models.FormSubmission {
	now := time.Now().Add(offset).UTC().Truncate(time.Second)
	return models.FormSubmission{
		ID:          sessionID + "-" + stepID,
		SessionID:   sessionID,
		ProjectKey:  projectKey,
		StepID:      stepID,
		FormID:      stepID,
		FormData:    map[string]any{"WIDTH": float64(36)},
		ItemNumber:  "001",
		SubmittedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func runStoreTests(t *testing.T, s Store) {
	t.Helper()

	subs := []models.FormSubmission{
		testSubmission("s1", "opening-type", "SDI/SO123", time.Minute),
		testSubmission("s1", "project-header", "SDI/SO123", 0),
		testSubmission("s2", "project-header", "SDI/SO999", 0),
	}
	for _, sub := range subs {
		if err := s.AddSubmission(sub); err != nil {
			t.Fatalf("AddSubmission error: %v", err)
		}
	}

	got, err := s.GetSubmissionsByProject("SDI/SO123")
	if err != nil {
		t.Fatalf("GetSubmissionsByProject error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 submissions for project, got %d", len(got))
	}
	if got[0].StepID != "project-header" || got[1].StepID != "opening-type" {
		t.Errorf("submissions not ordered by submission time: %q, %q", got[0].StepID, got[1].StepID)
	}
	if got[0].FormData["WIDTH"] != float64(36) {
		t.Errorf("form data not round-tripped: %v", got[0].FormData)
	}

	empty, err := s.GetSubmissionsByProject("SDI/NOPE")
	if err != nil {
		t.Fatalf("GetSubmissionsByProject error: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no submissions for unknown project")
	}

	invalid := testSubmission("", "step", "SDI/SO123", 0)
	if err := s.AddSubmission(invalid); !errors.Is(err, models.ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	project := models.Project{ID: "p1", Key: "SDI/SO123", Name: "Steel Doors", CreatedAt: now, UpdatedAt: now}
	if err := s.SaveProject(project); err != nil {
		t.Fatalf("SaveProject error: %v", err)
	}

	project.Name = "Steel Doors Rev A"
	project.UpdatedAt = now.Add(time.Minute)
	if err := s.SaveProject(project); err != nil {
		t.Fatalf("SaveProject upsert error: %v", err)
	}

	loaded, err := s.GetProject("SDI/SO123")
	if err != nil {
		t.Fatalf("GetProject error: %v", err)
	}
	if loaded == nil || loaded.Name != "Steel Doors Rev A" {
		t.Errorf("project upsert not applied: %+v", loaded)
	}

	missing, err := s.GetProject("SDI/NOPE")
	if err != nil {
		t.Fatalf("GetProject error: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown project, got %+v", missing)
	}
}

func TestInMemoryStore(t *testing.T) {
	runStoreTests(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "quoteflow.db")
	s, err := NewSQLiteStore(WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore error: %v", err)
	}
	defer s.Close()
	runStoreTests(t, s)
}

func TestSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Errorf("expected error for missing DSN")
	}
}

func TestPostgresStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore(); err == nil {
		t.Errorf("expected error for missing DSN")
	}
}
