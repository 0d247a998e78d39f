// Package rebuild reconstructs session state from the remote durable store.
//
// When a project is reopened and no local session references it, the
// rebuilder queries submitted forms under the project key and regenerates
// one session per item: a plausible completion order, the merged flow state,
// and the step where work resumes. This is a read-reconciliation, not a
// merge with local state; callers check session.Manager.ReferencesProject
// before invoking it.
package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
	"github.com/quoteflowhq/QuoteFlow/internal/store"
)

// RebuiltSession is one reconstructed session: its list entry, its full
// state, and whether every expected step was answered.
type RebuiltSession struct {
	Summary      models.SessionSummary
	State        models.SessionState
	FlowComplete bool
}

// Rebuilder regenerates session state entries from durable form submissions.
type Rebuilder struct {
	store store.Store
}

// NewRebuilder creates a Rebuilder backed by a durable store.
func NewRebuilder(st store.Store) *Rebuilder {
	slog.Debug("Creating Rebuilder")
	return &Rebuilder{store: st}
}

// Rebuild reconstructs sessions for a project. A store failure is logged
// and surfaced as an empty result so the caller falls back to an empty
// state instead of crashing. The result is sorted by item number for
// stable, deterministic display.
func (r *Rebuilder) Rebuild(ctx context.Context, projectKey string, expectedSteps []models.Step) []RebuiltSession {
	slog.Debug("Rebuild fetching submissions", "project_key", projectKey)

	submissions, err := r.store.GetSubmissionsByProject(projectKey)
	if err != nil {
		slog.Error("Rebuild submission query failed", "error", err, "project_key", projectKey)
		return nil
	}
	if len(submissions) == 0 {
		slog.Debug("Rebuild found no submissions", "project_key", projectKey)
		return nil
	}
	slog.Debug("Rebuild found submissions", "project_key", projectKey, "count", len(submissions))

	// Group by item number; submissions without one cannot be attributed to
	// a session and are skipped.
	groups := make(map[string][]models.FormSubmission)
	for _, sub := range submissions {
		if sub.ItemNumber == "" {
			continue
		}
		groups[sub.ItemNumber] = append(groups[sub.ItemNumber], sub)
	}

	var rebuilt []RebuiltSession
	for itemNumber, subs := range groups {
		rebuilt = append(rebuilt, r.rebuildItem(projectKey, itemNumber, subs, expectedSteps))
	}

	sort.Slice(rebuilt, func(i, j int) bool {
		return rebuilt[i].Summary.ItemNumber < rebuilt[j].Summary.ItemNumber
	})
	slog.Info("Rebuild reconstructed sessions", "project_key", projectKey, "sessions", len(rebuilt))
	return rebuilt
}

// rebuildItem reconstructs one session from the submissions of one item.
func (r *Rebuilder) rebuildItem(projectKey, itemNumber string, subs []models.FormSubmission, expectedSteps []models.Step) RebuiltSession {
	// Recover a plausible completion order.
	sort.Slice(subs, func(i, j int) bool {
		return submissionTime(subs[i]).Before(submissionTime(subs[j]))
	})

	flowState := make(map[string]any, len(subs))
	completed := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if sub.StepID == "" || len(sub.FormData) == 0 {
			continue
		}
		flowState[sub.StepID] = sub.FormData
		completed[sub.StepID] = true
	}

	// Resume at the first expected step without a submission.
	currentStepOrder := len(expectedSteps)
	for i, step := range expectedSteps {
		if !completed[step.FormTemplate] {
			currentStepOrder = i
			break
		}
	}
	flowComplete := currentStepOrder == len(expectedSteps)

	// Completed ids are restricted to the expected steps, since tab
	// navigation validates jump targets against them. Submissions for steps
	// the flow definition no longer names stay in FlowState for prefill but
	// never become navigable.
	completedIDs := make([]string, 0, len(completed))
	for _, step := range expectedSteps {
		if completed[step.FormTemplate] {
			completedIDs = append(completedIDs, step.FormTemplate)
		}
	}

	suffix := fmt.Sprintf(" Resume at step %d.", currentStepOrder+1)
	if flowComplete {
		suffix = " All forms completed."
	}
	systemMessage := models.Message{
		ID:        uuid.NewString(),
		Sender:    models.SenderSystem,
		Text:      fmt.Sprintf("Session restored from %d previous form submission(s).%s", len(completed), suffix),
		Timestamp: time.Now(),
	}

	state := models.NewSessionState(itemNumber, projectKey)
	state.Messages = []models.Message{systemMessage}
	state.FlowState = flowState
	state.CurrentStepOrder = currentStepOrder
	state.FilteredSteps = expectedSteps
	state.CompletedFormIDs = completedIDs
	state.HighestStepReached = currentStepOrder

	summary := models.SessionSummary{
		ID:         uuid.NewString(),
		Title:      "Item " + itemNumber,
		ItemNumber: itemNumber,
		ProjectKey: projectKey,
		CreatedAt:  subs[0].CreatedAt,
		UpdatedAt:  subs[len(subs)-1].UpdatedAt,
	}

	slog.Debug("Rebuild reconstructed item", "item_number", itemNumber, "forms", len(completed), "resume_at", currentStepOrder, "complete", flowComplete)
	return RebuiltSession{Summary: summary, State: state, FlowComplete: flowComplete}
}

// submissionTime prefers the submission timestamp, falling back to the
// record's creation time for legacy rows.
func submissionTime(sub models.FormSubmission) time.Time {
	if !sub.SubmittedAt.IsZero() {
		return sub.SubmittedAt
	}
	return sub.CreatedAt
}
