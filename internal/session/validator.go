// Package session provides the per-session state store for QuoteFlow: the
// snapshot contract the other components serialize to and from, structural
// validation for entries read back from the local cache tier, the age-based
// cleanup policy, and a debounced file-backed cache manager.
package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

// DefaultExpiration is how long an untouched session survives in the local
// cache before ValidateStateMap drops it on load.
const DefaultExpiration = 30 * 24 * time.Hour

// Validate performs a structural type-check on a value read back from the
// local cache. It is permissive on legacy-missing optional fields (absent
// itemNumber) and strict on the fields resumption depends on. Invalid
// entries are dropped rather than restored so a corrupted cache entry cannot
// crash resumption.
func Validate(candidate any) bool {
	entry, ok := candidate.(map[string]any)
	if !ok {
		slog.Warn("Session state invalid: not an object")
		return false
	}

	if _, ok := entry["messages"].([]any); !ok {
		slog.Warn("Session state invalid: messages not an array")
		return false
	}

	if flowState, present := entry["flowState"]; present && flowState != nil {
		if _, ok := flowState.(map[string]any); !ok {
			slog.Warn("Session state invalid: flowState not an object")
			return false
		}
	}

	if _, ok := entry["currentStepOrder"].(float64); !ok {
		slog.Warn("Session state invalid: currentStepOrder not a number")
		return false
	}

	if _, ok := entry["filteredSteps"].([]any); !ok {
		slog.Warn("Session state invalid: filteredSteps not an array")
		return false
	}

	if itemNumber, present := entry["itemNumber"]; present && itemNumber != nil {
		if _, ok := itemNumber.(string); !ok {
			slog.Warn("Session state invalid: itemNumber not a string")
			return false
		}
	}

	return true
}

// CreateFresh returns the canonical empty state used for brand-new sessions
// and as the fallback when validation fails.
func CreateFresh(itemNumber, projectKey string) models.SessionState {
	return models.NewSessionState(itemNumber, projectKey)
}

// ValidateStateMap validates a raw session-state map read from the local
// cache, dropping corrupted, expired, and foreign-project entries and
// migrating fields absent from older snapshots. A zero expiration uses
// DefaultExpiration. An empty projectKey skips project filtering.
func ValidateStateMap(raw []byte, projectKey string, expiration time.Duration) map[string]models.SessionState {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		slog.Warn("Session state map invalid: not an object", "error", err)
		return map[string]models.SessionState{}
	}

	validated := make(map[string]models.SessionState)
	now := time.Now()
	filtered := 0

	for id, rawEntry := range entries {
		var candidate any
		if err := json.Unmarshal(rawEntry, &candidate); err != nil || !Validate(candidate) {
			slog.Warn("Dropping corrupted session", "session_id", id)
			continue
		}

		var state models.SessionState
		if err := json.Unmarshal(rawEntry, &state); err != nil {
			slog.Warn("Dropping corrupted session", "session_id", id, "error", err)
			continue
		}

		if age := now.Sub(state.LastAccessedAt); age > expiration {
			slog.Debug("Dropping expired session", "session_id", id, "age_days", int(age.Hours()/24))
			continue
		}

		if projectKey != "" {
			if state.ProjectKey == "" {
				// Legacy entries without a project key would leak across
				// projects; strict validation filters them.
				slog.Warn("Filtering legacy session without project key", "session_id", id)
				filtered++
				continue
			}
			if state.ProjectKey != projectKey {
				filtered++
				continue
			}
		}

		validated[id] = migrate(state, candidate.(map[string]any))
	}

	if filtered > 0 {
		slog.Debug("Filtered sessions from other projects", "count", filtered)
	}
	return validated
}

// migrate fills fields absent from older snapshot formats with their
// modern defaults.
func migrate(state models.SessionState, entry map[string]any) models.SessionState {
	if state.FlowState == nil {
		state.FlowState = map[string]any{}
	}
	if state.ValidationErrors == nil {
		state.ValidationErrors = map[string]string{}
	}
	if state.ActiveFormData == nil {
		state.ActiveFormData = map[string]any{}
	}
	if state.CompletedFormIDs == nil {
		state.CompletedFormIDs = []string{}
	}
	if state.TableSelections == nil {
		state.TableSelections = map[string]int{}
	}
	if _, present := entry["highestStepReached"]; !present {
		// Fallback chain for snapshots predating forward navigation:
		// completed count, then the step the session sits on.
		if len(state.CompletedFormIDs) > 0 {
			state.HighestStepReached = len(state.CompletedFormIDs)
		} else {
			state.HighestStepReached = state.CurrentStepOrder
		}
	}
	if state.LastAccessedAt.IsZero() {
		state.LastAccessedAt = time.Now()
	}
	return state
}
