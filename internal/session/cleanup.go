package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

// Cleanup policy constants
const (
	// CleanupMaxAge is the age past which a completed session is deleted.
	CleanupMaxAge = 7 * 24 * time.Hour
	// WarnThresholdBytes is the advisory ceiling on serialized cache size.
	WarnThresholdBytes = 4 * 1024 * 1024
)

// CleanupResult reports what the load-time cleanup pass did.
type CleanupResult struct {
	RemovedCount     int
	KeptCount        int
	StorageSizeBytes int
	Warnings         []string
}

// IsFlowComplete reports whether a session's flow has finished: no steps are
// configured, or the position has passed the last filtered step.
func IsFlowComplete(state models.SessionState) bool {
	if len(state.FilteredSteps) == 0 {
		return true
	}
	return state.CurrentStepOrder >= len(state.FilteredSteps)
}

// Cleanup removes sessions that are both older than CleanupMaxAge and flow
// complete. Old but incomplete sessions are retained with a warning: losing
// an in-progress multi-step form is worse than unbounded cache growth. The
// returned result carries the serialized footprint of what remains, with a
// warning above WarnThresholdBytes (advisory only).
func Cleanup(sessions map[string]models.SessionState, now time.Time) (map[string]models.SessionState, CleanupResult) {
	cleaned := make(map[string]models.SessionState)
	var result CleanupResult

	for id, state := range sessions {
		age := now.Sub(state.LastAccessedAt)
		old := age > CleanupMaxAge
		complete := IsFlowComplete(state)

		switch {
		case old && complete:
			result.RemovedCount++
			slog.Debug("Cleanup removed old session", "session_id", id, "age_days", int(age.Hours()/24))
		case old && !complete:
			cleaned[id] = state
			result.KeptCount++
			itemInfo := "unknown item"
			if state.ItemNumber != "" {
				itemInfo = "item " + state.ItemNumber
			}
			warning := fmt.Sprintf("session %s (%s) is old but incomplete - keeping", shortID(id), itemInfo)
			result.Warnings = append(result.Warnings, warning)
			slog.Warn("Cleanup kept old incomplete session", "session_id", id, "item_number", state.ItemNumber)
		default:
			cleaned[id] = state
			result.KeptCount++
		}
	}

	if encoded, err := json.Marshal(cleaned); err == nil {
		result.StorageSizeBytes = len(encoded)
	}
	if result.StorageSizeBytes > WarnThresholdBytes {
		warning := fmt.Sprintf("storage usage high: %.2fMB (threshold: 4MB)", float64(result.StorageSizeBytes)/1024/1024)
		result.Warnings = append(result.Warnings, warning)
		slog.Warn("Cleanup storage usage above threshold", "bytes", result.StorageSizeBytes)
	}

	slog.Debug("Cleanup completed", "removed", result.RemovedCount, "kept", result.KeptCount, "bytes", result.StorageSizeBytes)
	return cleaned, result
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
