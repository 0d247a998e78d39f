package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

// scanSubmission scans a FormSubmission from sql.Rows.
func scanSubmission(rows *sql.Rows) (models.FormSubmission, error) {
	var sub models.FormSubmission
	var formData string
	err := rows.Scan(
		&sub.ID, &sub.SessionID, &sub.ProjectKey, &sub.StepID, &sub.FormID,
		&formData, &sub.ItemNumber, &sub.SubmittedAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return sub, fmt.Errorf("scan submission failed: %w", err)
	}
	if err := json.Unmarshal([]byte(formData), &sub.FormData); err != nil {
		return sub, fmt.Errorf("decode form data failed: %w", err)
	}
	return sub, nil
}
