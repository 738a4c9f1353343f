package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/ComplaintPipe/internal/models"
)

const selectComplaintColumns = `id, received_at, sender, text, image_url, category, urgency, department, summary, location, source, status`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanComplaints reads every row produced by a complaints query.
func scanComplaints(rows *sql.Rows) ([]models.ComplaintRow, error) {
	var out []models.ComplaintRow
	for rows.Next() {
		var r models.ComplaintRow
		var imageURL, summary, location sql.NullString
		var status string
		if err := rows.Scan(
			&r.ID, &r.ReceivedAt, &r.Sender, &r.Text, &imageURL, &r.Category,
			&r.Urgency, &r.Department, &summary, &location, &r.Source, &status,
		); err != nil {
			return nil, fmt.Errorf("scan complaint failed: %w", err)
		}
		r.ImageURL = imageURL.String
		r.Summary = summary.String
		r.Location = location.String
		r.Status = models.ComplaintStatus(status)
		r.ReceivedAt = r.ReceivedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate complaints failed: %w", err)
	}
	return out, nil
}
