package models

import (
	"strings"
	"time"
)

// Urgency levels produced by the classifier.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// Fallback classification values used when the classifier is unavailable.
const (
	FallbackCategory   = "unclassified"
	FallbackDepartment = "triage"
)

// Classification is the structured field set returned by the classifier.
type Classification struct {
	Category   string `json:"category"`
	Urgency    string `json:"urgency"`
	Department string `json:"department"`
	Summary    string `json:"summary"`
	Location   string `json:"location,omitempty"`
	// Fallback is true when the record was synthesized after a classifier failure.
	Fallback bool `json:"fallback,omitempty"`
}

// Normalize lower-cases the enumerated fields and fills blanks with fallback values.
func (c *Classification) Normalize() {
	c.Category = strings.TrimSpace(c.Category)
	c.Department = strings.TrimSpace(c.Department)
	c.Summary = strings.TrimSpace(c.Summary)
	c.Location = strings.TrimSpace(c.Location)
	if c.Category == "" {
		c.Category = FallbackCategory
	}
	if c.Department == "" {
		c.Department = FallbackDepartment
	}
	switch u := strings.ToLower(strings.TrimSpace(c.Urgency)); u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		c.Urgency = u
	default:
		c.Urgency = UrgencyMedium
	}
}

// ComplaintStatus is the lifecycle status written into the spreadsheet.
type ComplaintStatus string

const (
	// ComplaintStatusNew marks a row that was classified successfully.
	ComplaintStatusNew ComplaintStatus = "new"
	// ComplaintStatusNeedsReview marks a row built from a fallback classification.
	ComplaintStatusNeedsReview ComplaintStatus = "needs_review"
)

// SheetHeader is the column order of the complaints sheet.
var SheetHeader = []string{
	"id", "received_at", "sender", "text", "image_url", "category",
	"urgency", "department", "summary", "location", "source", "status",
}

// ComplaintRow is the flat record appended to the spreadsheet and the archive.
type ComplaintRow struct {
	ID         string          `json:"id"`
	ReceivedAt time.Time       `json:"received_at"`
	Sender     string          `json:"sender"`
	Text       string          `json:"text"`
	ImageURL   string          `json:"image_url,omitempty"`
	Category   string          `json:"category"`
	Urgency    string          `json:"urgency"`
	Department string          `json:"department"`
	Summary    string          `json:"summary"`
	Location   string          `json:"location,omitempty"`
	Source     string          `json:"source"`
	Status     ComplaintStatus `json:"status"`
}

// NewComplaintRow combines a pairing result and its classification into a row.
func NewComplaintRow(id string, msg InboundMessage, result PairingResult, c Classification) ComplaintRow {
	status := ComplaintStatusNew
	if c.Fallback {
		status = ComplaintStatusNeedsReview
	}
	return ComplaintRow{
		ID:         id,
		ReceivedAt: time.UnixMilli(msg.TimestampMs).UTC(),
		Sender:     msg.Sender,
		Text:       result.Text,
		ImageURL:   result.ImageURL,
		Category:   c.Category,
		Urgency:    c.Urgency,
		Department: c.Department,
		Summary:    c.Summary,
		Location:   c.Location,
		Source:     result.Confidence.Source(),
		Status:     status,
	}
}

// Values renders the row as spreadsheet cells in SheetHeader order.
func (r ComplaintRow) Values() []interface{} {
	return []interface{}{
		r.ID,
		r.ReceivedAt.Format(time.RFC3339),
		r.Sender,
		r.Text,
		r.ImageURL,
		r.Category,
		r.Urgency,
		r.Department,
		r.Summary,
		r.Location,
		r.Source,
		string(r.Status),
	}
}
