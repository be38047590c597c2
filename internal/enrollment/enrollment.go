package enrollment

import (
	"time"

	"classattend/internal/embedding"
)

// EnrolledEmbedding is a reference embedding registered for a student.
// Re-enrollment deactivates the old row rather than deleting it, so the
// history is retained; at most one row per student is active.
type EnrolledEmbedding struct {
	ID         string           `json:"id"`
	StudentID  string           `json:"student_id"`
	Vector     embedding.Vector `json:"-"`
	Quality    float64          `json:"quality"`
	Source     embedding.Source `json:"source"`
	ImageCount int              `json:"image_count"`
	Active     bool             `json:"active"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
