package attendance

import (
	"errors"
	"fmt"
	"time"
)

// Record statuses.
const (
	StatusPresent = "present"
	StatusLate    = "late"
	StatusAbsent  = "absent"
)

// ErrSessionNotActive means the session is ended or past its window.
var ErrSessionNotActive = errors.New("session not active")

// ErrAlreadyCheckedIn is the idempotency outcome: a record already
// exists for this student in this session. Callers should present it
// as success-with-no-op, not as a failure.
var ErrAlreadyCheckedIn = errors.New("already checked in")

// ErrNoEnrollment means the student has no active reference embedding.
var ErrNoEnrollment = errors.New("no active enrollment for student")

// ErrSyntheticEmbedding means a degraded fallback embedding was offered
// for a real attendance decision.
var ErrSyntheticEmbedding = errors.New("synthetic embedding refused for attendance decision")

// ErrNoComparableCandidates means every candidate image produced an
// embedding that could not be compared against the enrolled one.
var ErrNoComparableCandidates = errors.New("no comparable candidate embeddings")

// LowSimilarityError reports a failed match together with the numeric
// evidence, so the caller can explain why.
type LowSimilarityError struct {
	Score     float64
	Max       float64
	Threshold float64
}

func (e *LowSimilarityError) Error() string {
	return fmt.Sprintf("similarity %.3f below threshold %.3f (max %.3f)", e.Score, e.Threshold, e.Max)
}

// Record is one attendance decision. At most one exists per
// (session, student); it is never mutated after creation.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	StudentID   string    `json:"student_id"`
	CheckedInAt time.Time `json:"checked_in_at"`
	Status      string    `json:"status"`
	MatchScore  *float64  `json:"match_score,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
