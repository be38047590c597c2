package session

import (
	"errors"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// ErrNotFound means no session exists with the given id.
var ErrNotFound = errors.New("session not found")

// ErrClassBusy means the class already has an active session.
var ErrClassBusy = errors.New("class already has an active session")

// ErrInvalidWindow means the session timing invariants do not hold.
var ErrInvalidWindow = errors.New("invalid session window")

// Session is a timed attendance window for one class.
type Session struct {
	ID                 string    `json:"id"`
	ClassID            string    `json:"class_id"`
	TeacherID          string    `json:"teacher_id"`
	StartAt            time.Time `json:"start_at"`
	EndAt              time.Time `json:"end_at"`
	OnTimeLimitMin     int       `json:"on_time_limit_min"`
	CaptureIntervalMin int       `json:"capture_interval_min"`
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

// Validate checks the timing invariants: the session must end after it
// starts, and the on-time deadline must fall inside the window.
func (s Session) Validate() error {
	if !s.EndAt.After(s.StartAt) {
		return ErrInvalidWindow
	}
	if s.OnTimeLimitMin < 0 || s.OnTimeDeadline().After(s.EndAt) {
		return ErrInvalidWindow
	}
	if s.CaptureIntervalMin <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// OnTimeDeadline is the instant after which check-ins count as late.
func (s Session) OnTimeDeadline() time.Time {
	return s.StartAt.Add(time.Duration(s.OnTimeLimitMin) * time.Minute)
}

// OnTime reports whether a check-in at t is within the grace period.
// The boundary itself is on time.
func (s Session) OnTime(t time.Time) bool {
	return !t.After(s.OnTimeDeadline())
}

// ActiveAt reports whether the session accepts check-ins at t. A stored
// status of active is not enough: the wall clock must still be inside
// the window.
func (s Session) ActiveAt(t time.Time) bool {
	return s.Status == StatusActive && !t.After(s.EndAt)
}

// Expired reports whether the stored status has fallen behind the
// clock and the session needs the end transition applied.
func (s Session) Expired(t time.Time) bool {
	return s.Status == StatusActive && t.After(s.EndAt)
}

// CaptureInterval is the spacing between automatic captures.
func (s Session) CaptureInterval() time.Duration {
	return time.Duration(s.CaptureIntervalMin) * time.Minute
}
