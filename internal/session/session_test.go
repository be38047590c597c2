package session

import (
	"errors"
	"testing"
	"time"
)

func baseSession() Session {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	return Session{
		ID:                 "sess-1",
		ClassID:            "class-1",
		TeacherID:          "teach-1",
		StartAt:            start,
		EndAt:              start.Add(50 * time.Minute),
		OnTimeLimitMin:     10,
		CaptureIntervalMin: 5,
		Status:             StatusActive,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Session)
		wantErr bool
	}{
		{"valid", func(s *Session) {}, false},
		{"end before start", func(s *Session) { s.EndAt = s.StartAt.Add(-time.Minute) }, true},
		{"end equals start", func(s *Session) { s.EndAt = s.StartAt }, true},
		{"negative grace", func(s *Session) { s.OnTimeLimitMin = -1 }, true},
		{"grace past end", func(s *Session) { s.OnTimeLimitMin = 60 }, true},
		{"grace at end", func(s *Session) { s.OnTimeLimitMin = 50 }, false},
		{"zero capture interval", func(s *Session) { s.CaptureIntervalMin = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baseSession()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidWindow) {
				t.Fatalf("err = %v, want ErrInvalidWindow", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
		})
	}
}

func TestOnTimeBoundary(t *testing.T) {
	s := baseSession()
	deadline := s.OnTimeDeadline()
	if want := s.StartAt.Add(10 * time.Minute); !deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", deadline, want)
	}
	// The exact deadline still counts as on time.
	if !s.OnTime(deadline) {
		t.Fatal("check-in at deadline should be on time")
	}
	if s.OnTime(deadline.Add(time.Second)) {
		t.Fatal("check-in one second past deadline should be late")
	}
	if !s.OnTime(s.StartAt) {
		t.Fatal("check-in at start should be on time")
	}
}

func TestActiveAtAndExpired(t *testing.T) {
	s := baseSession()
	if !s.ActiveAt(s.StartAt.Add(20 * time.Minute)) {
		t.Fatal("mid-window should be active")
	}
	if !s.ActiveAt(s.EndAt) {
		t.Fatal("exact end should still be active")
	}
	after := s.EndAt.Add(time.Second)
	if s.ActiveAt(after) {
		t.Fatal("past end should not be active")
	}
	if !s.Expired(after) {
		t.Fatal("active session past end should report expired")
	}

	s.Status = StatusEnded
	if s.ActiveAt(s.StartAt.Add(20 * time.Minute)) {
		t.Fatal("ended session should not be active")
	}
	if s.Expired(after) {
		t.Fatal("ended session should not report expired")
	}
}

func TestCaptureInterval(t *testing.T) {
	s := baseSession()
	if got := s.CaptureInterval(); got != 5*time.Minute {
		t.Fatalf("interval = %v, want 5m", got)
	}
}
