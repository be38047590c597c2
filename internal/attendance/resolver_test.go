package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"classattend/internal/embedding"
	"classattend/internal/enrollment"
	"classattend/internal/session"
)

type fakeSessions struct {
	sess *session.Session
	err  error
}

func (f *fakeSessions) Get(ctx context.Context, id string) (*session.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

type fakeEnrollments struct {
	emb *enrollment.EnrolledEmbedding
}

func (f *fakeEnrollments) GetActive(ctx context.Context, studentID string) (*enrollment.EnrolledEmbedding, error) {
	return f.emb, nil
}

// fakeRecords mirrors the insert-if-absent contract of the SQL repo.
type fakeRecords struct {
	byKey map[string]Record
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{byKey: make(map[string]Record)}
}

func (f *fakeRecords) key(sessionID, studentID string) string {
	return sessionID + "/" + studentID
}

func (f *fakeRecords) Insert(ctx context.Context, rec Record) (Record, bool, error) {
	k := f.key(rec.SessionID, rec.StudentID)
	if existing, ok := f.byKey[k]; ok {
		return existing, false, nil
	}
	rec.ID = "rec-" + k
	rec.CreatedAt = rec.CheckedInAt
	f.byKey[k] = rec
	return rec, true, nil
}

func (f *fakeRecords) Get(ctx context.Context, sessionID, studentID string) (*Record, error) {
	if rec, ok := f.byKey[f.key(sessionID, studentID)]; ok {
		return &rec, nil
	}
	return nil, nil
}

func unitVector(hot int) embedding.Vector {
	v := make(embedding.Vector, embedding.DefaultDim)
	v[hot] = 1
	return v
}

// nearVector leans mostly toward the enrolled axis with a small
// orthogonal component, giving a high but sub-1.0 cosine.
func nearVector(hot int) embedding.Vector {
	v := make(embedding.Vector, embedding.DefaultDim)
	v[hot] = 0.95
	v[(hot+1)%embedding.DefaultDim] = 0.3122
	n, _ := embedding.Normalize(v)
	return n
}

func testSetup(t *testing.T) (*Resolver, *fakeSessions, *fakeEnrollments, *fakeRecords, time.Time) {
	t.Helper()
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	sessions := &fakeSessions{sess: &session.Session{
		ID:                 "sess-1",
		ClassID:            "class-1",
		StartAt:            start,
		EndAt:              start.Add(50 * time.Minute),
		OnTimeLimitMin:     10,
		CaptureIntervalMin: 5,
		Status:             session.StatusActive,
	}}
	enrollments := &fakeEnrollments{emb: &enrollment.EnrolledEmbedding{
		ID:        "enr-1",
		StudentID: "stu-1",
		Vector:    unitVector(0),
		Quality:   0.85,
		Source:    embedding.SourceModel,
		Active:    true,
	}}
	records := newFakeRecords()
	r := NewResolver(sessions, enrollments, records)
	r.now = func() time.Time { return start.Add(5 * time.Minute) }
	return r, sessions, enrollments, records, start
}

func goodCandidates() []Candidate {
	return []Candidate{{Vector: nearVector(0), Quality: 0.85, Source: embedding.SourceModel}}
}

func TestResolveOnTimeCheckIn(t *testing.T) {
	r, _, _, _, _ := testSetup(t)

	rec, match, err := r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), "img://x")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Status != StatusPresent {
		t.Fatalf("status = %q, want present", rec.Status)
	}
	if rec.MatchScore == nil || *rec.MatchScore != match.WeightedSimilarity {
		t.Fatal("record should carry the weighted similarity")
	}
	if match.WeightedSimilarity <= match.Threshold {
		t.Fatalf("similarity %.3f should exceed threshold %.3f", match.WeightedSimilarity, match.Threshold)
	}
}

func TestResolveLateAfterGracePeriod(t *testing.T) {
	r, _, _, _, start := testSetup(t)
	r.now = func() time.Time { return start.Add(15 * time.Minute) }

	rec, _, err := r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Status != StatusLate {
		t.Fatalf("status = %q, want late", rec.Status)
	}
}

func TestResolveExactDeadlineIsOnTime(t *testing.T) {
	r, _, _, _, start := testSetup(t)
	r.now = func() time.Time { return start.Add(10 * time.Minute) }

	rec, _, err := r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Status != StatusPresent {
		t.Fatalf("status at exact deadline = %q, want present", rec.Status)
	}
}

func TestResolveIdempotent(t *testing.T) {
	r, _, _, records, _ := testSetup(t)

	first, _, err := r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), "")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, _, err := r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), "")
	if !errors.Is(err, ErrAlreadyCheckedIn) {
		t.Fatalf("second resolve err = %v, want ErrAlreadyCheckedIn", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second resolve returned a different record: %q vs %q", second.ID, first.ID)
	}
	if len(records.byKey) != 1 {
		t.Fatalf("store holds %d records, want 1", len(records.byKey))
	}
}

func TestResolveSessionNotActive(t *testing.T) {
	r, sessions, _, _, start := testSetup(t)
	sessions.sess.Status = session.StatusEnded

	_, _, err := r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), "")
	if !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive", err)
	}

	// An active status past the window is equally rejected.
	sessions.sess.Status = session.StatusActive
	r.now = func() time.Time { return start.Add(2 * time.Hour) }
	_, _, err = r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), "")
	if !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("err = %v, want ErrSessionNotActive", err)
	}
}

func TestResolveNoEnrollment(t *testing.T) {
	r, _, enrollments, _, _ := testSetup(t)
	enrollments.emb = nil

	_, _, err := r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), "")
	if !errors.Is(err, ErrNoEnrollment) {
		t.Fatalf("err = %v, want ErrNoEnrollment", err)
	}
}

func TestResolveRefusesSyntheticEnrollment(t *testing.T) {
	r, _, enrollments, _, _ := testSetup(t)
	enrollments.emb.Source = embedding.SourceSynthetic

	_, _, err := r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), "")
	if !errors.Is(err, ErrSyntheticEmbedding) {
		t.Fatalf("err = %v, want ErrSyntheticEmbedding", err)
	}

	r.AllowDegraded = true
	if _, _, err := r.Resolve(context.Background(), "sess-1", "stu-1", goodCandidates(), ""); err != nil {
		t.Fatalf("degraded mode should accept synthetic enrollment: %v", err)
	}
}

func TestResolveSkipsSyntheticCandidates(t *testing.T) {
	r, _, _, _, _ := testSetup(t)
	candidates := []Candidate{
		{Vector: unitVector(0), Quality: 0.9, Source: embedding.SourceSynthetic},
	}
	_, _, err := r.Resolve(context.Background(), "sess-1", "stu-1", candidates, "")
	if !errors.Is(err, ErrNoComparableCandidates) {
		t.Fatalf("err = %v, want ErrNoComparableCandidates", err)
	}
}

func TestResolveLowSimilarity(t *testing.T) {
	r, _, _, records, _ := testSetup(t)
	// Orthogonal to the enrolled vector: similarity 0.
	candidates := []Candidate{{Vector: unitVector(5), Quality: 0.85, Source: embedding.SourceModel}}

	rec, match, err := r.Resolve(context.Background(), "sess-1", "stu-1", candidates, "")
	var lowErr *LowSimilarityError
	if !errors.As(err, &lowErr) {
		t.Fatalf("err = %v, want *LowSimilarityError", err)
	}
	if rec != nil {
		t.Fatal("no record should be written on a failed match")
	}
	if len(records.byKey) != 0 {
		t.Fatal("store should stay empty on a failed match")
	}
	if lowErr.Score != match.WeightedSimilarity || lowErr.Threshold != match.Threshold {
		t.Fatal("error should carry the match evidence")
	}
}

func TestResolveWeightedMeanDecides(t *testing.T) {
	r, _, _, _, _ := testSetup(t)
	// One strong match and one orthogonal miss. The high-quality strong
	// match dominates the weighted mean.
	candidates := []Candidate{
		{Vector: nearVector(0), Quality: 0.95, Source: embedding.SourceModel},
		{Vector: unitVector(7), Quality: 0.1, Source: embedding.SourceModel},
	}
	_, match, err := r.Resolve(context.Background(), "sess-1", "stu-1", candidates, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if match.MaxSimilarity < match.WeightedSimilarity {
		t.Fatal("max similarity should be at least the weighted mean")
	}
}

func TestDecisionThreshold(t *testing.T) {
	tests := []struct {
		name               string
		enrolled, captured float64
		want               float64
	}{
		{"both high", 0.95, 0.92, StrictThreshold},
		{"enrolled high only", 0.95, 0.8, BaseThreshold},
		{"both mid", 0.8, 0.8, BaseThreshold},
		{"enrolled low", 0.6, 0.95, LooseThreshold},
		{"captured low", 0.95, 0.5, LooseThreshold},
		{"both low", 0.5, 0.5, LooseThreshold},
		{"exactly at high bound", 0.9, 0.9, BaseThreshold},
		{"exactly at low bound", 0.7, 0.7, BaseThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecisionThreshold(tt.enrolled, tt.captured); got != tt.want {
				t.Fatalf("DecisionThreshold(%v, %v) = %v, want %v", tt.enrolled, tt.captured, got, tt.want)
			}
		})
	}
	if !(LooseThreshold < BaseThreshold && BaseThreshold < StrictThreshold) {
		t.Fatal("threshold tiers out of order")
	}
}
