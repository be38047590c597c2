package attendance

import (
	"context"
	"time"

	"classattend/internal/embedding"
	"classattend/internal/enrollment"
	"classattend/internal/metrics"
	"classattend/internal/session"
)

// Threshold tiers for the adaptive decision boundary.
const (
	BaseThreshold   = 0.70
	StrictThreshold = 0.75 // both sides high-fidelity
	LooseThreshold  = 0.65 // either side noisy

	highQuality = 0.9
	lowQuality  = 0.7
)

// Candidate is one embedding offered for a check-in decision, with the
// capture quality that produced it.
type Candidate struct {
	Vector  embedding.Vector
	Quality float64
	Source  embedding.Source
}

// SessionStore reads sessions with lazy expiry applied.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// EnrollmentStore reads active reference embeddings.
type EnrollmentStore interface {
	GetActive(ctx context.Context, studentID string) (*enrollment.EnrolledEmbedding, error)
}

// RecordStore persists attendance records with insert-if-absent.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) (Record, bool, error)
	Get(ctx context.Context, sessionID, studentID string) (*Record, error)
}

// Resolver decides check-ins: it matches candidate embeddings against
// the student's enrolled reference under an adaptive threshold and
// writes exactly one record per student per session.
type Resolver struct {
	sessions    SessionStore
	enrollments EnrollmentStore
	records     RecordStore

	// AllowDegraded lets synthetic embeddings through; only for dev
	// environments where no model is deployed.
	AllowDegraded bool

	now func() time.Time
}

// NewResolver wires a resolver from its collaborators.
func NewResolver(sessions SessionStore, enrollments EnrollmentStore, records RecordStore) *Resolver {
	return &Resolver{
		sessions:    sessions,
		enrollments: enrollments,
		records:     records,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// MatchResult carries the numeric evidence behind a decision.
type MatchResult struct {
	WeightedSimilarity float64
	MaxSimilarity      float64
	Threshold          float64
}

// Resolve runs the check-in decision for one student. The candidates
// come from one capture cycle (possibly multiple angles of the same
// student). First successful match wins; a second resolve for the same
// (session, student) returns the stored record with ErrAlreadyCheckedIn.
func (r *Resolver) Resolve(ctx context.Context, sessionID, studentID string, candidates []Candidate, imageURL string) (*Record, *MatchResult, error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	now := r.now()
	if !sess.ActiveAt(now) {
		metrics.Resolutions.WithLabelValues("session_inactive").Inc()
		return nil, nil, ErrSessionNotActive
	}

	if existing, err := r.records.Get(ctx, sessionID, studentID); err != nil {
		return nil, nil, err
	} else if existing != nil {
		metrics.Resolutions.WithLabelValues("duplicate").Inc()
		return existing, nil, ErrAlreadyCheckedIn
	}

	enrolled, err := r.enrollments.GetActive(ctx, studentID)
	if err != nil {
		return nil, nil, err
	}
	if enrolled == nil {
		metrics.Resolutions.WithLabelValues("no_enrollment").Inc()
		return nil, nil, ErrNoEnrollment
	}
	if enrolled.Source == embedding.SourceSynthetic && !r.AllowDegraded {
		metrics.Resolutions.WithLabelValues("synthetic").Inc()
		return nil, nil, ErrSyntheticEmbedding
	}

	match, err := r.match(enrolled, candidates)
	if err != nil {
		return nil, nil, err
	}
	metrics.Similarity.Observe(match.WeightedSimilarity)
	if match.WeightedSimilarity <= match.Threshold {
		metrics.Resolutions.WithLabelValues("low_similarity").Inc()
		return nil, match, &LowSimilarityError{
			Score:     match.WeightedSimilarity,
			Max:       match.MaxSimilarity,
			Threshold: match.Threshold,
		}
	}

	status := StatusLate
	if sess.OnTime(now) {
		status = StatusPresent
	}
	score := match.WeightedSimilarity
	rec, created, err := r.records.Insert(ctx, Record{
		SessionID:   sessionID,
		StudentID:   studentID,
		CheckedInAt: now,
		Status:      status,
		MatchScore:  &score,
		ImageURL:    imageURL,
	})
	if err != nil {
		return nil, match, err
	}
	if !created {
		// A concurrent capture won the race; theirs stands.
		metrics.Resolutions.WithLabelValues("duplicate").Inc()
		return &rec, match, ErrAlreadyCheckedIn
	}
	metrics.Resolutions.WithLabelValues(status).Inc()
	return &rec, match, nil
}

// match scores the candidates against the enrolled embedding. The
// decision value is the quality-weighted mean of valid per-image
// similarities; the max is kept for diagnostics only.
func (r *Resolver) match(enrolled *enrollment.EnrolledEmbedding, candidates []Candidate) (*MatchResult, error) {
	var weightedSum, weightTotal, qualitySum float64
	max := embedding.BadPairSentinel
	valid := 0

	for _, c := range candidates {
		if c.Source == embedding.SourceSynthetic && !r.AllowDegraded {
			continue
		}
		sim := embedding.Cosine(c.Vector, enrolled.Vector)
		if sim == embedding.BadPairSentinel {
			continue
		}
		w := c.Quality
		if w <= 0 {
			w = 0.01
		}
		weightedSum += sim * w
		weightTotal += w
		qualitySum += c.Quality
		if sim > max {
			max = sim
		}
		valid++
	}
	if valid == 0 {
		return nil, ErrNoComparableCandidates
	}

	candidateQuality := qualitySum / float64(valid)
	return &MatchResult{
		WeightedSimilarity: weightedSum / weightTotal,
		MaxSimilarity:      max,
		Threshold:          DecisionThreshold(enrolled.Quality, candidateQuality),
	}, nil
}

// DecisionThreshold adapts the pass bar to signal quality: stricter
// when both sides are high-fidelity, looser when either is noisy.
func DecisionThreshold(enrolledQuality, candidateQuality float64) float64 {
	switch {
	case enrolledQuality > highQuality && candidateQuality > highQuality:
		return StrictThreshold
	case enrolledQuality < lowQuality || candidateQuality < lowQuality:
		return LooseThreshold
	default:
		return BaseThreshold
	}
}
