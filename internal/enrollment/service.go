package enrollment

import (
	"context"
	"errors"
	"log"

	"classattend/internal/embedding"
	"classattend/internal/quality"
)

// ErrNoValidEmbeddings means no enrollment image survived the quality
// gate and embedding steps.
var ErrNoValidEmbeddings = embedding.ErrNoValidEmbeddings

// Detector is the face-detection collaborator.
type Detector interface {
	Detect(ctx context.Context, imagePath string) ([]quality.Face, error)
}

// Embedder is the embedding-model collaborator.
type Embedder interface {
	Embed(ctx context.Context, imagePath string) (*embedding.Result, error)
}

// Store persists enrolled embeddings.
type Store interface {
	InsertActive(ctx context.Context, e EnrolledEmbedding) (EnrolledEmbedding, error)
	GetActive(ctx context.Context, studentID string) (*EnrolledEmbedding, error)
	Deactivate(ctx context.Context, studentID string) error
}

// Service runs the enrollment pipeline: each image passes the quality
// gate and the embedding model; survivors are combined into a single
// quality-weighted reference embedding.
type Service struct {
	store    Store
	detector Detector
	embedder Embedder
}

// NewService creates an enrollment service.
func NewService(store Store, detector Detector, embedder Embedder) *Service {
	return &Service{store: store, detector: detector, embedder: embedder}
}

// Enroll registers a student from one or more reference images. Images
// that fail detection, the quality gate, or embedding are skipped, not
// fatal; enrollment succeeds if at least one image yields a usable
// embedding.
func (s *Service) Enroll(ctx context.Context, studentID string, imagePaths []string) (*EnrolledEmbedding, error) {
	if studentID == "" {
		return nil, errors.New("student id required")
	}

	var vectors []embedding.Vector
	var weights []float64
	var qualitySum float64
	synthetic := false

	for _, path := range imagePaths {
		faces, err := s.detector.Detect(ctx, path)
		if err != nil {
			log.Printf("enroll: detect %s failed: %v", path, err)
			continue
		}
		if len(faces) != 1 {
			log.Printf("enroll: %s has %d faces, skipping", path, len(faces))
			continue
		}
		face := faces[0]
		if err := quality.Validate(face); err != nil {
			log.Printf("enroll: %s: %v", path, err)
			continue
		}
		q := quality.Score(face)

		res, err := s.embedder.Embed(ctx, path)
		if err != nil {
			log.Printf("enroll: embed %s failed: %v", path, err)
			continue
		}
		if !res.Genuine() {
			synthetic = true
		}

		vectors = append(vectors, res.Vector)
		weights = append(weights, q)
		qualitySum += q
	}

	if len(vectors) == 0 {
		return nil, ErrNoValidEmbeddings
	}

	aggregate, err := embedding.WeightedAverage(vectors, weights)
	if err != nil {
		return nil, err
	}

	source := embedding.SourceAggregate
	if len(vectors) == 1 {
		source = embedding.SourceModel
	}
	if synthetic {
		source = embedding.SourceSynthetic
	}

	e := EnrolledEmbedding{
		StudentID:  studentID,
		Vector:     aggregate,
		Quality:    qualitySum / float64(len(vectors)),
		Source:     source,
		ImageCount: len(vectors),
	}
	stored, err := s.store.InsertActive(ctx, e)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// ActiveEmbedding returns the student's current reference embedding,
// nil when the student has none.
func (s *Service) ActiveEmbedding(ctx context.Context, studentID string) (*EnrolledEmbedding, error) {
	return s.store.GetActive(ctx, studentID)
}

// Revoke deactivates the student's enrollment without replacement.
func (s *Service) Revoke(ctx context.Context, studentID string) error {
	return s.store.Deactivate(ctx, studentID)
}
