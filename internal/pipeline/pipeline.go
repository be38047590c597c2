package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"classattend/internal/attendance"
	"classattend/internal/embedding"
	"classattend/internal/enrollment"
	"classattend/internal/quality"
	"classattend/internal/queue"
)

// Pipeline turns a submitted capture job into an attendance decision:
// detect faces, gate them, embed the survivors, and resolve the
// check-in against the student's enrolled reference.
type Pipeline struct {
	detector enrollment.Detector
	embedder enrollment.Embedder
	resolver *attendance.Resolver
}

// New wires a pipeline from its collaborators.
func New(detector enrollment.Detector, embedder enrollment.Embedder, resolver *attendance.Resolver) *Pipeline {
	return &Pipeline{detector: detector, embedder: embedder, resolver: resolver}
}

// Outcome summarizes one processed job.
type Outcome struct {
	FacesDetected int
	Record        *attendance.Record
	Match         *attendance.MatchResult
}

// Process runs one capture job. Per-image failures are skipped, not
// fatal; the job fails only when no image yields a usable candidate or
// the resolution itself rejects. When every frame is dropped, the error
// names the first drop reason rather than claiming no face was seen.
func (p *Pipeline) Process(ctx context.Context, job queue.CaptureJob) (*Outcome, error) {
	out := &Outcome{}
	var candidates []attendance.Candidate

	var dropReason error
	dropped := func(err error) {
		if dropReason == nil {
			dropReason = err
		}
	}

	for _, path := range job.ImagePaths {
		faces, err := p.detector.Detect(ctx, path)
		if err != nil {
			log.Printf("pipeline: detect %s failed: %v", path, err)
			continue
		}
		out.FacesDetected += len(faces)
		if len(faces) == 0 {
			continue
		}
		if len(faces) > 1 {
			// More than one face makes the identity claim ambiguous.
			dropped(embedding.ErrMultipleFaces)
			continue
		}
		face := faces[0]
		if err := quality.Validate(face); err != nil {
			log.Printf("pipeline: %s: %v", path, err)
			dropped(err)
			continue
		}
		score := quality.Score(face)
		if score < quality.AutoCaptureThreshold {
			log.Printf("pipeline: %s: score %.2f below auto-capture threshold", path, score)
			dropped(&quality.RejectionError{
				Reason: fmt.Sprintf("score %.2f below auto-capture threshold %.2f", score, quality.AutoCaptureThreshold),
			})
			continue
		}

		res, err := p.embedder.Embed(ctx, path)
		if err != nil {
			log.Printf("pipeline: embed %s failed: %v", path, err)
			dropped(err)
			continue
		}
		candidates = append(candidates, attendance.Candidate{
			Vector:  res.Vector,
			Quality: score,
			Source:  res.Source,
		})
	}

	if len(candidates) == 0 {
		if dropReason != nil {
			return out, dropReason
		}
		return out, embedding.ErrNoFaceDetected
	}

	rec, match, err := p.resolver.Resolve(ctx, job.SessionID, job.StudentID, candidates, job.ImageURL)
	out.Record = rec
	out.Match = match
	if err != nil && !errors.Is(err, attendance.ErrAlreadyCheckedIn) {
		return out, err
	}
	return out, err
}
