package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"
)

// ErrNoFaceDetected means the model found zero faces in the image.
var ErrNoFaceDetected = errors.New("no face detected in image")

// ErrMultipleFaces means the model found more than one face, so the
// identity of the capture is ambiguous.
var ErrMultipleFaces = errors.New("multiple faces detected in image")

// ErrModelUnavailable means the embedding service could not be reached.
var ErrModelUnavailable = errors.New("embedding model unavailable")

// Client calls the embedding microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool

	dim int
}

// NewClient creates a client for the embedding service. When skip is set
// the client returns deterministic synthetic embeddings instead of
// calling the network; dev and test environments run this way.
func NewClient(baseURL string, dim int, skip bool) *Client {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		dim:     dim,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // model inference can take a while
		},
	}
}

// Embed requests an embedding for a single-face, quality-gated image.
// When the service is unreachable it returns a synthetic vector tagged
// SourceSynthetic instead of an error, so callers branch on the source
// tag rather than on a mixed result-and-error return.
func (c *Client) Embed(ctx context.Context, imagePath string) (*Result, error) {
	if imagePath == "" {
		return nil, fmt.Errorf("image path required")
	}
	if c.Skip {
		return c.synthetic(imagePath), nil
	}

	body, _ := json.Marshal(map[string]string{"image_path": imagePath})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// Keep the pipeline alive with a clearly-tagged degraded result.
		// The synthetic source travels with it, so resolution can still
		// refuse the embedding for real decisions.
		log.Printf("embedding: model unreachable for %s, synthetic fallback: %v", imagePath, err)
		return c.synthetic(imagePath), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Embedding     []float32 `json:"embedding"`
		Quality       float64   `json:"quality"`
		FacesDetected int       `json:"faces_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	switch {
	case out.FacesDetected == 0 || len(out.Embedding) == 0:
		return nil, ErrNoFaceDetected
	case out.FacesDetected > 1:
		return nil, ErrMultipleFaces
	}

	vec, err := Normalize(Vector(out.Embedding))
	if err != nil {
		return nil, err
	}
	return &Result{Vector: vec, Quality: out.Quality, Source: SourceModel}, nil
}

// Health checks if the embedding service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("embedding service unhealthy: %s", resp.Status)
	}
	return nil
}

// synthetic builds a deterministic pseudo-random unit vector seeded from
// the image path, so repeated calls for the same file agree.
func (c *Client) synthetic(imagePath string) *Result {
	h := fnv.New64a()
	_, _ = h.Write([]byte(imagePath))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make(Vector, c.dim)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	norm := vec.Norm()
	if norm < degenerateEpsilon {
		// All-zero draw is astronomically unlikely; pin one component.
		vec[0] = 1
		norm = 1
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return &Result{Vector: vec, Quality: 0.5, Source: SourceSynthetic}
}
