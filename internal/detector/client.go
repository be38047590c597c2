package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"classattend/internal/quality"
)

// Client calls the face-detection microservice. Zero detected faces is
// a valid, non-error result.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a detector client. Skip returns a single well-posed mock
// face for dev environments without the detection service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Detect returns the faces found in an image, with the pose and eye
// signals the quality gate consumes.
func (c *Client) Detect(ctx context.Context, imagePath string) ([]quality.Face, error) {
	if c.Skip {
		return []quality.Face{{
			X1: 100, Y1: 80, X2: 420, Y2: 440,
			FrameWidth: 640, FrameHeight: 480,
			Yaw: 4.0, Pitch: 2.0, Roll: 1.0,
			LeftEyeOpen: 0.95, RightEyeOpen: 0.95,
			Confidence: 0.98, Smile: 0.4,
		}}, nil
	}
	if imagePath == "" {
		return nil, fmt.Errorf("image path required")
	}

	body, _ := json.Marshal(map[string]string{"image_path": imagePath})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("detector error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Faces []struct {
			X1           int     `json:"x1"`
			Y1           int     `json:"y1"`
			X2           int     `json:"x2"`
			Y2           int     `json:"y2"`
			FrameWidth   int     `json:"frame_width"`
			FrameHeight  int     `json:"frame_height"`
			Yaw          float64 `json:"yaw"`
			Pitch        float64 `json:"pitch"`
			Roll         float64 `json:"roll"`
			LeftEyeOpen  float64 `json:"left_eye_open"`
			RightEyeOpen float64 `json:"right_eye_open"`
			Confidence   float64 `json:"confidence"`
			Smile        float64 `json:"smile"`
		} `json:"faces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	faces := make([]quality.Face, 0, len(out.Faces))
	for _, f := range out.Faces {
		faces = append(faces, quality.Face{
			X1: f.X1, Y1: f.Y1, X2: f.X2, Y2: f.Y2,
			FrameWidth: f.FrameWidth, FrameHeight: f.FrameHeight,
			Yaw: f.Yaw, Pitch: f.Pitch, Roll: f.Roll,
			LeftEyeOpen: f.LeftEyeOpen, RightEyeOpen: f.RightEyeOpen,
			Confidence: f.Confidence, Smile: f.Smile,
		})
	}
	return faces, nil
}

// Health checks if the detection service is available.
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
		return fmt.Errorf("detector unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("detector unhealthy: %s", resp.Status)
	}
	return nil
}
