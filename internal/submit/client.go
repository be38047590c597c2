package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Client delivers captured classroom images to the attendance API.
// The request timeout scales with the number of images: larger payloads
// get proportionally longer before the caller gives up.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	BaseTimeout     time.Duration
	PerImageTimeout time.Duration
}

// New creates a submission client authenticated with a device token.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:         baseURL,
		Token:           token,
		HTTP:            &http.Client{},
		BaseTimeout:     10 * time.Second,
		PerImageTimeout: 5 * time.Second,
	}
}

// Result is the backend's acknowledgement of a submission.
type Result struct {
	FacesDetected  int `json:"faces_detected"`
	RecordsCreated int `json:"records_created"`
}

// Submit posts one capture cycle's images for a session.
func (c *Client) Submit(ctx context.Context, sessionID string, capturedAt time.Time, imagePaths []string) (Result, error) {
	if sessionID == "" {
		return Result{}, fmt.Errorf("session id required")
	}
	if len(imagePaths) == 0 {
		return Result{}, fmt.Errorf("at least one image required")
	}

	timeout := c.BaseTimeout + time.Duration(len(imagePaths))*c.PerImageTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("session_id", sessionID)
	_ = w.WriteField("captured_at", capturedAt.UTC().Format(time.RFC3339))
	for _, path := range imagePaths {
		if err := addFile(w, path); err != nil {
			return Result{}, err
		}
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/captures", &buf)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("submission rejected %s: %s", resp.Status, string(bodyBytes))
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

// SessionEnded reports whether the backend shows the session as ended.
// A missing session counts as ended: either way there is nothing left
// to capture for.
func (c *Client) SessionEnded(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.BaseTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/sessions/"+sessionID+"/status", nil)
	if err != nil {
		return false, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return true, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("status check rejected: %s", resp.Status)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Status == "ended", nil
}

func addFile(w *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := w.CreateFormFile("images", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
