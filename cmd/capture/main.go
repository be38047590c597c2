package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"classattend/internal/capture"
	"classattend/internal/config"
	"classattend/internal/session"
	"classattend/internal/submit"
)

// Capture daemon: runs the orchestrator for one session on a classroom
// device. An external camera tool drops frames into the spool
// directory; this process picks them up, submits them to the API on the
// session's schedule, and stops when the session window closes.
func main() {
	cfg := config.Load()

	if cfg.CaptureSessionID == "" {
		log.Fatal("CAPTURE_SESSION_ID required")
	}
	sess, err := sessionFromEnv(cfg.CaptureSessionID)
	if err != nil {
		log.Fatalf("session window: %v", err)
	}

	if err := os.MkdirAll(cfg.CaptureImageDir, 0o755); err != nil {
		log.Fatalf("image dir: %v", err)
	}
	if err := os.MkdirAll(cfg.CaptureSpoolDir, 0o755); err != nil {
		log.Fatalf("spool dir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	cam := &spoolCamera{spoolDir: cfg.CaptureSpoolDir, imageDir: cfg.CaptureImageDir}
	api := submit.New(cfg.APIBaseURL, cfg.DeviceToken)
	sub := &apiSubmitter{client: api}

	orch := capture.New(cam, sub, capture.Options{
		MaxRetries:   cfg.CaptureRetries,
		BreakerLimit: cfg.BreakerLimit,
		BackoffUnit:  cfg.BackoffUnit,
		SweepMaxAge:  cfg.SweepMaxAge,
		ImageDir:     cfg.CaptureImageDir,
		EndedFn: func(ctx context.Context, sessionID string) bool {
			ended, err := api.SessionEnded(ctx, sessionID)
			if err != nil {
				log.Printf("session status check failed: %v", err)
				return false
			}
			return ended
		},
	})

	if err := orch.Start(ctx, sess); err != nil {
		log.Fatalf("orchestrator start failed: %v", err)
	}
	log.Printf("capture started for session %s (interval %s, ends %s)",
		sess.ID, sess.CaptureInterval(), sess.EndAt.Format(time.RFC3339))

	for ev := range orch.Events() {
		switch ev.Kind {
		case capture.EventSubmitted:
			log.Printf("submitted %s", ev.Image)
		case capture.EventRetry:
			log.Printf("retrying %s: %v", ev.Image, ev.Err)
		case capture.EventCycleError:
			log.Printf("cycle failed: %v", ev.Err)
		case capture.EventFatal:
			log.Printf("FATAL: %v; manual restart required", ev.Err)
		case capture.EventStopped:
			log.Println("capture schedule stopped")
		}
	}
}

// sessionFromEnv reconstructs the session window the device was told
// about when the teacher started the session.
func sessionFromEnv(id string) (session.Session, error) {
	endRaw := os.Getenv("CAPTURE_SESSION_END")
	if endRaw == "" {
		return session.Session{}, errors.New("CAPTURE_SESSION_END required")
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return session.Session{}, err
	}
	intervalMin := 5
	if raw := os.Getenv("CAPTURE_SESSION_INTERVAL_MIN"); raw != "" {
		if d, err := time.ParseDuration(raw + "m"); err == nil && d > 0 {
			intervalMin = int(d.Minutes())
		}
	}
	return session.Session{
		ID:                 id,
		StartAt:            time.Now().UTC(),
		EndAt:              end.UTC(),
		CaptureIntervalMin: intervalMin,
		Status:             session.StatusActive,
	}, nil
}

// spoolCamera adapts an external frame-dropping camera tool to the
// Camera interface: Capture claims the oldest spooled frame.
type spoolCamera struct {
	spoolDir string
	imageDir string
}

// errCameraUnavailable means no frame arrived within the wait budget.
var errCameraUnavailable = errors.New("camera unavailable: no frame in spool")

func (c *spoolCamera) Capture(ctx context.Context) (string, time.Time, error) {
	deadline := time.Now().Add(30 * time.Second)
	for {
		path, at, ok := c.oldestFrame()
		if ok {
			claimed := filepath.Join(c.imageDir, filepath.Base(path))
			if err := os.Rename(path, claimed); err != nil {
				return "", time.Time{}, err
			}
			return claimed, at, nil
		}
		if time.Now().After(deadline) {
			return "", time.Time{}, errCameraUnavailable
		}
		select {
		case <-ctx.Done():
			return "", time.Time{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *spoolCamera) oldestFrame() (string, time.Time, bool) {
	entries, err := os.ReadDir(c.spoolDir)
	if err != nil {
		return "", time.Time{}, false
	}
	var oldest string
	var oldestAt time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if oldest == "" || info.ModTime().Before(oldestAt) {
			oldest = filepath.Join(c.spoolDir, entry.Name())
			oldestAt = info.ModTime()
		}
	}
	return oldest, oldestAt, oldest != ""
}

// apiSubmitter adapts the transport client to the orchestrator's
// Submitter interface.
type apiSubmitter struct {
	client *submit.Client
}

func (s *apiSubmitter) Submit(ctx context.Context, sessionID string, capturedAt time.Time, imagePaths []string) (capture.SubmitResult, error) {
	res, err := s.client.Submit(ctx, sessionID, capturedAt, imagePaths)
	if err != nil {
		return capture.SubmitResult{}, err
	}
	return capture.SubmitResult{
		FacesDetected:  res.FacesDetected,
		RecordsCreated: res.RecordsCreated,
	}, nil
}
