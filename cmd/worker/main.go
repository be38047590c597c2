package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/detector"
	"classattend/internal/embedding"
	"classattend/internal/enrollment"
	"classattend/internal/pipeline"
	"classattend/internal/queue"
	"classattend/internal/session"
	"classattend/internal/store"
)

// Worker consumes capture jobs and runs the detect→gate→embed→resolve
// pipeline, writing attendance records.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	sessions := session.NewRepository(db.Client)
	enrollments := enrollment.NewRepository(db.Client)
	records := attendance.NewRepository(db.Client)

	resolver := attendance.NewResolver(sessions, enrollments, records)
	resolver.AllowDegraded = cfg.AllowDegraded

	detect := detector.New(cfg.DetectorURL, cfg.FaceSkip)
	embedder := embedding.NewClient(cfg.EmbeddingURL, cfg.EmbeddingDim, cfg.FaceSkip)

	if !cfg.FaceSkip {
		if err := detect.Health(ctx); err != nil {
			log.Printf("WARNING: detector not available: %v", err)
		}
		if err := embedder.Health(ctx); err != nil {
			log.Printf("WARNING: embedding service not available: %v", err)
		}
	}

	pipe := pipeline.New(detect, embedder, resolver)

	jobs, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for capture jobs...")
	for job := range jobs {
		out, err := pipe.Process(ctx, job)

		switch {
		case err == nil:
			log.Printf("session %s student %s: %s (similarity %.3f, threshold %.3f)",
				job.SessionID, job.StudentID, out.Record.Status,
				out.Match.WeightedSimilarity, out.Match.Threshold)
		case errors.Is(err, attendance.ErrAlreadyCheckedIn):
			log.Printf("session %s student %s: already checked in", job.SessionID, job.StudentID)
		case errors.Is(err, attendance.ErrSessionNotActive):
			log.Printf("session %s: not active, dropping job", job.SessionID)
		case errors.Is(err, attendance.ErrNoEnrollment):
			log.Printf("student %s: no enrollment, dropping job", job.StudentID)
		default:
			var low *attendance.LowSimilarityError
			if errors.As(err, &low) {
				log.Printf("session %s student %s: no match (similarity %.3f, threshold %.3f, max %.3f)",
					job.SessionID, job.StudentID, low.Score, low.Threshold, low.Max)
			} else {
				log.Printf("session %s student %s: pipeline failed: %v", job.SessionID, job.StudentID, err)
			}
		}

		// Local files are owned by this side of the queue once a job is
		// taken; remove them regardless of outcome.
		for _, path := range job.ImagePaths {
			if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				log.Printf("cleanup of %s failed: %v", path, rerr)
			}
		}
	}

	log.Println("worker stopped")
}
