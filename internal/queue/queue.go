package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the redis list carrying capture submissions from the
// API to the resolution worker.
const DefaultKey = "classattend:captures"

// CaptureJob is one submitted capture cycle awaiting resolution.
type CaptureJob struct {
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	ImagePaths []string  `json:"image_paths"`
	ImageURL   string    `json:"image_url,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, job CaptureJob) error
	Consume(ctx context.Context) (<-chan CaptureJob, error)
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan CaptureJob
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan CaptureJob, size)}
}

// Publish enqueues a job.
func (q *InMemory) Publish(ctx context.Context, job CaptureJob) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan CaptureJob, error) {
	out := make(chan CaptureJob)
	go func() {
		defer close(out)
		for {
			select {
			case job := <-q.ch:
				out <- job
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a job as JSON.
func (q *RedisQueue) Publish(ctx context.Context, job CaptureJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Consume streams jobs using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan CaptureJob, error) {
	out := make(chan CaptureJob)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var job CaptureJob
				if err := json.Unmarshal([]byte(res[1]), &job); err == nil {
					out <- job
				}
			}
		}
	}()
	return out, nil
}
