package builds

import (
	"context"
	"fmt"

	"github.com/appforge-dev/appforge/internal/app/domain/build"
)

// Job is the message handed to the external build worker queue. Delivery is
// at-least-once; consumers stay safe because Report tolerates terminal
// repeats.
type Job struct {
	BuildID  string         `json:"build_id"`
	AppID    string         `json:"app_id"`
	Platform build.Platform `json:"platform"`
	Type     build.Type     `json:"build_type"`
}

// Queue hands build jobs to the external worker pool.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// MemoryQueue is a channel-backed queue for tests and local development.
type MemoryQueue struct {
	jobs chan Job
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue buffering up to size jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{jobs: make(chan Job, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("build queue full")
	}
}

// Jobs exposes the buffered channel so local workers and tests can consume.
func (q *MemoryQueue) Jobs() <-chan Job {
	return q.jobs
}
