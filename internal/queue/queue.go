// Package queue delivers step execution jobs to workers. The primary
// implementation rides on NATS JetStream for at-least-once delivery;
// an in-memory implementation serves tests and single-process mode.
package queue

import (
	"context"
	"errors"
	"time"
)

// Job asks a worker to execute one step of a run.
type Job struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	StepID     string    `json:"step_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one job. A nil return acknowledges the job; an
// error schedules redelivery until the delivery limit is reached.
type Handler func(ctx context.Context, job Job) error

// Queue is an at-least-once job pipeline. Handlers must be idempotent.
type Queue interface {
	// Enqueue publishes a job. Jobs with a previously seen ID may be
	// deduplicated by the implementation.
	Enqueue(ctx context.Context, job Job) error

	// Subscribe registers the handler and starts delivery. It returns
	// once the subscription is established. Calling Subscribe multiple
	// times adds consumers that share the job load.
	Subscribe(ctx context.Context, h Handler) error

	Close() error
}

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue closed")
