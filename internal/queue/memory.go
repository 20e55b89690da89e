package queue

import (
	"context"
	"sync"
	"time"
)

const memoryBuffer = 256

// MemoryQueue is a single-process Queue with bounded redelivery.
type MemoryQueue struct {
	mu         sync.Mutex
	jobs       chan memoryJob
	done       chan struct{}
	closed     bool
	maxDeliver int
	retryDelay time.Duration
	wg         sync.WaitGroup
}

type memoryJob struct {
	job      Job
	attempts int
}

// NewMemory builds a queue that redelivers failed jobs up to
// maxDeliver times.
func NewMemory(maxDeliver int) *MemoryQueue {
	if maxDeliver < 1 {
		maxDeliver = 1
	}
	return &MemoryQueue{
		jobs:       make(chan memoryJob, memoryBuffer),
		done:       make(chan struct{}),
		maxDeliver: maxDeliver,
		retryDelay: 10 * time.Millisecond,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.jobs <- memoryJob{job: job}:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Subscribe(ctx context.Context, h Handler) error {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case mj := <-q.jobs:
				mj.attempts++
				if err := h(ctx, mj.job); err != nil && mj.attempts < q.maxDeliver {
					go q.requeue(ctx, mj)
				}
			}
		}
	}()
	return nil
}

func (q *MemoryQueue) requeue(ctx context.Context, mj memoryJob) {
	select {
	case <-ctx.Done():
		return
	case <-q.done:
		return
	case <-time.After(q.retryDelay):
	}
	select {
	case q.jobs <- mj:
	case <-q.done:
	default:
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
