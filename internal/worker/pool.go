// Package worker runs the step execution pool: N queue consumers, each
// driving one step's Execute+QA+Feedback cycle at a time.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/logging"
	"github.com/fyrsmithlabs/stepd/internal/orchestrator"
	"github.com/fyrsmithlabs/stepd/internal/queue"
)

// Pool subscribes workers to the job queue. Each worker processes one
// job to completion before the queue hands it another.
type Pool struct {
	orch        *orchestrator.Orchestrator
	queue       queue.Queue
	concurrency int
	stepTimeout time.Duration
	logger      *logging.Logger
}

func New(orch *orchestrator.Orchestrator, q queue.Queue, concurrency int, stepTimeout time.Duration, logger *logging.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{
		orch:        orch,
		queue:       q,
		concurrency: concurrency,
		stepTimeout: stepTimeout,
		logger:      logger.Named("worker"),
	}
}

// Start registers the pool's consumers. Delivery stops when ctx is
// cancelled or the queue is closed.
func (p *Pool) Start(ctx context.Context) error {
	for i := 0; i < p.concurrency; i++ {
		if err := p.queue.Subscribe(ctx, p.handle); err != nil {
			return fmt.Errorf("start worker %d: %w", i, err)
		}
	}
	p.logger.Info(ctx, "worker pool started", zap.Int("concurrency", p.concurrency))
	return nil
}

// handle executes one step job. Errors propagate to the queue for
// backed-off redelivery.
func (p *Pool) handle(ctx context.Context, job queue.Job) error {
	ctx = logging.WithRunID(logging.WithStepID(ctx, job.StepID), job.RunID)
	if p.stepTimeout > 0 {
		var cancel context.CancelFunc
		// Headroom over the engine timeout so QA gates still finish.
		ctx, cancel = context.WithTimeout(ctx, p.stepTimeout*2)
		defer cancel()
	}

	start := time.Now()
	p.logger.Debug(ctx, "claimed step job", zap.String("job_id", job.ID))
	if err := p.orch.ExecuteStep(ctx, job.StepID); err != nil {
		p.logger.Error(ctx, "step job failed",
			zap.String("job_id", job.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	p.logger.Debug(ctx, "step job done",
		zap.String("job_id", job.ID),
		zap.Duration("duration", time.Since(start)))
	return nil
}
