package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/logging"
)

// JetStreamQueue delivers jobs through a NATS JetStream work stream
// with a durable consumer, explicit acks, and backed-off redelivery.
type JetStreamQueue struct {
	js      nats.JetStreamContext
	cfg     config.NATSConfig
	logger  *logging.Logger
	durable string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewJetStream builds a queue on an existing connection and ensures
// the work stream exists.
func NewJetStream(nc *nats.Conn, cfg config.NATSConfig, logger *logging.Logger) (*JetStreamQueue, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	q := &JetStreamQueue{
		js:      js,
		cfg:     cfg,
		logger:  logger.Named("queue"),
		durable: "stepd-workers",
	}
	if err := q.ensureStream(); err != nil {
		return nil, err
	}
	return q, nil
}

// subject is where execute jobs are published; the stream captures
// everything under the prefix.
func (q *JetStreamQueue) subject() string {
	return q.cfg.SubjectPrefix + ".execute"
}

func (q *JetStreamQueue) ensureStream() error {
	if _, err := q.js.StreamInfo(q.cfg.Stream); err == nil {
		return nil
	}
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:      q.cfg.Stream,
		Subjects:  []string{q.cfg.SubjectPrefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", q.cfg.Stream, err)
	}
	return nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	opts := []nats.PubOpt{nats.Context(ctx)}
	if job.ID != "" {
		opts = append(opts, nats.MsgId(job.ID))
	}
	if _, err := q.js.Publish(q.subject(), data, opts...); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	q.logger.Debug(ctx, "job enqueued",
		zap.String("job_id", job.ID),
		zap.String("step_id", job.StepID))
	return nil
}

func (q *JetStreamQueue) Subscribe(ctx context.Context, h Handler) error {
	sub, err := q.js.QueueSubscribe(q.subject(), q.durable, func(msg *nats.Msg) {
		q.handle(ctx, msg, h)
	},
		nats.Durable(q.durable),
		nats.AckExplicit(),
		nats.ManualAck(),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxDeliver(q.cfg.MaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("jetstream subscribe: %w", err)
	}
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
	q.logger.Info(ctx, "subscribed to job stream",
		zap.String("stream", q.cfg.Stream),
		zap.String("subject", q.subject()),
		zap.String("durable", q.durable))
	return nil
}

func (q *JetStreamQueue) handle(ctx context.Context, msg *nats.Msg, h Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.Warn(ctx, "dropping malformed job", zap.Error(err))
		_ = msg.Term()
		return
	}

	if err := h(ctx, job); err != nil {
		delay := q.redeliveryDelay(msg)
		q.logger.Warn(ctx, "job failed, scheduling redelivery",
			zap.String("job_id", job.ID),
			zap.String("step_id", job.StepID),
			zap.Duration("delay", delay),
			zap.Error(err))
		_ = msg.NakWithDelay(delay)
		return
	}
	_ = msg.Ack()
}

// redeliveryDelay grows exponentially with the delivery count.
func (q *JetStreamQueue) redeliveryDelay(msg *nats.Msg) time.Duration {
	attempt := uint64(1)
	if meta, err := msg.Metadata(); err == nil {
		attempt = meta.NumDelivered
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.RandomizationFactor = 0.2
	var delay time.Duration
	for i := uint64(0); i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

func (q *JetStreamQueue) Close() error {
	q.mu.Lock()
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			return fmt.Errorf("drain subscription: %w", err)
		}
	}
	return nil
}
