// Package usage replays usage records whose first recording attempt failed.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/queue"
)

const (
	DefaultMaxAttempts = 5
	DefaultInterval    = 30 * time.Second
	DefaultBatchSize   = 10
)

// Recorder is the part of the auth gate the replayer needs.
type Recorder interface {
	RecordUsage(ctx context.Context, callerID string, record domain.UsageRecord) error
}

type Replayer struct {
	queue       queue.Queue
	recorder    Recorder
	maxAttempts int
	interval    time.Duration
	batchSize   int
}

type Option func(*Replayer)

// WithMaxAttempts bounds how often one record is tried before it is dropped.
// Non-positive values keep the default, as do those of the other options.
func WithMaxAttempts(n int) Option {
	return func(r *Replayer) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Replayer) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Replayer) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func NewReplayer(q queue.Queue, recorder Recorder, opts ...Option) *Replayer {
	r := &Replayer{
		queue:       q,
		recorder:    recorder,
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultInterval,
		batchSize:   DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes the queue every interval until ctx is done.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("usage replay batch failed", "error", err)
			}
		}
	}
}

// Drain processes batches until the queue yields nothing or ctx is done.
// It is called during shutdown so in-memory records are not lost silently.
func (r *Replayer) Drain(ctx context.Context) error {
	for {
		n, err := r.ProcessBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// ProcessBatch receives one batch and handles every message in it. It
// returns how many messages were received.
func (r *Replayer) ProcessBatch(ctx context.Context) (int, error) {
	messages, err := r.queue.Receive(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		r.handle(ctx, msg)
	}
	return len(messages), nil
}

func (r *Replayer) handle(ctx context.Context, msg queue.Message) {
	rec := msg.Record
	err := r.recorder.RecordUsage(ctx, rec.CallerID, rec)
	if err == nil {
		metrics.RecordUsageOutcome("replayed")
		slog.Info("usage record replayed",
			"record_id", rec.ID,
			"caller_id", rec.CallerID,
			"attempts", msg.Attempts+1,
		)
		r.ack(ctx, msg)
		return
	}

	attempts := msg.Attempts + 1
	if attempts >= r.maxAttempts {
		metrics.RecordUsageOutcome("dropped")
		slog.Error("usage record dropped",
			"record_id", rec.ID,
			"caller_id", rec.CallerID,
			"total_tokens", rec.TotalTokens,
			"attempts", attempts,
			"error", err,
		)
		r.ack(ctx, msg)
		return
	}

	next := msg.PendingUsage
	next.Attempts = attempts
	next.LastError = err.Error()
	if qerr := r.queue.Enqueue(ctx, next); qerr != nil {
		// Leave the original in place; SQS redelivers it after the
		// visibility timeout.
		slog.Error("failed to requeue usage record", "record_id", rec.ID, "error", qerr)
		return
	}
	metrics.RecordUsageOutcome("queued")
	r.ack(ctx, msg)
}

func (r *Replayer) ack(ctx context.Context, msg queue.Message) {
	if err := r.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		slog.Warn("failed to delete usage message", "record_id", msg.Record.ID, "error", err)
	}
}
