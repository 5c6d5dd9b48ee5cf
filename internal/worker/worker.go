// Package worker drains asynchronously submitted event batches from the
// queue into the store.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/experiment"
	"github.com/lalithlochan/notifylab/internal/metrics"
	"github.com/lalithlochan/notifylab/internal/sqs"
)

// Queue is the consumer side of the event queue
type Queue interface {
	Receive(ctx context.Context, limit int32) ([]sqs.Received, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// Recorder stores a batch of events
type Recorder interface {
	Record(ctx context.Context, store db.Store, events []experiment.EventInput) (experiment.IngestResult, error)
}

type Worker struct {
	queue    Queue
	store    db.Store
	recorder Recorder
	config   Config
	logger   *zap.Logger
}

type Config struct {
	// ErrorBackoff is the pause after a failed receive
	ErrorBackoff time.Duration
	BatchSize    int32
	// MaxAttempts is how many receives a failing batch gets before it is dropped
	MaxAttempts int
}

func New(queue Queue, store db.Store, recorder Recorder, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}

	return &Worker{
		queue:    queue,
		store:    store,
		recorder: recorder,
		config:   cfg,
		logger:   logger,
	}
}

// Start long-polls the queue until ctx is cancelled
func (w *Worker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		default:
		}

		if err := w.poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("failed to receive event batches", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.config.ErrorBackoff):
			}
		}
	}
}

func (w *Worker) poll(ctx context.Context) error {
	messages, err := w.queue.Receive(ctx, w.config.BatchSize)
	if err != nil {
		return err
	}
	metrics.SetSQSMessagesInFlight(len(messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range messages {
		w.processMessage(ctx, msg)
	}
	return nil
}

func (w *Worker) processMessage(ctx context.Context, msg sqs.Received) {
	if msg.Batch == nil {
		w.logger.Warn("deleting undecodable message")
		w.delete(ctx, msg.ReceiptHandle)
		return
	}

	res, err := w.recorder.Record(ctx, w.store, msg.Batch.Events)
	if err == nil {
		w.logger.Info("event batch recorded",
			zap.String("batch_id", msg.Batch.BatchID),
			zap.Int("recorded", res.Recorded),
			zap.Int("total", res.Total),
		)
		w.delete(ctx, msg.ReceiptHandle)
		return
	}

	w.logger.Error("failed to record event batch",
		zap.Error(err),
		zap.String("batch_id", msg.Batch.BatchID),
		zap.Int("attempt", msg.ReceiveCount),
	)

	if msg.ReceiveCount >= w.config.MaxAttempts {
		w.logger.Error("dropping event batch after max attempts",
			zap.String("batch_id", msg.Batch.BatchID),
			zap.Int("events", len(msg.Batch.Events)),
		)
		metrics.RecordEvents(0, len(msg.Batch.Events))
		w.delete(ctx, msg.ReceiptHandle)
		return
	}

	delay := calculateRetryDelay(msg.ReceiveCount)
	if err := w.queue.ChangeVisibility(ctx, msg.ReceiptHandle, int32(delay/time.Second)); err != nil {
		w.logger.Warn("failed to delay retry", zap.Error(err))
	}
}

func (w *Worker) delete(ctx context.Context, receiptHandle string) {
	if err := w.queue.DeleteMessage(ctx, receiptHandle); err != nil {
		w.logger.Error("failed to delete message", zap.Error(err))
	}
}

// Calculate retry delay based on attempt
func calculateRetryDelay(attempt int) time.Duration {
	delays := []time.Duration{
		10 * time.Second, // attempt 1 → wait 10s
		1 * time.Minute,  // attempt 2 → wait 1 min
		5 * time.Minute,  // attempt 3+ → wait 5 min
	}

	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}

	return delays[idx]
}
