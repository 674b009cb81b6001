// Package worker consumes queued campaign jobs.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/flock/internal/sqs"
)

// Queue is the consumer side of the job queue. *sqs.Queue implements it.
type Queue interface {
	Receive(ctx context.Context, max int32) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	Delay(ctx context.Context, receiptHandle string, seconds int32) error
}

// Processor handles one job. *campaign.Engine implements it.
type Processor interface {
	ProcessJob(ctx context.Context, job sqs.Job) error
}

type Worker struct {
	queue     Queue
	processor Processor
	config    Config
	logger    *zap.Logger
}

type Config struct {
	Consumers  int           // concurrent receive loops
	BatchSize  int32         // messages per receive, at most 10
	MaxRetries int           // receives before a failing job is dropped
	IdleDelay  time.Duration // pause after a receive error
}

func New(queue Queue, processor Processor, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Consumers == 0 {
		cfg.Consumers = 2
	}
	if cfg.BatchSize == 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.IdleDelay == 0 {
		cfg.IdleDelay = 5 * time.Second
	}

	return &Worker{
		queue:     queue,
		processor: processor,
		config:    cfg,
		logger:    logger,
	}
}

// Start runs the consumers until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	var g errgroup.Group
	for i := 0; i < w.config.Consumers; i++ {
		g.Go(func() error {
			w.consume(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) consume(ctx context.Context, n int) {
	logger := w.logger.With(zap.Int("consumer", n))
	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := w.queue.Receive(ctx, w.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to receive jobs", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.IdleDelay):
			}
			continue
		}

		w.processBatch(ctx, batch)
	}
}

func (w *Worker) processBatch(ctx context.Context, batch []sqs.Received) {
	for _, msg := range batch {
		w.processJob(ctx, msg)
	}
}

func (w *Worker) processJob(ctx context.Context, msg sqs.Received) {
	err := w.processor.ProcessJob(ctx, msg.Job)
	if err == nil {
		if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			w.logger.Error("failed to delete job", zap.Error(err))
		}
		return
	}

	w.logger.Error("campaign job failed",
		zap.Error(err),
		zap.String("campaign_id", msg.Job.CampaignID.String()),
		zap.Int("attempt", msg.ReceiveCount),
	)

	if msg.ReceiveCount >= w.config.MaxRetries {
		// reconciliation accounts for the recipient once the campaign stalls
		w.logger.Warn("dropping campaign job after max retries",
			zap.String("campaign_id", msg.Job.CampaignID.String()),
			zap.Int("attempts", msg.ReceiveCount),
		)
		if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			w.logger.Error("failed to delete job", zap.Error(err))
		}
		return
	}

	if err := w.queue.Delay(ctx, msg.ReceiptHandle, retryDelay(msg.ReceiveCount)); err != nil {
		w.logger.Error("failed to delay job", zap.Error(err))
	}
}

// retryDelay returns the visibility timeout in seconds before attempt+1.
func retryDelay(attempt int) int32 {
	delays := []int32{
		60,  // attempt 1 → wait 1 min
		300, // attempt 2 → wait 5 min
		900, // attempt 3 → wait 15 min
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
