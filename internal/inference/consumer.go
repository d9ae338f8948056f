package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/queue"
)

// Consumer defaults.
const (
	DefaultBatchSize    = 10
	DefaultVisibility   = 5 * time.Minute
	DefaultPollInterval = time.Second
)

// Consumer drains the inference queue in batches. Every delivered message
// yields a stored result, so every delivery is acknowledged.
type Consumer struct {
	queue        queue.Queue
	processor    *Processor
	batchSize    int
	visibility   time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewConsumer creates an inference consumer. Zero sizes and durations take
// the package defaults.
func NewConsumer(q queue.Queue, p *Processor, batchSize int, visibility, pollInterval time.Duration, logger *slog.Logger) *Consumer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Consumer{
		queue:        q,
		processor:    p,
		batchSize:    batchSize,
		visibility:   visibility,
		pollInterval: pollInterval,
		logger:       logger.With("step", string(model.StepInference)),
	}
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		n, err := c.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("dequeue failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pollInterval):
		}
	}
}

// Poll processes one batch and returns how many deliveries it received.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	deliveries, err := c.queue.DequeueBatch(ctx, model.StepInference, c.batchSize, c.visibility)
	if err != nil {
		return 0, fmt.Errorf("dequeue inference: %w", err)
	}
	if len(deliveries) == 0 {
		return 0, nil
	}

	msgs := make([]model.InferenceMessage, 0, len(deliveries))
	for _, d := range deliveries {
		m, err := queue.Decode[model.InferenceMessage](d.Message)
		if err != nil {
			c.logger.Error("discarding malformed inference message", "workflow_id", d.Message.WorkflowID, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}

	results := c.processor.HandleBatch(ctx, msgs)
	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	c.logger.Info("processed inference batch", "requests", len(results), "failed", failed)

	for _, d := range deliveries {
		if err := c.queue.Ack(ctx, d); err != nil {
			c.logger.Error("ack failed", "workflow_id", d.Message.WorkflowID, "delivery", d.ID, "error", err)
		}
	}
	return len(deliveries), nil
}
