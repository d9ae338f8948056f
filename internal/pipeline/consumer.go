package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/queue"
)

// Consumer defaults.
const (
	DefaultMaxAttempts  = 3
	DefaultBatchSize    = 10
	DefaultVisibility   = 15 * time.Minute
	DefaultPollInterval = time.Second
)

// Handler processes one stage message.
type Handler interface {
	Handle(ctx context.Context, msg model.StageMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg model.StageMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg model.StageMessage) error { return f(ctx, msg) }

// ConsumerConfig tunes a Consumer. Zero fields take the package defaults.
type ConsumerConfig struct {
	Step         model.Step
	BatchSize    int
	Visibility   time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	// Heartbeat is how often a delivery's visibility is extended while its
	// handler runs. Defaults to a third of Visibility.
	Heartbeat time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	// Training workers claim one message at a time so queued training work
	// stays counted by Depth until a worker actually starts it.
	if c.Step == model.StepTraining {
		c.BatchSize = 1
	}
	if c.Visibility <= 0 {
		c.Visibility = DefaultVisibility
	}
	if c.Heartbeat <= 0 || c.Heartbeat >= c.Visibility {
		c.Heartbeat = max(c.Visibility/3, time.Millisecond)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Consumer drains one step's queue into a Handler. Messages are acknowledged
// on success, on stale or malformed input and on terminal stage failure;
// anything else is left for redelivery after the visibility timeout.
type Consumer struct {
	queue   queue.Queue
	handler Handler
	coord   *Coordinator
	cfg     ConsumerConfig
	logger  *slog.Logger
}

// NewConsumer creates a consumer for cfg.Step.
func NewConsumer(q queue.Queue, h Handler, coord *Coordinator, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		queue:   q,
		handler: h,
		coord:   coord,
		cfg:     cfg,
		logger:  logger.With("step", string(cfg.Step)),
	}
}

// Step returns the step this consumer drains.
func (c *Consumer) Step() model.Step { return c.cfg.Step }

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	c.loop(ctx, nil)
}

// loop polls until ctx is cancelled or quit is closed. A poll that finds
// nothing, or fails, waits one interval before the next.
func (c *Consumer) loop(ctx context.Context, quit <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		default:
		}

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
		case <-quit:
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Poll dequeues one batch and handles each delivery in order. It returns
// how many deliveries were received.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	deliveries, err := c.queue.DequeueBatch(ctx, c.cfg.Step, c.cfg.BatchSize, c.cfg.Visibility)
	if err != nil {
		return 0, fmt.Errorf("dequeue %s: %w", c.cfg.Step, err)
	}
	for _, d := range deliveries {
		c.process(ctx, d)
	}
	return len(deliveries), nil
}

func (c *Consumer) process(ctx context.Context, d queue.Delivery) {
	id := d.Message.WorkflowID
	start := time.Now()

	if d.ReceiveCount > c.cfg.MaxAttempts {
		cause := fmt.Errorf("%w: %s delivered %d times", ErrRetryExhausted, c.cfg.Step, d.ReceiveCount)
		if err := c.coord.FailAttempt(ctx, id, payloadAttempt(d.Message), cause); err != nil && !errors.Is(err, ErrStaleTransition) {
			c.logger.Error("failed to mark workflow failed", "workflow_id", id, "error", err)
			return
		}
		c.logger.Error("retries exhausted", "workflow_id", id, "receive_count", d.ReceiveCount)
		c.ack(ctx, d)
		stageDuration.WithLabelValues(string(c.cfg.Step), "exhausted").Observe(time.Since(start).Seconds())
		return
	}

	stopHeartbeat := c.heartbeat(ctx, d)
	err := c.handler.Handle(ctx, d.Message)
	stopHeartbeat()

	outcome := "ok"
	switch {
	case err == nil:
		c.ack(ctx, d)
	case errors.Is(err, ErrStaleTransition):
		outcome = "stale"
		c.logger.Debug("discarding stale message", "workflow_id", id, "error", err)
		c.ack(ctx, d)
	case terminal(err):
		outcome = "failed"
		c.logger.Error("stage failed", "workflow_id", id, "error", err)
		c.ack(ctx, d)
	default:
		outcome = "retry"
		c.logger.Warn("stage error, leaving message for redelivery", "workflow_id", id,
			"receive_count", d.ReceiveCount, "error", err)
	}
	stageDuration.WithLabelValues(string(c.cfg.Step), outcome).Observe(time.Since(start).Seconds())
}

// heartbeat keeps d hidden from other consumers until the returned func is
// called. A handler may run far longer than one visibility window.
func (c *Consumer) heartbeat(ctx context.Context, d queue.Delivery) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := c.queue.Extend(ctx, d, c.cfg.Visibility)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrDeliveryLost):
				c.logger.Warn("delivery reclaimed while handling", "workflow_id", d.Message.WorkflowID, "delivery", d.ID)
				return
			case ctx.Err() == nil:
				c.logger.Warn("extend visibility failed", "workflow_id", d.Message.WorkflowID, "delivery", d.ID, "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) ack(ctx context.Context, d queue.Delivery) {
	if err := c.queue.Ack(ctx, d); err != nil {
		c.logger.Error("ack failed", "workflow_id", d.Message.WorkflowID, "delivery", d.ID, "error", err)
	}
}

// terminal reports whether redelivering the message cannot help.
func terminal(err error) bool {
	var sf *StageFailure
	return errors.As(err, &sf) ||
		errors.Is(err, queue.ErrMalformedMessage) ||
		errors.Is(err, ErrInvalidTransition)
}

// payloadAttempt extracts the attempt carried by a stage payload, or 0 when
// the payload has none or cannot be read.
func payloadAttempt(msg model.StageMessage) int {
	var p struct {
		Attempt int `json:"attempt"`
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return 0
	}
	return p.Attempt
}
