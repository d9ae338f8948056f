// Package queue carries stage messages between pipeline stages with
// at-least-once delivery. A dequeued message stays invisible for its
// visibility timeout and is redelivered unless acknowledged before then.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/simflow/internal/model"
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrDeliveryLost is returned by Extend when the delivery was acked or
	// handed to another consumer.
	ErrDeliveryLost = errors.New("delivery no longer held")
)

// Delivery is one receipt of a queued message. Receipt identifies this
// particular delivery; acknowledging a stale receipt is a no-op.
type Delivery struct {
	ID           string
	Receipt      string
	Step         model.Step
	Message      model.StageMessage
	ReceiveCount int
}

// Queue is a set of named FIFO-ish queues, one per pipeline step.
type Queue interface {
	// Enqueue appends msg to the queue named by msg.Step.
	Enqueue(ctx context.Context, msg model.StageMessage) error
	// DequeueBatch returns up to max visible messages and hides them for visibility.
	DequeueBatch(ctx context.Context, step model.Step, max int, visibility time.Duration) ([]Delivery, error)
	// Extend keeps a delivered message hidden for visibility from now on.
	// It fails with ErrDeliveryLost once the receipt is no longer current.
	Extend(ctx context.Context, d Delivery, visibility time.Duration) error
	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, d Delivery) error
	// Depth reports how many messages are waiting to be delivered.
	Depth(ctx context.Context, step model.Step) (int, error)
	Close() error
}
