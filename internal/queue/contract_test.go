package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/simflow/internal/model"
)

func analysisMessage(t *testing.T, workflowID string) model.StageMessage {
	t.Helper()
	msg, err := NewMessage(model.AnalysisMessage{
		WorkflowID: workflowID,
		Attempt:    1,
		Request:    model.SimulationRequest{DomainType: model.DomainHeatTransfer},
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

// runQueueContract exercises the delivery semantics shared by every Queue.
func runQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("FIFOAndAck", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		for _, id := range []string{"w1", "w2", "w3"} {
			if err := q.Enqueue(ctx, analysisMessage(t, id)); err != nil {
				t.Fatalf("Enqueue(%s): %v", id, err)
			}
		}
		if n, _ := q.Depth(ctx, model.StepAnalysis); n != 3 {
			t.Errorf("Depth = %d, want 3", n)
		}

		batch, err := q.DequeueBatch(ctx, model.StepAnalysis, 2, time.Minute)
		if err != nil {
			t.Fatalf("DequeueBatch: %v", err)
		}
		if len(batch) != 2 {
			t.Fatalf("len(batch) = %d, want 2", len(batch))
		}
		if batch[0].Message.WorkflowID != "w1" || batch[1].Message.WorkflowID != "w2" {
			t.Errorf("order = %s, %s; want w1, w2", batch[0].Message.WorkflowID, batch[1].Message.WorkflowID)
		}
		if batch[0].ReceiveCount != 1 {
			t.Errorf("ReceiveCount = %d, want 1", batch[0].ReceiveCount)
		}
		for _, d := range batch {
			if err := q.Ack(ctx, d); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		}
		if n, _ := q.Depth(ctx, model.StepAnalysis); n != 1 {
			t.Errorf("Depth after ack = %d, want 1", n)
		}
	})

	t.Run("RedeliveryAfterVisibility", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		if err := q.Enqueue(ctx, analysisMessage(t, "w1")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		first, err := q.DequeueBatch(ctx, model.StepAnalysis, 10, 0)
		if err != nil || len(first) != 1 {
			t.Fatalf("first DequeueBatch = %d, %v", len(first), err)
		}
		time.Sleep(5 * time.Millisecond)

		second, err := q.DequeueBatch(ctx, model.StepAnalysis, 10, time.Minute)
		if err != nil || len(second) != 1 {
			t.Fatalf("second DequeueBatch = %d, %v", len(second), err)
		}
		if second[0].ID != first[0].ID {
			t.Errorf("redelivered id = %s, want %s", second[0].ID, first[0].ID)
		}
		if second[0].ReceiveCount != 2 {
			t.Errorf("ReceiveCount = %d, want 2", second[0].ReceiveCount)
		}

		// The stale receipt must not remove the redelivered message.
		if err := q.Ack(ctx, first[0]); err != nil {
			t.Fatalf("stale Ack: %v", err)
		}
		if err := q.Ack(ctx, second[0]); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
		rest, _ := q.DequeueBatch(ctx, model.StepAnalysis, 10, 0)
		if len(rest) != 0 {
			t.Errorf("message redelivered after ack: %+v", rest)
		}
	})

	t.Run("ExtendKeepsMessageHidden", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		if err := q.Enqueue(ctx, analysisMessage(t, "w1")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		first, err := q.DequeueBatch(ctx, model.StepAnalysis, 1, 50*time.Millisecond)
		if err != nil || len(first) != 1 {
			t.Fatalf("DequeueBatch = %d, %v", len(first), err)
		}
		if err := q.Extend(ctx, first[0], time.Minute); err != nil {
			t.Fatalf("Extend: %v", err)
		}
		time.Sleep(100 * time.Millisecond)

		got, err := q.DequeueBatch(ctx, model.StepAnalysis, 1, time.Minute)
		if err != nil {
			t.Fatalf("DequeueBatch: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("extended message redelivered: %+v", got)
		}
		if err := q.Ack(ctx, first[0]); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		if err := q.Extend(ctx, first[0], time.Minute); !errors.Is(err, ErrDeliveryLost) {
			t.Errorf("Extend after Ack = %v, want ErrDeliveryLost", err)
		}
	})

	t.Run("ExtendStaleReceipt", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		if err := q.Enqueue(ctx, analysisMessage(t, "w1")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		first, err := q.DequeueBatch(ctx, model.StepAnalysis, 1, 0)
		if err != nil || len(first) != 1 {
			t.Fatalf("first DequeueBatch = %d, %v", len(first), err)
		}
		time.Sleep(5 * time.Millisecond)
		second, err := q.DequeueBatch(ctx, model.StepAnalysis, 1, time.Minute)
		if err != nil || len(second) != 1 {
			t.Fatalf("second DequeueBatch = %d, %v", len(second), err)
		}

		if err := q.Extend(ctx, first[0], time.Minute); !errors.Is(err, ErrDeliveryLost) {
			t.Errorf("Extend with stale receipt = %v, want ErrDeliveryLost", err)
		}
		if err := q.Extend(ctx, second[0], time.Minute); err != nil {
			t.Errorf("Extend with current receipt: %v", err)
		}
	})

	t.Run("StepsAreIsolated", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		if err := q.Enqueue(ctx, analysisMessage(t, "w1")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got, err := q.DequeueBatch(ctx, model.StepTraining, 10, time.Minute)
		if err != nil {
			t.Fatalf("DequeueBatch: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("training queue returned %d analysis messages", len(got))
		}
	})
}
