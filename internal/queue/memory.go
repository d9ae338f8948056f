package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/simflow/internal/model"
)

var _ Queue = (*MemoryQueue)(nil)

type memEntry struct {
	id       string
	body     []byte
	receives int
	receipt  string
	deadline time.Time
}

type memTopic struct {
	ready    []*memEntry
	inflight map[string]*memEntry
}

// MemoryQueue is an in-process Queue. Messages are stored encoded so
// consumers never share memory with producers.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[model.Step]*memTopic
	closed bool
	now    func() time.Time
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[model.Step]*memTopic),
		now:    time.Now,
	}
}

func (q *MemoryQueue) topic(step model.Step) *memTopic {
	t, ok := q.topics[step]
	if !ok {
		t = &memTopic{inflight: make(map[string]*memEntry)}
		q.topics[step] = t
	}
	return t
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg model.StageMessage) error {
	body, err := marshalEnvelope(msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	t := q.topic(msg.Step)
	t.ready = append(t.ready, &memEntry{id: model.NewID(), body: body})
	return nil
}

func (q *MemoryQueue) DequeueBatch(_ context.Context, step model.Step, max int, visibility time.Duration) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	t := q.topic(step)
	now := q.now()
	for id, e := range t.inflight {
		if !now.Before(e.deadline) {
			delete(t.inflight, id)
			t.ready = append(t.ready, e)
		}
	}

	var out []Delivery
	for len(out) < max && len(t.ready) > 0 {
		e := t.ready[0]
		t.ready = t.ready[1:]

		msg, err := unmarshalEnvelope(e.body)
		if err != nil {
			// Undecodable bodies can never be processed.
			continue
		}
		e.receives++
		e.receipt = uuid.NewString()
		e.deadline = now.Add(visibility)
		t.inflight[e.id] = e
		out = append(out, Delivery{
			ID:           e.id,
			Receipt:      e.receipt,
			Step:         step,
			Message:      msg,
			ReceiveCount: e.receives,
		})
	}
	return out, nil
}

func (q *MemoryQueue) Extend(_ context.Context, d Delivery, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	t, ok := q.topics[d.Step]
	if !ok {
		return ErrDeliveryLost
	}
	e, ok := t.inflight[d.ID]
	if !ok || e.receipt != d.Receipt {
		return ErrDeliveryLost
	}
	e.deadline = q.now().Add(visibility)
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[d.Step]
	if !ok {
		return nil
	}
	if e, ok := t.inflight[d.ID]; ok && e.receipt == d.Receipt {
		delete(t.inflight, d.ID)
	}
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context, step model.Step) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[step]
	if !ok {
		return 0, nil
	}
	return len(t.ready), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
