// Package notify fans workflow state-change events out to subscribers.
package notify

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/simflow/internal/model"
)

// ErrSubscriberFull is returned by Deliver when a subscriber cannot accept
// another event without blocking.
var ErrSubscriberFull = errors.New("subscriber buffer full")

// ErrSubscriberClosed is returned by Deliver after Close.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Event is one successful status change.
type Event struct {
	WorkflowID string       `json:"workflow_id"`
	From       model.Status `json:"from"`
	To         model.Status `json:"to"`
	Progress   float64      `json:"progress"`
	Step       string       `json:"current_step"`
	Attempt    int          `json:"attempt"`
	Error      string       `json:"error_message,omitempty"`
	At         time.Time    `json:"at"`
}

// Subscriber receives events for the workflows it subscribed to. Deliver must
// not block; a non-nil error removes the subscriber from the Hub.
type Subscriber interface {
	ID() string
	Deliver(Event) error
	Close() error
}

var (
	eventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_notify_events_delivered_total",
			Help: "Total number of events delivered to subscribers.",
		},
	)

	subscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_notify_subscribers_dropped_total",
			Help: "Total number of subscribers removed after a failed delivery.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsDelivered)
	prometheus.MustRegister(subscribersDropped)
}

// Hub manages per-workflow subscriber lists. It is safe for concurrent use.
// Delivery is best-effort: a failed subscriber is removed without affecting
// the others.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[string]Subscriber
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[string]Subscriber),
		logger: logger,
	}
}

// Subscribe registers s for events on workflowID. Subscribing the same
// subscriber id twice replaces the earlier registration.
func (h *Hub) Subscribe(workflowID string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[workflowID]
	if !ok {
		subs = make(map[string]Subscriber)
		h.topics[workflowID] = subs
	}
	subs[s.ID()] = s
}

// Unsubscribe removes and closes a subscriber. Unknown ids are ignored.
func (h *Hub) Unsubscribe(workflowID, subscriberID string) {
	if s := h.remove(workflowID, subscriberID); s != nil {
		s.Close()
	}
}

// Broadcast delivers e to every subscriber of workflowID.
func (h *Hub) Broadcast(workflowID string, e Event) {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.topics[workflowID]))
	for _, s := range h.topics[workflowID] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if err := s.Deliver(e); err != nil {
			h.logger.Warn("dropping subscriber", "workflow_id", workflowID, "subscriber", s.ID(), "error", err)
			subscribersDropped.Inc()
			h.Unsubscribe(workflowID, s.ID())
			continue
		}
		eventsDelivered.Inc()
	}
}

// Subscribers reports how many subscribers workflowID has.
func (h *Hub) Subscribers(workflowID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[workflowID])
}

func (h *Hub) remove(workflowID, subscriberID string) Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[workflowID]
	if !ok {
		return nil
	}
	s, ok := subs[subscriberID]
	if !ok {
		return nil
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(h.topics, workflowID)
	}
	return s
}
