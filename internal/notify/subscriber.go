package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/simflow/internal/model"
)

// subscriberBufferSize is the default event buffer for each subscriber.
const subscriberBufferSize = 64

// ChanSubscriber buffers events on a channel. A full buffer fails delivery.
type ChanSubscriber struct {
	id     string
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewChanSubscriber creates a channel subscriber with the given buffer size;
// size <= 0 uses the default.
func NewChanSubscriber(size int) *ChanSubscriber {
	if size <= 0 {
		size = subscriberBufferSize
	}
	return &ChanSubscriber{id: model.NewID(), ch: make(chan Event, size)}
}

func (s *ChanSubscriber) ID() string { return s.id }

// Events returns the receive side. It is closed when the subscriber is removed.
func (s *ChanSubscriber) Events() <-chan Event { return s.ch }

func (s *ChanSubscriber) Deliver(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.ch <- e:
		return nil
	default:
		return ErrSubscriberFull
	}
}

func (s *ChanSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

const wsWriteTimeout = 10 * time.Second

// WSSubscriber streams events to a websocket connection as JSON text frames.
// Writes happen on a dedicated goroutine so Deliver never blocks on the network.
type WSSubscriber struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan Event
	closed bool
	failed bool
	done   chan struct{}
}

// NewWSSubscriber starts the writer goroutine for conn.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	s := &WSSubscriber{
		id:   model.NewID(),
		conn: conn,
		send: make(chan Event, subscriberBufferSize),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *WSSubscriber) ID() string { return s.id }

// Done is closed once the writer goroutine has exited.
func (s *WSSubscriber) Done() <-chan struct{} { return s.done }

func (s *WSSubscriber) Deliver(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed {
		return ErrSubscriberClosed
	}
	select {
	case s.send <- e:
		return nil
	default:
		return ErrSubscriberFull
	}
}

func (s *WSSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	return nil
}

func (s *WSSubscriber) writeLoop() {
	defer close(s.done)
	defer s.conn.Close()

	for e := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := s.conn.WriteJSON(e); err != nil {
			s.mu.Lock()
			s.failed = true
			s.mu.Unlock()
			// Deliver now rejects events; wait for Close.
			for range s.send {
			}
			return
		}
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
