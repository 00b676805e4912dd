package ws

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stripcol/gateway/internal/model"
)

// DefaultSubscriberBuffer is the outbound queue length of one subscriber.
const DefaultSubscriberBuffer = 256

// pluginSendBuffer is the outbound queue length of one plugin channel.
const pluginSendBuffer = 256

var errSendQueueFull = errors.New("send queue full")

// PluginConn is one physical plugin WebSocket. It implements session.Channel.
type PluginConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool

	// code is the link code last registered on this connection. Only the
	// read pump touches it.
	code string
}

// NewPluginConn wraps conn. conn may be nil in tests.
func NewPluginConn(conn *websocket.Conn) *PluginConn {
	return &PluginConn{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, pluginSendBuffer),
	}
}

// ID returns the connection identity.
func (p *PluginConn) ID() string {
	return p.id
}

// Code returns the link code last registered on this connection.
func (p *PluginConn) Code() string {
	return p.code
}

// IsOpen reports whether the connection still accepts frames.
func (p *PluginConn) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Send queues a frame for the write pump. It never blocks.
func (p *PluginConn) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return model.ErrChannelNotOpen
	}
	select {
	case p.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close marks the connection closed and stops the write pump. Safe to call
// more than once.
func (p *PluginConn) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

// SendChan returns the outbound frame queue.
func (p *PluginConn) SendChan() <-chan []byte {
	return p.send
}

// Subscriber is one SSE receiver. Its queue is bounded; a subscriber that
// falls a full queue behind is disconnected.
type Subscriber struct {
	id     string
	code   string
	events chan model.Event
	mu     sync.Mutex
	closed bool
}

// NewSubscriber creates a subscriber for code with the given queue length.
func NewSubscriber(code string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Subscriber{
		id:     uuid.New().String(),
		code:   model.NormalizeCode(code),
		events: make(chan model.Event, buffer),
	}
}

// ID returns the subscriber identity.
func (s *Subscriber) ID() string {
	return s.id
}

// Code returns the link code the subscriber follows.
func (s *Subscriber) Code() string {
	return s.code
}

// Send queues ev. It returns false when the subscriber is closed or its
// queue overflowed, in which case the subscriber is closed.
func (s *Subscriber) Send(ev model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.closeLocked()
		return false
	}
}

// Close closes the subscriber queue.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// IsClosed reports whether the subscriber was closed.
func (s *Subscriber) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Events returns the queue the stream writer drains.
func (s *Subscriber) Events() <-chan model.Event {
	return s.events
}
