package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/internal/observability"
)

// DefaultInterval is the minimum spacing between two delivered publishes.
const DefaultInterval = 15 * time.Second

const deliverTimeout = 5 * time.Second

// maxPending bounds the delivery queue; the oldest entry is dropped on overflow.
const maxPending = 16

// Sink is the external presence display.
type Sink interface {
	SetActivity(ctx context.Context, state State) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, state State) error

// SetActivity implements Sink.
func (f SinkFunc) SetActivity(ctx context.Context, state State) error {
	return f(ctx, state)
}

// LogSink writes presence activity to the structured log.
type LogSink struct{}

// SetActivity implements Sink.
func (LogSink) SetActivity(_ context.Context, state State) error {
	ev := log.Info().Str("details", state.Details).Str("state", state.State)
	if state.Callsign != nil {
		ev = ev.Str("callsign", *state.Callsign)
	}
	if state.StartTimestamp != nil {
		ev = ev.Time("since", *state.StartTimestamp)
	}
	ev.Msg("presence updated")
	return nil
}

// Notifier throttles presence updates. A publish is dropped when its content
// equals the last delivered content or when it arrives less than the interval
// after the last delivery. Dropped updates are not queued.
type Notifier struct {
	sink     Sink
	interval time.Duration
	now      func() time.Time

	mu          sync.Mutex
	lastDetails string
	lastState   string
	published   bool
	lastAt      time.Time
	start       *time.Time

	pending    []State
	delivering bool
	wg         sync.WaitGroup
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.interval = d }
}

// WithNotifierClock overrides the time source.
func WithNotifierClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) { n.now = now }
}

// NewNotifier creates a notifier delivering to sink. A nil sink logs.
func NewNotifier(sink Sink, opts ...NotifierOption) *Notifier {
	if sink == nil {
		sink = LogSink{}
	}
	n := &Notifier{
		sink:     sink,
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish offers state for delivery and reports whether it was accepted.
// Accepted states are delivered in order by a single worker; Publish never
// blocks on the sink.
func (n *Notifier) Publish(state State) bool {
	n.mu.Lock()
	now := n.now()
	same := n.published && n.lastDetails == state.Details && n.lastState == state.State
	if same || (n.published && now.Sub(n.lastAt) < n.interval) {
		n.mu.Unlock()
		observability.RecordPresence("suppressed")
		return false
	}
	n.published = true
	n.lastDetails = state.Details
	n.lastState = state.State
	n.lastAt = now

	switch {
	case state.Callsign != nil && n.start == nil:
		t := now
		n.start = &t
	case state.Callsign == nil:
		n.start = nil
	}
	state.StartTimestamp = n.start

	if len(n.pending) == maxPending {
		n.pending = n.pending[1:]
		observability.RecordPresence("suppressed")
	}
	n.pending = append(n.pending, state)
	if !n.delivering {
		n.delivering = true
		n.wg.Add(1)
		go n.drain()
	}
	n.mu.Unlock()
	return true
}

// Handle applies one presence message from a hosted relay.
func (n *Notifier) Handle(msg Message) bool {
	if msg.Type == MessageUpdate && msg.State != nil {
		return n.Publish(*msg.State)
	}
	return n.Publish(Default())
}

// Run drains msgs into the notifier until ctx is done or msgs is closed.
func (n *Notifier) Run(ctx context.Context, msgs <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			n.Handle(msg)
		}
	}
}

// Wait blocks until queued deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// drain delivers queued states until the queue is empty.
func (n *Notifier) drain() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.delivering = false
			n.mu.Unlock()
			return
		}
		state := n.pending[0]
		n.pending = n.pending[1:]
		n.mu.Unlock()

		n.deliver(state)
	}
}

func (n *Notifier) deliver(state State) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	if err := n.sink.SetActivity(ctx, state); err != nil {
		observability.RecordPresence("failed")
		log.Warn().Err(err).Msg("failed to set presence activity")
		return
	}
	observability.RecordPresence("delivered")
}
