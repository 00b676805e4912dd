// Package link is the strip board side of the relay: it keeps one event
// stream open for the current link code, reconnects with backoff and mirrors
// the session into a local cache.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/internal/model"
)

// State is the connection state of a Link.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Defaults.
const (
	DefaultWatchdog      = 10 * time.Second
	DefaultFetchInterval = 10 * time.Second
)

// Event names a Link applies besides the relay's own.
const (
	EventTransfer       = "transfer"
	EventNearbyAircraft = "nearby-aircraft"
)

// Update kinds that do not come from the stream.
const (
	UpdateState    = "state"
	UpdateReset    = "reset"
	UpdateSnapshot = "snapshot"
)

// Flight is one cached flight snapshot.
type Flight struct {
	Callsign string
	Transfer bool
	Data     json.RawMessage
}

// Update reports one change applied by the link. Kind is an Update* constant
// or the name of the stream event.
type Update struct {
	Kind     string
	Code     string
	State    State
	Callsign string
	Data     json.RawMessage
}

// Handler observes updates. It runs on the link's loop goroutine and must not
// block.
type Handler func(Update)

const (
	evOpened = iota
	evMessage
	evSnapshot
	evClosed
)

type streamEvent struct {
	gen     uint64
	kind    int
	ev      model.Event
	flights []json.RawMessage
	err     error
}

// Link maintains the subscriber stream for one link code at a time.
type Link struct {
	base       string
	client     *http.Client
	handler    Handler
	backoff    BackoffConfig
	watchdog   time.Duration
	fetchEvery time.Duration
	now        func() time.Time

	wake   chan struct{}
	events chan streamEvent

	mu           sync.RWMutex
	wantCode     string
	code         string
	state        State
	pluginLinked bool
	controller   *model.ControllerInfo
	aircraft     map[string]Flight
	atcList      json.RawMessage

	// Owned by the Run goroutine.
	gen       uint64
	attempt   int
	lastFetch time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Link.
type Option func(*Link)

// WithHTTPClient sets the client used for the stream and requests. It must
// not set a Timeout, which would cut the stream.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Link) { l.client = c }
}

// WithHandler sets the update observer.
func WithHandler(h Handler) Option {
	return func(l *Link) { l.handler = h }
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(cfg BackoffConfig) Option {
	return func(l *Link) { l.backoff = cfg }
}

// WithWatchdog overrides DefaultWatchdog.
func WithWatchdog(d time.Duration) Option {
	return func(l *Link) { l.watchdog = d }
}

// WithFetchInterval overrides DefaultFetchInterval.
func WithFetchInterval(d time.Duration) Option {
	return func(l *Link) { l.fetchEvery = d }
}

// New creates a link to the gateway at baseURL, e.g. http://127.0.0.1:3000.
func New(baseURL string, opts ...Option) *Link {
	l := &Link{
		base:       strings.TrimRight(baseURL, "/"),
		client:     &http.Client{},
		handler:    func(Update) {},
		backoff:    DefaultBackoff(),
		watchdog:   DefaultWatchdog,
		fetchEvery: DefaultFetchInterval,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		events:     make(chan streamEvent, 64),
		aircraft:   make(map[string]Flight),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetCode switches the link to code. An empty code disconnects.
func (l *Link) SetCode(code string) {
	l.mu.Lock()
	l.wantCode = model.NormalizeCode(code)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Code returns the code of the session currently mirrored.
func (l *Link) Code() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.code
}

func (l *Link) wanted() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.wantCode
}

// State returns the connection state.
func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// PluginLinked reports whether the gateway last said a plugin is bound.
func (l *Link) PluginLinked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pluginLinked
}

// Controller returns the controller behind the plugin, if known.
func (l *Link) Controller() *model.ControllerInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.controller == nil {
		return nil
	}
	c := *l.controller
	return &c
}

// Aircraft returns the cached flights ordered by callsign.
func (l *Link) Aircraft() []Flight {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Flight, 0, len(l.aircraft))
	for _, f := range l.aircraft {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Callsign < out[j].Callsign })
	return out
}

// CachedATCList returns the last ATC list received on the stream.
func (l *Link) CachedATCList() json.RawMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append(json.RawMessage(nil), l.atcList...)
}

// Run drives the connection until ctx is cancelled. One timer serves both
// the backoff retry and the slower watchdog check, so at most one connect
// is ever pending and at most one stream is ever open.
func (l *Link) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	defer l.closeStream()

	for {
		select {
		case <-ctx.Done():
			l.setState(Disconnected)
			return nil

		case <-l.wake:
			if l.wanted() != l.Code() {
				l.connect(ctx)
				resetTimer(timer, l.watchdog)
			}

		case <-timer.C:
			if l.State() != Connected {
				l.connect(ctx)
			}
			resetTimer(timer, l.watchdog)

		case se := <-l.events:
			if se.gen != l.gen {
				continue
			}
			switch se.kind {
			case evOpened:
				l.attempt = 0
				l.setState(Connected)
				log.Info().Str("code", l.Code()).Msg("gateway link established")
				if now := l.now(); now.Sub(l.lastFetch) > l.fetchEvery {
					l.lastFetch = now
					go l.fetchSnapshot(ctx, l.gen, l.Code())
				}
				resetTimer(timer, l.watchdog)
			case evMessage:
				l.apply(se.ev)
			case evSnapshot:
				l.reconcile(se.flights)
			case evClosed:
				l.closeStream()
				l.mu.Lock()
				l.pluginLinked = false
				l.mu.Unlock()
				l.setState(Disconnected)
				l.attempt++
				delay := NextBackoffDelay(l.backoff, l.attempt)
				log.Warn().Err(se.err).Str("code", l.Code()).Dur("retry_in", delay).Msg("gateway link error")
				resetTimer(timer, delay)
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// connect closes any open stream and opens one for the wanted code.
func (l *Link) connect(ctx context.Context) {
	l.closeStream()

	code := l.wanted()
	if code != l.Code() {
		l.resetSession(code)
	}
	if code == "" {
		l.setState(Disconnected)
		return
	}

	l.gen++
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	l.setState(Connecting)
	go l.stream(streamCtx, l.gen, code, done)
}

// closeStream cancels the open stream and waits for its goroutine to exit.
func (l *Link) closeStream() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel, l.done = nil, nil
	l.gen++
}

func (l *Link) resetSession(code string) {
	l.mu.Lock()
	l.code = code
	l.aircraft = make(map[string]Flight)
	l.atcList = nil
	l.controller = nil
	l.pluginLinked = false
	l.mu.Unlock()
	l.lastFetch = time.Time{}

	log.Info().Str("code", code).Msg("resetting session state for new link code")
	l.handler(Update{Kind: UpdateReset, Code: code})
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	code := l.code
	l.mu.Unlock()
	if changed {
		l.handler(Update{Kind: UpdateState, Code: code, State: s})
	}
}

func (l *Link) emit(ctx context.Context, se streamEvent) bool {
	select {
	case l.events <- se:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Link) stream(ctx context.Context, gen uint64, code string, done chan struct{}) {
	defer close(done)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		l.base+"/api/events?code="+url.QueryEscape(code), nil)
	if err != nil {
		l.emit(ctx, streamEvent{gen: gen, kind: evClosed, err: err})
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := l.client.Do(req)
	if err != nil {
		l.emit(ctx, streamEvent{gen: gen, kind: evClosed, err: err})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		l.emit(ctx, streamEvent{gen: gen, kind: evClosed, err: fmt.Errorf("event stream returned %s", resp.Status)})
		return
	}
	if !l.emit(ctx, streamEvent{gen: gen, kind: evOpened}) {
		return
	}

	err = readEvents(resp.Body, func(ev model.Event) bool {
		return l.emit(ctx, streamEvent{gen: gen, kind: evMessage, ev: ev})
	})
	l.emit(ctx, streamEvent{gen: gen, kind: evClosed, err: err})
}

func (l *Link) fetchSnapshot(ctx context.Context, gen uint64, code string) {
	flights, err := l.fetchAssumed(ctx, code)
	if err != nil {
		log.Debug().Err(err).Str("code", code).Msg("failed to fetch aircraft list")
		return
	}
	l.emit(ctx, streamEvent{gen: gen, kind: evSnapshot, flights: flights})
}

func (l *Link) apply(ev model.Event) {
	var key model.FlightKey
	update := Update{Kind: ev.Name, Code: l.Code(), Data: ev.Data}

	l.mu.Lock()
	switch ev.Name {
	case model.TypeGatewayStatus:
		var st model.GatewayStatus
		if err := json.Unmarshal(ev.Data, &st); err == nil {
			l.pluginLinked = st.Status == model.StatusPluginConnected
			if l.pluginLinked && st.Controller != nil {
				l.controller = st.Controller
			}
		}
	case model.TypeAircraft, EventTransfer:
		if json.Unmarshal(ev.Data, &key) == nil && key.Callsign != "" {
			l.aircraft[key.Callsign] = Flight{Callsign: key.Callsign, Transfer: ev.Name == EventTransfer, Data: ev.Data}
		}
	case model.TypeFPUpdate:
		if json.Unmarshal(ev.Data, &key) == nil && key.Callsign != "" {
			prev := l.aircraft[key.Callsign]
			l.aircraft[key.Callsign] = Flight{Callsign: key.Callsign, Transfer: prev.Transfer, Data: ev.Data}
		}
	case model.TypeRelease:
		if json.Unmarshal(ev.Data, &key) == nil {
			delete(l.aircraft, key.Callsign)
		}
	case model.TypeATCList:
		l.atcList = append(json.RawMessage(nil), ev.Data...)
	}
	l.mu.Unlock()

	update.Callsign = key.Callsign
	l.handler(update)
}

// reconcile merges a full aircraft list into the cache.
func (l *Link) reconcile(flights []json.RawMessage) {
	l.mu.Lock()
	for _, raw := range flights {
		var key model.FlightKey
		if json.Unmarshal(raw, &key) == nil && key.Callsign != "" {
			l.aircraft[key.Callsign] = Flight{Callsign: key.Callsign, Data: raw}
		}
	}
	l.mu.Unlock()

	l.handler(Update{Kind: UpdateSnapshot, Code: l.Code()})
}
