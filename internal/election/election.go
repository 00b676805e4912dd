// Package election decides whether this process hosts the relay or defers to
// one that is already running. Binding the listener is the arbitration point;
// the port probe is only a hint.
package election

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/internal/model"
	"github.com/stripcol/gateway/internal/observability"
)

// State is the election state of this process.
type State int

const (
	Probing State = iota
	Host
	Backup
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case Host:
		return "host"
	case Backup:
		return "backup"
	default:
		return "unknown"
	}
}

var allStates = []string{Probing.String(), Host.String(), Backup.String()}

// Defaults.
const (
	DefaultWatchdogInterval = 10 * time.Second
	DefaultProbeTimeout     = time.Second
)

// HostFunc serves the relay on ln until ctx is cancelled. Returning before
// that means the hosted relay stopped unexpectedly.
type HostFunc func(ctx context.Context, ln net.Listener) error

// ListenFunc opens the relay listener.
type ListenFunc func(network, address string) (net.Listener, error)

// ProbeFunc reports whether address already accepts connections.
type ProbeFunc func(ctx context.Context, address string) bool

// Probe dials address with timeout and reports whether something accepted.
func Probe(ctx context.Context, address string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Elector runs the Probing → Host/Backup state machine.
type Elector struct {
	addr     string
	interval time.Duration
	host     HostFunc
	listen   ListenFunc
	probe    ProbeFunc
	onChange func(State)

	mu    sync.Mutex
	state State
}

// Option configures an Elector.
type Option func(*Elector)

// WithInterval overrides the watchdog interval.
func WithInterval(d time.Duration) Option {
	return func(e *Elector) { e.interval = d }
}

// WithListen overrides how the listener is opened.
func WithListen(fn ListenFunc) Option {
	return func(e *Elector) { e.listen = fn }
}

// WithProbe overrides the occupancy probe.
func WithProbe(fn ProbeFunc) Option {
	return func(e *Elector) { e.probe = fn }
}

// WithProbeTimeout sets the dial timeout of the default probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(e *Elector) {
		e.probe = func(ctx context.Context, address string) bool {
			return Probe(ctx, address, d)
		}
	}
}

// OnStateChange registers a callback invoked on every transition.
func OnStateChange(fn func(State)) Option {
	return func(e *Elector) { e.onChange = fn }
}

// New creates an elector for addr that runs host while it holds the port.
func New(addr string, host HostFunc, opts ...Option) *Elector {
	e := &Elector{
		addr:     addr,
		interval: DefaultWatchdogInterval,
		host:     host,
		listen:   net.Listen,
		state:    Probing,
	}
	WithProbeTimeout(DefaultProbeTimeout)(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current state.
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Elector) setState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()

	if !changed {
		return
	}
	observability.SetElectionState(s.String(), allStates...)
	log.Info().Str("addr", e.addr).Str("state", s.String()).Msg("election state changed")
	if e.onChange != nil {
		e.onChange(s)
	}
}

// Run probes, binds or defers, and keeps watching until ctx is cancelled. It
// fails only when startup can neither bind the port nor find a host on it.
func (e *Elector) Run(ctx context.Context) error {
	observability.SetElectionState(Probing.String(), allStates...)

	var (
		hostDone   <-chan error
		stopHost   context.CancelFunc
		stopHostFn = func() {
			if stopHost != nil {
				stopHost()
				<-hostDone
				stopHost = nil
				hostDone = nil
			}
		}
	)
	defer stopHostFn()

	if e.probe(ctx, e.addr) {
		log.Info().Str("addr", e.addr).Msg("relay port occupied, deferring to running host")
		e.setState(Backup)
	} else {
		done, cancel, err := e.tryHost(ctx)
		switch {
		case err == nil:
			hostDone, stopHost = done, cancel
		case errors.Is(err, model.ErrBindConflict):
			log.Warn().Err(err).Str("addr", e.addr).Msg("lost bind race, deferring")
			e.setState(Backup)
		default:
			return fmt.Errorf("relay port %s is free but cannot be bound: %w", e.addr, err)
		}
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-hostDone:
			stopHost()
			stopHost, hostDone = nil, nil
			log.Error().Err(err).Str("addr", e.addr).Msg("hosted relay stopped, demoting to backup")
			e.setState(Backup)

		case <-ticker.C:
			if e.State() != Backup {
				continue
			}
			if e.probe(ctx, e.addr) {
				continue
			}
			log.Info().Str("addr", e.addr).Msg("relay port vacated, attempting takeover")
			done, cancel, err := e.tryHost(ctx)
			if err != nil {
				log.Warn().Err(err).Str("addr", e.addr).Msg("takeover failed, staying backup")
				continue
			}
			hostDone, stopHost = done, cancel
		}
	}
}

// tryHost binds the port and starts the host function on it.
func (e *Elector) tryHost(ctx context.Context) (<-chan error, context.CancelFunc, error) {
	ln, err := e.listen("tcp", e.addr)
	if err != nil {
		if isAddrInUse(err) {
			return nil, nil, fmt.Errorf("%w: %v", model.ErrBindConflict, err)
		}
		return nil, nil, err
	}

	hostCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	e.setState(Host)
	go func() {
		err := e.host(hostCtx, ln)
		ln.Close()
		if err == nil && hostCtx.Err() == nil {
			err = errors.New("relay exited")
		}
		done <- err
	}()
	return done, cancel, nil
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "only one usage of each socket address")
}
