package session

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/stripcol/gateway/internal/model"
)

// Channel is the single authoritative plugin connection bound to a session.
type Channel interface {
	// ID identifies the physical connection. Two handles with the same ID are
	// the same channel.
	ID() string
	// IsOpen reports whether the channel still accepts writes.
	IsOpen() bool
	// Send queues one frame without blocking.
	Send(data []byte) error
}

// Subscriber is a one-way event receiver attached to a session.
type Subscriber interface {
	ID() string
	// Send queues an event. It returns false once the subscriber can no longer
	// receive, in which case it is pruned.
	Send(ev model.Event) bool
	Close()
}

// Session is the server-side state bound to one link code. All fields are
// guarded by mu; the registry hands out *Session only for identity.
type Session struct {
	Code string

	mu           sync.Mutex
	evicted      bool
	plugin       Channel
	subscribers  map[string]Subscriber
	aircraft     map[string]json.RawMessage
	order        []string
	atcList      json.RawMessage
	controller   *model.ControllerInfo
	lastSyncAt   time.Time
	lastActivity time.Time
	dirty        bool
}

func newSession(code string, now time.Time) *Session {
	return &Session{
		Code:         code,
		subscribers:  make(map[string]Subscriber),
		aircraft:     make(map[string]json.RawMessage),
		atcList:      json.RawMessage("[]"),
		lastActivity: now,
	}
}

// Controller returns a copy of the controller info, or nil before registration.
func (s *Session) Controller() *model.ControllerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllerLocked()
}

func (s *Session) controllerLocked() *model.ControllerInfo {
	if s.controller == nil {
		return nil
	}
	c := *s.controller
	return &c
}

// PluginBound reports whether a plugin channel is currently bound.
func (s *Session) PluginBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plugin != nil
}

// SubscriberCount returns the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

func (s *Session) statusLocked() model.GatewayStatus {
	status := model.StatusPluginDisconnected
	if s.plugin != nil {
		status = model.StatusPluginConnected
	}
	return model.GatewayStatus{
		Status:     status,
		Code:       s.Code,
		Controller: s.controllerLocked(),
	}
}

func (s *Session) upsertLocked(callsign string, snapshot json.RawMessage) {
	if _, ok := s.aircraft[callsign]; !ok {
		s.order = append(s.order, callsign)
	}
	s.aircraft[callsign] = append(json.RawMessage(nil), snapshot...)
}

func (s *Session) deleteLocked(callsign string) {
	if _, ok := s.aircraft[callsign]; !ok {
		return
	}
	delete(s.aircraft, callsign)
	for i, cs := range s.order {
		if cs == callsign {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Session) aircraftLocked() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(s.order))
	for _, cs := range s.order {
		out = append(out, s.aircraft[cs])
	}
	return out
}

// broadcastLocked enqueues ev on every subscriber and prunes the ones that
// refuse it. Enqueueing under the session lock keeps per-subscriber order
// identical to processing order.
func (s *Session) broadcastLocked(ev model.Event) (delivered, pruned int) {
	for id, sub := range s.subscribers {
		if sub.Send(ev) {
			delivered++
			continue
		}
		delete(s.subscribers, id)
		sub.Close()
		pruned++
	}
	return delivered, pruned
}

// pointSet is a flight snapshot's ETA points as cached from the plugin.
type pointSet struct {
	ArrivalPoints   []json.RawMessage `json:"arrivalPoints"`
	DeparturePoints []json.RawMessage `json:"departurePoints"`
}

type pointName struct {
	Name string `json:"name"`
}

// filterPoints returns the arrival and departure points of snapshot whose
// name is in names (case-insensitive). An empty names list matches all.
func filterPoints(snapshot json.RawMessage, names []string) []json.RawMessage {
	var ps pointSet
	if err := json.Unmarshal(snapshot, &ps); err != nil {
		return []json.RawMessage{}
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.ToUpper(strings.TrimSpace(n)); n != "" {
			wanted[n] = true
		}
	}
	out := []json.RawMessage{}
	for _, p := range append(ps.ArrivalPoints, ps.DeparturePoints...) {
		if len(wanted) > 0 {
			var pn pointName
			if err := json.Unmarshal(p, &pn); err != nil || !wanted[strings.ToUpper(pn.Name)] {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}
