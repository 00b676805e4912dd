// Package session owns the map from link code to session state.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stripcol/gateway/internal/model"
)

// Loader restores a previously persisted session. It returns nil when nothing
// is stored for code.
type Loader func(code string) (*model.SessionSnapshot, error)

// Registry owns every Session. The registry lock only covers lookup, insert
// and eviction; per-session state is serialized by the session's own lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	now    func() time.Time
	loader Loader
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLoader restores sessions from persistent storage when they are created.
func WithLoader(l Loader) Option {
	return func(r *Registry) { r.loader = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the session for code, creating it if absent.
func (r *Registry) GetOrCreate(code string) *Session {
	code = model.NormalizeCode(code)

	r.mu.RLock()
	s, ok := r.sessions[code]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[code]; ok {
		return s
	}
	s = newSession(code, r.now())
	r.restoreLocked(s)
	r.sessions[code] = s
	return s
}

// lockLive returns the session for code locked, skipping a session that was
// evicted between lookup and lock.
func (r *Registry) lockLive(code string) *Session {
	for {
		s := r.GetOrCreate(code)
		s.mu.Lock()
		if !s.evicted {
			return s
		}
		s.mu.Unlock()
	}
}

func (r *Registry) restoreLocked(s *Session) {
	if r.loader == nil {
		return
	}
	snap, err := r.loader(s.Code)
	if err != nil || snap == nil {
		return
	}
	s.controller = snap.Controller
	for _, raw := range snap.Aircraft {
		var key model.FlightKey
		if json.Unmarshal(raw, &key) == nil && key.Callsign != "" {
			s.upsertLocked(key.Callsign, raw)
		}
	}
	if len(snap.ATCList) > 0 {
		s.atcList = snap.ATCList
	}
}

// Get returns the session for code without creating it.
func (r *Registry) Get(code string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[model.NormalizeCode(code)]
	return s, ok
}

// Count returns the number of known sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Register binds ch as the plugin channel of code, replacing any previous
// binding. wasBound reports whether a plugin was bound before the call.
func (r *Registry) Register(code string, ch Channel, info model.ControllerInfo) (s *Session, wasBound bool) {
	s = r.lockLive(code)
	defer s.mu.Unlock()
	wasBound = s.plugin != nil
	s.plugin = ch
	s.controller = &info
	s.lastActivity = r.now()
	s.dirty = true
	return s, wasBound
}

// Unregister vacates the plugin binding of code only if ch is the channel
// currently bound. It reports whether the binding was vacated.
func (r *Registry) Unregister(code string, ch Channel) bool {
	s, ok := r.Get(code)
	if !ok || ch == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plugin == nil || s.plugin.ID() != ch.ID() {
		return false
	}
	s.plugin = nil
	s.lastActivity = r.now()
	return true
}

// Forward delivers one command to the plugin bound to code.
func (r *Registry) Forward(code, typ string, payload map[string]json.RawMessage) error {
	s, ok := r.Get(code)
	if !ok {
		return model.ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plugin == nil {
		return model.ErrNoPlugin
	}
	if !s.plugin.IsOpen() {
		return model.ErrChannelNotOpen
	}
	frame, err := EncodeCommand(typ, payload)
	if err != nil {
		return err
	}
	if err := s.plugin.Send(frame); err != nil {
		return fmt.Errorf("%w: %v", model.ErrChannelNotOpen, err)
	}
	s.lastActivity = r.now()
	return nil
}

// ApplyAndCache folds one plugin message into the session cache. It never
// broadcasts.
func (r *Registry) ApplyAndCache(code string, env *model.Envelope) error {
	s, ok := r.Get(code)
	if !ok {
		return model.ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = r.now()

	switch env.Type {
	case model.TypeAircraft, model.TypeFPUpdate:
		payload := env.Payload()
		var key model.FlightKey
		if err := json.Unmarshal(payload, &key); err != nil {
			return fmt.Errorf("%w: %s payload: %v", model.ErrProtocol, env.Type, err)
		}
		if key.Callsign != "" {
			s.upsertLocked(key.Callsign, payload)
			s.dirty = true
		}
	case model.TypeRelease:
		var key model.FlightKey
		if err := json.Unmarshal(env.Payload(), &key); err != nil {
			return fmt.Errorf("%w: release payload: %v", model.ErrProtocol, err)
		}
		if key.Callsign != "" {
			s.deleteLocked(key.Callsign)
			s.dirty = true
		}
	case model.TypeATCList:
		s.atcList = atcListFrom(env)
		s.dirty = true
	}
	return nil
}

// atcListFrom picks the list out of data, atclist or atcList, defaulting to
// an empty array.
func atcListFrom(env *model.Envelope) json.RawMessage {
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		return append(json.RawMessage(nil), env.Data...)
	}
	var alt struct {
		Lower json.RawMessage `json:"atclist"`
		Camel json.RawMessage `json:"atcList"`
	}
	if err := json.Unmarshal(env.Raw, &alt); err == nil {
		if len(alt.Lower) > 0 && !bytes.Equal(alt.Lower, []byte("null")) {
			return alt.Lower
		}
		if len(alt.Camel) > 0 && !bytes.Equal(alt.Camel, []byte("null")) {
			return alt.Camel
		}
	}
	return json.RawMessage("[]")
}

// Subscribe attaches sub to code, queues the initial gateway_status event and
// asks the plugin for a resync unless one was requested within cooldown. The
// whole sequence runs under the session lock so no broadcast can slip in
// ahead of the status event.
func (r *Registry) Subscribe(code string, sub Subscriber, cooldown time.Duration) (status model.GatewayStatus, syncRequested bool) {
	s := r.lockLive(code)
	defer s.mu.Unlock()
	now := r.now()
	s.subscribers[sub.ID()] = sub
	s.lastActivity = now

	status = s.statusLocked()
	if !sub.Send(model.NewEvent(model.TypeGatewayStatus, status)) {
		delete(s.subscribers, sub.ID())
		sub.Close()
		return status, false
	}

	if s.plugin != nil && s.plugin.IsOpen() && now.Sub(s.lastSyncAt) > cooldown {
		frame, _ := EncodeCommand(model.TypeSync, nil)
		if err := s.plugin.Send(frame); err == nil {
			s.lastSyncAt = now
			syncRequested = true
		}
	}
	return status, syncRequested
}

// Unsubscribe detaches the subscriber with id from code. It is a no-op for
// unknown codes or subscribers.
func (r *Registry) Unsubscribe(code, id string) {
	s, ok := r.Get(code)
	if !ok {
		return
	}

	s.mu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.lastActivity = r.now()
	s.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Broadcast fans ev out to every subscriber of code and returns how many
// subscribers accepted it and how many were pruned.
func (r *Registry) Broadcast(code string, ev model.Event) (delivered, pruned int) {
	s, ok := r.Get(code)
	if !ok {
		return 0, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastLocked(ev)
}

// Paired reports whether a plugin is bound for code.
func (r *Registry) Paired(code string) bool {
	s, ok := r.Get(code)
	return ok && s.PluginBound()
}

// Aircraft returns the cached flight snapshots of code in insertion order.
func (r *Registry) Aircraft(code string) ([]json.RawMessage, error) {
	s, ok := r.Get(code)
	if !ok {
		return nil, model.ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aircraftLocked(), nil
}

// ATCList returns the cached ATC list of code.
func (r *Registry) ATCList(code string) (json.RawMessage, error) {
	s, ok := r.Get(code)
	if !ok {
		return nil, model.ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.atcList...), nil
}

// PointTimes returns the cached ETA points of callsign filtered by points.
// Unknown sessions or flights yield an empty result.
func (r *Registry) PointTimes(code, callsign string, points []string) []json.RawMessage {
	s, ok := r.Get(code)
	if !ok {
		return []json.RawMessage{}
	}

	s.mu.Lock()
	snapshot, ok := s.aircraft[callsign]
	s.mu.Unlock()
	if !ok {
		return []json.RawMessage{}
	}
	return filterPoints(snapshot, points)
}

// PresenceInput returns what the presence notifier needs to describe code.
func (r *Registry) PresenceInput(code string) (*model.ControllerInfo, []model.FlightKey, bool) {
	s, ok := r.Get(code)
	if !ok {
		return nil, nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	flights := make([]model.FlightKey, 0, len(s.order))
	for _, cs := range s.order {
		var key model.FlightKey
		if json.Unmarshal(s.aircraft[cs], &key) == nil {
			flights = append(flights, key)
		}
	}
	return s.controllerLocked(), flights, true
}

// EvictIdle removes sessions that have no plugin, no subscribers and no
// activity for ttl. It returns the evicted codes.
func (r *Registry) EvictIdle(ttl time.Duration) []string {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for code, s := range r.sessions {
		s.mu.Lock()
		idle := s.plugin == nil && len(s.subscribers) == 0 && now.Sub(s.lastActivity) > ttl
		if idle {
			s.evicted = true
		}
		s.mu.Unlock()
		if idle {
			delete(r.sessions, code)
			evicted = append(evicted, code)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// TakeDirty returns snapshots of every session changed since the last call
// and clears their dirty flag.
func (r *Registry) TakeDirty() []model.SessionSnapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var out []model.SessionSnapshot
	for _, s := range sessions {
		s.mu.Lock()
		if s.dirty {
			out = append(out, model.SessionSnapshot{
				Code:       s.Code,
				Controller: s.controllerLocked(),
				Aircraft:   s.aircraftLocked(),
				ATCList:    append(json.RawMessage(nil), s.atcList...),
				UpdatedAt:  r.now(),
			})
			s.dirty = false
		}
		s.mu.Unlock()
	}
	return out
}

// MarkDirty flags code for the next TakeDirty, e.g. after a failed write.
func (r *Registry) MarkDirty(code string) {
	if s, ok := r.Get(code); ok {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

// EncodeCommand renders {type, ...payload} with type first and the payload
// keys in sorted order. A "type" key inside payload is ignored.
func EncodeCommand(typ string, payload map[string]json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	t, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`{"type":`)
	buf.Write(t)

	keys := make([]string, 0, len(payload))
	for k := range payload {
		if k != "type" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		v := payload[k]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v); err != nil {
			return nil, fmt.Errorf("payload field %s: %w", k, err)
		}
		buf.WriteByte(',')
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(compact.Bytes())
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
