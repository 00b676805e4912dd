package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/internal/model"
	"github.com/stripcol/gateway/internal/observability"
	"github.com/stripcol/gateway/internal/presence"
	"github.com/stripcol/gateway/internal/session"
)

// SnapshotStore persists session caches between runs.
type SnapshotStore interface {
	Save(ctx context.Context, snap model.SessionSnapshot) error
	Delete(ctx context.Context, code string) error
}

// Config tunes the relay service.
type Config struct {
	// SyncCooldown is the minimum spacing of resync requests per session.
	SyncCooldown time.Duration
	// SessionTTL evicts sessions idle for longer. Zero disables eviction.
	SessionTTL       time.Duration
	EvictInterval    time.Duration
	FlushInterval    time.Duration
	SubscriberBuffer int
	Sectors          presence.SectorLookup
	Store            SnapshotStore
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SyncCooldown:     5 * time.Second,
		SessionTTL:       6 * time.Hour,
		EvictInterval:    time.Minute,
		FlushInterval:    10 * time.Second,
		SubscriberBuffer: DefaultSubscriberBuffer,
	}
}

const presenceBuffer = 32

// Service relays frames between plugin channels and subscribers through the
// session registry.
type Service struct {
	registry *session.Registry
	cfg      Config
	handler  *Handler

	presence    chan presence.Message
	pluginConns atomic.Int64
	started     time.Time
}

// NewService creates a relay service over registry.
func NewService(registry *session.Registry, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.SyncCooldown <= 0 {
		cfg.SyncCooldown = def.SyncCooldown
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = def.EvictInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}

	s := &Service{
		registry: registry,
		cfg:      cfg,
		presence: make(chan presence.Message, presenceBuffer),
		started:  time.Now(),
	}
	s.handler = NewHandler(s)
	return s
}

// Handler returns the plugin WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Registry returns the session registry.
func (s *Service) Registry() *session.Registry {
	return s.registry
}

// PresenceMessages returns the stream of presence reports. Reports are
// dropped when nobody drains the stream.
func (s *Service) PresenceMessages() <-chan presence.Message {
	return s.presence
}

// PluginConnections returns the number of open plugin sockets.
func (s *Service) PluginConnections() int {
	return int(s.pluginConns.Load())
}

// Uptime returns how long the service has been running.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.started)
}

// PluginOpened is called once per accepted plugin socket.
func (s *Service) PluginOpened(pc *PluginConn) {
	s.pluginConns.Add(1)
}

// HandleFrame processes one frame from pc. Malformed frames are logged and
// dropped; the connection stays open.
func (s *Service) HandleFrame(pc *PluginConn, frame []byte) {
	env, err := model.ParseEnvelope(frame)
	if err != nil {
		observability.RecordPluginFrame("invalid", "dropped")
		log.Warn().Err(err).Str("conn", pc.ID()).Int("bytes", len(frame)).Msg("dropping malformed plugin frame")
		return
	}

	switch env.Type {
	case model.TypeRegister:
		s.handleRegister(pc, frame)
	case model.TypePing:
		observability.RecordPluginFrame(env.Type, "ignored")
	default:
		s.handleData(pc, env)
	}
}

func (s *Service) handleRegister(pc *PluginConn, frame []byte) {
	var msg model.RegisterMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		observability.RecordPluginFrame(model.TypeRegister, "dropped")
		log.Warn().Err(err).Str("conn", pc.ID()).Msg("dropping malformed register frame")
		return
	}
	code := model.NormalizeCode(msg.Code)
	if code == "" {
		observability.RecordPluginFrame(model.TypeRegister, "dropped")
		log.Warn().Str("conn", pc.ID()).Msg("register without link code")
		return
	}

	// Switching codes on the same socket releases the previous binding.
	if old := pc.code; old != "" && old != code {
		if s.registry.Unregister(old, pc) {
			s.broadcast(old, model.NewEvent(model.TypeGatewayStatus, model.GatewayStatus{
				Status: model.StatusPluginDisconnected,
				Code:   old,
			}))
			s.reportPresence(old)
		}
	}

	pc.code = code
	sess, wasBound := s.registry.Register(code, pc, msg.ControllerInfo)
	observability.RecordPluginFrame(model.TypeRegister, "applied")

	if !wasBound {
		log.Info().
			Str("code", code).
			Str("callsign", msg.Callsign).
			Int("facility", int(msg.Facility)).
			Msg("plugin connected")
		s.broadcast(code, model.NewEvent(model.TypeGatewayStatus, model.GatewayStatus{
			Status:     model.StatusPluginConnected,
			Code:       code,
			Controller: sess.Controller(),
		}))
	} else {
		log.Info().Str("code", code).Str("conn", pc.ID()).Msg("plugin re-registered, replacing previous binding")
	}
	s.reportPresence(code)
}

func (s *Service) handleData(pc *PluginConn, env *model.Envelope) {
	code := pc.code
	if code == "" {
		observability.RecordPluginFrame(env.Type, "unregistered")
		log.Debug().Str("conn", pc.ID()).Str("type", env.Type).Msg("frame before register, dropping")
		return
	}

	if err := s.registry.ApplyAndCache(code, env); err != nil {
		observability.RecordPluginFrame(env.Type, "dropped")
		log.Warn().Err(err).Str("code", code).Str("type", env.Type).Msg("failed to apply plugin frame")
		return
	}
	observability.RecordPluginFrame(env.Type, "relayed")
	log.Debug().Str("code", code).Str("type", env.Type).Msg("plugin frame")

	s.broadcast(code, model.Event{Name: env.Type, Data: env.Payload()})
	s.reportPresence(code)
}

// PluginClosed releases the binding held by pc, if it still holds one.
func (s *Service) PluginClosed(pc *PluginConn) {
	s.pluginConns.Add(-1)

	code := pc.code
	if code == "" {
		log.Info().Str("conn", pc.ID()).Msg("anonymous plugin disconnected")
		return
	}
	if !s.registry.Unregister(code, pc) {
		log.Debug().Str("code", code).Str("conn", pc.ID()).Msg("stale plugin close ignored")
		return
	}

	log.Info().Str("code", code).Msg("plugin disconnected")
	s.broadcast(code, model.NewEvent(model.TypeGatewayStatus, model.GatewayStatus{
		Status: model.StatusPluginDisconnected,
		Code:   code,
	}))
	s.reportPresence(code)
}

func (s *Service) broadcast(code string, ev model.Event) {
	delivered, pruned := s.registry.Broadcast(code, ev)
	observability.RecordBroadcast(ev.Name, pruned)
	if pruned > 0 {
		log.Warn().Str("code", code).Str("event", ev.Name).Int("pruned", pruned).Msg("pruned slow subscribers")
	}
	log.Trace().Str("code", code).Str("event", ev.Name).Int("delivered", delivered).Msg("broadcast")
}

// reportPresence derives the presence line of code and offers it on the
// presence stream without blocking.
func (s *Service) reportPresence(code string) {
	msg := presence.Message{Type: presence.MessageClear}

	info, flights, ok := s.registry.PresenceInput(code)
	if ok && info != nil && info.Callsign != "" {
		state := presence.ComputeState(*info, flights, s.cfg.Sectors)
		msg = presence.Message{Type: presence.MessageUpdate, State: &state}
	}

	select {
	case s.presence <- msg:
	default:
		log.Debug().Str("code", code).Msg("presence stream full, dropping report")
	}
}

// NewSubscriber creates a subscriber queue sized by the service config.
func (s *Service) NewSubscriber(code string) *Subscriber {
	return NewSubscriber(code, s.cfg.SubscriberBuffer)
}

// Subscribe attaches sub to its session and returns the initial status.
func (s *Service) Subscribe(sub *Subscriber) model.GatewayStatus {
	status, synced := s.registry.Subscribe(sub.Code(), sub, s.cfg.SyncCooldown)
	observability.SubscriberOpened()
	if synced {
		observability.RecordSyncRequest()
		log.Debug().Str("code", sub.Code()).Msg("requested plugin resync")
	}
	log.Info().Str("code", sub.Code()).Str("subscriber", sub.ID()).Str("status", status.Status).Msg("subscriber connected")
	return status
}

// Unsubscribe detaches sub. Safe to call more than once.
func (s *Service) Unsubscribe(sub *Subscriber) {
	s.registry.Unsubscribe(sub.Code(), sub.ID())
	sub.Close()
	observability.SubscriberClosed()
	log.Info().Str("code", sub.Code()).Str("subscriber", sub.ID()).Msg("subscriber disconnected")
}

// Submit forwards one command to the plugin bound to code. The code key of
// payload is not forwarded.
func (s *Service) Submit(code, action string, payload map[string]json.RawMessage) error {
	code = model.NormalizeCode(code)
	known := model.IsKnownAction(action)
	if code == "" {
		observability.RecordCommand(action, known, "missing_code")
		return model.ErrMissingCode
	}
	if !known {
		log.Debug().Str("code", code).Str("action", action).Msg("forwarding unrecognized action")
	}

	forwarded := make(map[string]json.RawMessage, len(payload))
	for k, v := range payload {
		if k != "code" {
			forwarded[k] = v
		}
	}

	err := s.registry.Forward(code, action, forwarded)
	observability.RecordCommand(action, known, commandResult(err))
	if err != nil {
		log.Warn().Err(err).Str("code", code).Str("action", action).Msg("command not forwarded")
		return err
	}
	log.Info().Str("code", code).Str("action", action).Msg("command forwarded")
	return nil
}

func commandResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrNoSession):
		return "no_session"
	case errors.Is(err, model.ErrNoPlugin):
		return "no_plugin"
	case errors.Is(err, model.ErrChannelNotOpen):
		return "not_open"
	default:
		return "error"
	}
}

// Run performs idle eviction and snapshot flushing until ctx is done. A
// final flush runs on the way out.
func (s *Service) Run(ctx context.Context) {
	evict := time.NewTicker(s.cfg.EvictInterval)
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer func() {
		evict.Stop()
		flush.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			s.Flush(context.Background())
			return
		case <-evict.C:
			s.Evict(ctx)
		case <-flush.C:
			s.Flush(ctx)
		}
	}
}

// Evict drops idle sessions and their stored snapshots.
func (s *Service) Evict(ctx context.Context) []string {
	defer observability.SetSessions(s.registry.Count())
	if s.cfg.SessionTTL <= 0 {
		return nil
	}

	evicted := s.registry.EvictIdle(s.cfg.SessionTTL)
	for _, code := range evicted {
		if s.cfg.Store != nil {
			if err := s.cfg.Store.Delete(ctx, code); err != nil && !errors.Is(err, model.ErrNoSession) {
				log.Warn().Err(err).Str("code", code).Msg("failed to delete session snapshot")
			}
		}
	}
	if len(evicted) > 0 {
		log.Info().Strs("codes", evicted).Msg("evicted idle sessions")
	}
	return evicted
}

// Flush persists every session changed since the last flush.
func (s *Service) Flush(ctx context.Context) {
	if s.cfg.Store == nil {
		return
	}
	for _, snap := range s.registry.TakeDirty() {
		if err := s.cfg.Store.Save(ctx, snap); err != nil {
			s.registry.MarkDirty(snap.Code)
			log.Warn().Err(err).Str("code", snap.Code).Msg("failed to save session snapshot")
		}
	}
}
