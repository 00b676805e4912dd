package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripcol/gateway/internal/model"
)

type fakeChannel struct {
	id     string
	mu     sync.Mutex
	open   bool
	frames [][]byte
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, open: true}
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errors.New("closed")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *fakeChannel) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

type fakeSubscriber struct {
	id     string
	mu     sync.Mutex
	events []model.Event
	refuse bool
	closed bool
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Send(ev model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse || s.closed {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *fakeSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSubscriber) received() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...)
}

func envelope(t *testing.T, frame string) *model.Envelope {
	t.Helper()
	env, err := model.ParseEnvelope([]byte(frame))
	require.NoError(t, err)
	return env
}

func TestRegistry_LatestRegistrationWins(t *testing.T) {
	r := NewRegistry()
	h1 := newFakeChannel("h1")
	h2 := newFakeChannel("h2")

	_, wasBound := r.Register("abcde", h1, model.ControllerInfo{Callsign: "SKBO_TWR"})
	assert.False(t, wasBound)
	_, wasBound = r.Register("ABCDE", h2, model.ControllerInfo{Callsign: "SKBO_APP"})
	assert.True(t, wasBound)

	payload := map[string]json.RawMessage{"callsign": json.RawMessage(`"DAL123"`)}
	require.NoError(t, r.Forward("abcde", "end-tracking", payload))
	assert.Empty(t, h1.sent())
	assert.Len(t, h2.sent(), 1)

	// A late close from the replaced channel must not vacate h2.
	assert.False(t, r.Unregister("ABCDE", h1))
	assert.True(t, r.Paired("ABCDE"))

	assert.True(t, r.Unregister("ABCDE", h2))
	assert.False(t, r.Paired("ABCDE"))
	assert.Equal(t, "SKBO_APP", r.GetOrCreate("ABCDE").Controller().Callsign)
}

func TestRegistry_Forward(t *testing.T) {
	t.Run("exact frame once", func(t *testing.T) {
		r := NewRegistry()
		ch := newFakeChannel("p")
		r.Register("AB12C", ch, model.ControllerInfo{})

		err := r.Forward("AB12C", "set-squawk", map[string]json.RawMessage{
			"callsign": json.RawMessage(`"DAL123"`),
			"squawk":   json.RawMessage(`"2000"`),
		})
		require.NoError(t, err)

		frames := ch.sent()
		require.Len(t, frames, 1)
		assert.JSONEq(t, `{"type":"set-squawk","callsign":"DAL123","squawk":"2000"}`, string(frames[0]))
		assert.Equal(t, `{"type":"set-squawk","callsign":"DAL123","squawk":"2000"}`, string(frames[0]))
	})

	t.Run("unknown code has no side effects", func(t *testing.T) {
		r := NewRegistry()
		err := r.Forward("ZZZZZ", "set-squawk", nil)
		assert.ErrorIs(t, err, model.ErrNoSession)
		assert.Equal(t, 0, r.Count())
	})

	t.Run("no plugin", func(t *testing.T) {
		r := NewRegistry()
		r.GetOrCreate("AAAAA")
		assert.ErrorIs(t, r.Forward("AAAAA", "set-sid", nil), model.ErrNoPlugin)
	})

	t.Run("channel not open", func(t *testing.T) {
		r := NewRegistry()
		ch := newFakeChannel("p")
		r.Register("AAAAA", ch, model.ControllerInfo{})
		ch.setOpen(false)
		assert.ErrorIs(t, r.Forward("AAAAA", "set-sid", nil), model.ErrChannelNotOpen)
		assert.Empty(t, ch.sent())
	})
}

func TestRegistry_ApplyAndCache(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("CODE1")

	require.NoError(t, r.ApplyAndCache("CODE1", envelope(t, `{"type":"aircraft","callsign":"DAL123","departure":"SKBO"}`)))
	require.NoError(t, r.ApplyAndCache("CODE1", envelope(t, `{"type":"fpupdate","data":{"callsign":"AVA9","arrival":"SKRG"}}`)))
	require.NoError(t, r.ApplyAndCache("CODE1", envelope(t, `{"type":"aircraft","callsign":"DAL123","departure":"SKCL"}`)))

	list, err := r.Aircraft("CODE1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.JSONEq(t, `{"type":"aircraft","callsign":"DAL123","departure":"SKCL"}`, string(list[0]))
	assert.JSONEq(t, `{"callsign":"AVA9","arrival":"SKRG"}`, string(list[1]))

	require.NoError(t, r.ApplyAndCache("CODE1", envelope(t, `{"type":"release","callsign":"DAL123"}`)))
	list, err = r.Aircraft("CODE1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, r.ApplyAndCache("CODE1", envelope(t, `{"type":"atclist","atcList":[{"callsign":"SKED_CTR"}]}`)))
	atc, err := r.ATCList("CODE1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"callsign":"SKED_CTR"}]`, string(atc))

	require.NoError(t, r.ApplyAndCache("CODE1", envelope(t, `{"type":"atclist"}`)))
	atc, _ = r.ATCList("CODE1")
	assert.JSONEq(t, `[]`, string(atc))

	assert.ErrorIs(t, r.ApplyAndCache("NOPE1", envelope(t, `{"type":"release","callsign":"X"}`)), model.ErrNoSession)
	assert.ErrorIs(t, r.ApplyAndCache("CODE1", envelope(t, `{"type":"aircraft","data":[1,2]}`)), model.ErrProtocol)
}

func TestRegistry_SubscribeStatusAndSyncCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))

	t.Run("no plugin yields disconnected status and no sync", func(t *testing.T) {
		sub := &fakeSubscriber{id: "s1"}
		status, synced := r.Subscribe("EMPTY", sub, 5*time.Second)
		assert.Equal(t, model.StatusPluginDisconnected, status.Status)
		assert.False(t, synced)

		events := sub.received()
		require.Len(t, events, 1)
		assert.Equal(t, model.TypeGatewayStatus, events[0].Name)
		assert.JSONEq(t, `{"status":"plugin_disconnected","code":"EMPTY"}`, string(events[0].Data))
	})

	t.Run("two subscribes within cooldown sync once", func(t *testing.T) {
		ch := newFakeChannel("plugin")
		r.Register("LINK1", ch, model.ControllerInfo{Callsign: "SKBO_TWR", Facility: 4})

		_, first := r.Subscribe("LINK1", &fakeSubscriber{id: "a"}, 5*time.Second)
		now = now.Add(3 * time.Second)
		_, second := r.Subscribe("LINK1", &fakeSubscriber{id: "b"}, 5*time.Second)
		assert.True(t, first)
		assert.False(t, second)
		require.Len(t, ch.sent(), 1)
		assert.JSONEq(t, `{"type":"sync"}`, string(ch.sent()[0]))

		now = now.Add(3 * time.Second)
		_, third := r.Subscribe("LINK1", &fakeSubscriber{id: "c"}, 5*time.Second)
		assert.True(t, third)
		assert.Len(t, ch.sent(), 2)
	})
}

func TestRegistry_BroadcastOrderAndPrune(t *testing.T) {
	r := NewRegistry()
	good := &fakeSubscriber{id: "good"}
	bad := &fakeSubscriber{id: "bad"}
	r.Subscribe("ORDER", good, time.Second)
	r.Subscribe("ORDER", bad, time.Second)
	bad.mu.Lock()
	bad.refuse = true
	bad.mu.Unlock()

	for _, frame := range []string{
		`{"type":"aircraft","callsign":"DAL123"}`,
		`{"type":"release","callsign":"DAL123"}`,
	} {
		env := envelope(t, frame)
		require.NoError(t, r.ApplyAndCache("ORDER", env))
		r.Broadcast("ORDER", model.Event{Name: env.Type, Data: env.Payload()})
	}

	events := good.received()
	require.Len(t, events, 3)
	assert.Equal(t, "aircraft", events[1].Name)
	assert.Equal(t, "release", events[2].Name)
	assert.True(t, bad.closed)

	s, _ := r.Get("ORDER")
	assert.Equal(t, 1, s.SubscriberCount())

	list, _ := r.Aircraft("ORDER")
	assert.Empty(t, list)
}

func TestRegistry_PointTimes(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("PTS01")
	require.NoError(t, r.ApplyAndCache("PTS01", envelope(t, `{"type":"aircraft","callsign":"AVA10",
		"arrivalPoints":[{"name":"VOKAR","eta":"1210"}],
		"departurePoints":[{"name":"bog","eta":"1150"},{"name":"ELKIN","eta":"1160"}]}`)))

	assert.Len(t, r.PointTimes("PTS01", "AVA10", nil), 3)
	got := r.PointTimes("PTS01", "AVA10", []string{"BOG", "vokar"})
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"name":"VOKAR","eta":"1210"}`, string(got[0]))
	assert.Empty(t, r.PointTimes("PTS01", "NOPE", nil))
	assert.Empty(t, r.PointTimes("XXXXX", "AVA10", nil))
}

func TestRegistry_EvictIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))

	r.GetOrCreate("IDLE1")
	r.Register("BOUND", newFakeChannel("p"), model.ControllerInfo{})
	r.Subscribe("WATCH", &fakeSubscriber{id: "w"}, time.Second)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, []string{"IDLE1"}, r.EvictIdle(time.Hour))
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_RegisterAfterEvictionUsesFreshSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))

	stale := r.GetOrCreate("ABCDE")
	now = now.Add(2 * time.Hour)
	require.Equal(t, []string{"ABCDE"}, r.EvictIdle(time.Hour))

	stale.mu.Lock()
	assert.True(t, stale.evicted)
	stale.mu.Unlock()

	s, wasBound := r.Register("ABCDE", newFakeChannel("p"), model.ControllerInfo{Callsign: "EDDF_TWR"})
	assert.False(t, wasBound)
	assert.NotSame(t, stale, s)
	assert.True(t, r.Paired("ABCDE"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_RegisterRacingEvictIdleStaysPaired(t *testing.T) {
	var tick int64
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Millisecond)
	}))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				r.EvictIdle(0)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		ch := newFakeChannel(fmt.Sprintf("p%d", i))
		r.Register("RACE1", ch, model.ControllerInfo{})
		if !r.Paired("RACE1") {
			close(done)
			wg.Wait()
			t.Fatalf("iteration %d: session evicted while plugin bound", i)
		}
		r.Unregister("RACE1", ch)
	}
	close(done)
	wg.Wait()
}

func TestRegistry_RestoreAndTakeDirty(t *testing.T) {
	stored := &model.SessionSnapshot{
		Code:       "SAVED",
		Controller: &model.ControllerInfo{Callsign: "SKBO_GND", Facility: 3},
		Aircraft:   []json.RawMessage{json.RawMessage(`{"callsign":"AVA1"}`)},
		ATCList:    json.RawMessage(`[{"callsign":"SKBO_TWR"}]`),
	}
	r := NewRegistry(WithLoader(func(code string) (*model.SessionSnapshot, error) {
		if code == "SAVED" {
			return stored, nil
		}
		return nil, nil
	}))

	list, err := r.Aircraft("SAVED")
	assert.ErrorIs(t, err, model.ErrNoSession)
	assert.Nil(t, list)

	s := r.GetOrCreate("saved")
	assert.Equal(t, "SKBO_GND", s.Controller().Callsign)
	list, _ = r.Aircraft("SAVED")
	assert.Len(t, list, 1)
	assert.Empty(t, r.TakeDirty())

	require.NoError(t, r.ApplyAndCache("SAVED", envelope(t, `{"type":"release","callsign":"AVA1"}`)))
	dirty := r.TakeDirty()
	require.Len(t, dirty, 1)
	assert.Empty(t, dirty[0].Aircraft)
	assert.Empty(t, r.TakeDirty())

	r.MarkDirty("SAVED")
	assert.Len(t, r.TakeDirty(), 1)
}

// Whatever order registrations and stale closes arrive in, the binding
// always belongs to the most recent registration that has not itself closed.
func TestRegistry_UnregisterIdentityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stale close never vacates a newer binding", prop.ForAll(
		func(registrations int, closeIdx []int) bool {
			r := NewRegistry()
			channels := make([]*fakeChannel, registrations)
			for i := range channels {
				channels[i] = newFakeChannel(fmt.Sprintf("ch-%d", i))
				r.Register("PROP1", channels[i], model.ControllerInfo{})
			}
			latest := channels[registrations-1]
			for _, idx := range closeIdx {
				ch := channels[idx%registrations]
				vacated := r.Unregister("PROP1", ch)
				if ch != latest && vacated {
					return false
				}
			}
			latestClosed := false
			for _, idx := range closeIdx {
				if channels[idx%registrations] == latest {
					latestClosed = true
				}
			}
			return r.Paired("PROP1") == !latestClosed
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
