package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Message types exchanged with the simulator plugin.
const (
	TypeRegister = "register"
	TypePing     = "ping"
	TypeAircraft = "aircraft"
	TypeFPUpdate = "fpupdate"
	TypeRelease  = "release"
	TypeATCList  = "atclist"
	TypeSync     = "sync"

	// TypeGatewayStatus is synthesized by the gateway for subscribers only.
	TypeGatewayStatus = "gateway_status"
)

// Gateway status values carried by gateway_status events.
const (
	StatusPluginConnected    = "plugin_connected"
	StatusPluginDisconnected = "plugin_disconnected"
)

// Actions lists the command names the strip board sends to the plugin.
var Actions = []string{
	"set-final-alt", "set-cleared-alt", "set-assigned-heading", "set-direct-point",
	"set-assigned-mach", "set-squawk", "set-departureTime", "set-assigned-speed",
	"set-sid", "set-star", "ATC-transfer", "accept-handoff", "refuse-handoff",
	"end-tracking", "assume-aircraft", "get-nearby-aircraft",
}

// IsKnownAction reports whether action is one of Actions.
func IsKnownAction(action string) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}

// NormalizeCode returns the canonical (upper case, trimmed) form of a link code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Facility is the numeric controller role. The plugin sends it either as a
// JSON number or as a numeric string.
type Facility int

// UnmarshalJSON accepts numbers, numeric strings and null.
func (f *Facility) UnmarshalJSON(data []byte) error {
	*f = Facility(looseInt(data))
	return nil
}

// looseInt reads a JSON number or numeric string. Anything else is zero.
func looseInt(data []byte) int {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0
		}
		data = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0
	}
	return int(n)
}

// looseString reads a JSON string, or a number as written. Anything else is
// empty.
func looseString(data []byte) string {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ""
	}
	var s string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return ""
		}
		return s
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return ""
	}
	return n.String()
}

// ControllerInfo describes the controller logged in behind a plugin.
type ControllerInfo struct {
	Callsign   string   `json:"callsign"`
	Name       string   `json:"name"`
	Facility   Facility `json:"facility"`
	Rating     int      `json:"rating"`
	PositionID string   `json:"positionId"`
	Frequency  string   `json:"frequency"`
}

// Envelope is the common shape of every plugin frame. Raw keeps the frame
// as received so it can be relayed without loss.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// ParseEnvelope decodes a plugin frame. Frames without a type are protocol errors.
func ParseEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, ErrProtocol
	}
	env.Raw = append(json.RawMessage(nil), frame...)
	return &env, nil
}

// Payload returns the data member when the plugin wrapped its payload,
// otherwise the whole frame.
func (e *Envelope) Payload() json.RawMessage {
	if len(e.Data) > 0 && !bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		return e.Data
	}
	return e.Raw
}

// RegisterMessage is the first frame a plugin sends on a fresh channel.
type RegisterMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
	ControllerInfo
}

// UnmarshalJSON decodes each member on its own. A member of the wrong JSON
// type reads as its zero value instead of failing the frame.
func (m *RegisterMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*m = RegisterMessage{
		Type: looseString(fields["type"]),
		Code: looseString(fields["code"]),
		ControllerInfo: ControllerInfo{
			Callsign:   looseString(fields["callsign"]),
			Name:       looseString(fields["name"]),
			Facility:   Facility(looseInt(fields["facility"])),
			Rating:     looseInt(fields["rating"]),
			PositionID: looseString(fields["positionId"]),
			Frequency:  looseString(fields["frequency"]),
		},
	}
	return nil
}

// FlightKey is the part of a flight snapshot the gateway understands.
type FlightKey struct {
	Callsign  string `json:"callsign"`
	Departure string `json:"departure"`
	Arrival   string `json:"arrival"`
}

// GatewayStatus is the payload of gateway_status events.
type GatewayStatus struct {
	Status     string          `json:"status"`
	Code       string          `json:"code,omitempty"`
	Controller *ControllerInfo `json:"controller,omitempty"`
}

// Event is one server-sent event destined for subscribers.
type Event struct {
	Name string
	Data json.RawMessage
}

// NewEvent marshals v into an Event. Marshal errors produce an empty object.
func NewEvent(name string, v interface{}) Event {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("{}")
	}
	return Event{Name: name, Data: data}
}

// SessionSnapshot is the persisted form of a session's cache.
type SessionSnapshot struct {
	Code       string            `json:"code"`
	Controller *ControllerInfo   `json:"controller,omitempty"`
	Aircraft   []json.RawMessage `json:"aircraft"`
	ATCList    json.RawMessage   `json:"atcList"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}
