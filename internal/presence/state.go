// Package presence derives the controller's presence line from session state
// and throttles its delivery to an external presence display.
package presence

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/stripcol/gateway/internal/model"
)

// Defaults shown while no controller is connected.
const (
	DefaultDetails = "Awaiting Connection"
	DefaultState   = "Ready for traffic"
)

var facilityLabels = map[model.Facility]string{
	1: "FSS",
	2: "DEL",
	3: "GND",
	4: "TWR",
	5: "APP",
	6: "CTR",
}

var icaoPrefix = regexp.MustCompile(`^([A-Z]{3,4})`)

// State is one presence line.
type State struct {
	Details        string     `json:"details"`
	State          string     `json:"state"`
	Callsign       *string    `json:"callsign"`
	StartTimestamp *time.Time `json:"startTimestamp,omitempty"`
}

// Default returns the idle presence.
func Default() State {
	return State{Details: DefaultDetails, State: DefaultState}
}

// FacilityLabel returns the short label of a facility code.
func FacilityLabel(f model.Facility) string {
	if label, ok := facilityLabels[f]; ok {
		return label
	}
	return "ATC"
}

// IsAerodrome reports whether f is an aerodrome role (FSS, DEL, GND, TWR).
func IsAerodrome(f model.Facility) bool {
	return f >= 1 && f <= 4
}

// LocalICAO extracts the airport prefix of a controller callsign.
func LocalICAO(callsign string) string {
	m := icaoPrefix.FindStringSubmatch(callsign)
	if m == nil {
		return ""
	}
	return m[1]
}

// ComputeState buckets flights into departures, arrivals and overflights from
// the controller's point of view.
func ComputeState(info model.ControllerInfo, flights []model.FlightKey, sectors SectorLookup) State {
	aerodrome := IsAerodrome(info.Facility)
	local := LocalICAO(info.Callsign)

	var airports map[string]bool
	if !aerodrome && sectors != nil {
		if list, ok := sectors.Airports(info.PositionID); ok {
			airports = make(map[string]bool, len(list))
			for _, a := range list {
				airports[strings.ToUpper(a)] = true
			}
		}
	}

	var dep, arr, ovr int
	for _, f := range flights {
		d := strings.ToUpper(f.Departure)
		a := strings.ToUpper(f.Arrival)
		switch {
		case aerodrome && d == local:
			dep++
		case aerodrome && a == local:
			arr++
		case !aerodrome && airports[d]:
			dep++
		case !aerodrome && airports[a]:
			arr++
		default:
			ovr++
		}
	}

	callsign := info.Callsign
	return State{
		Details:  fmt.Sprintf("Controlling %s (%s)", FacilityLabel(info.Facility), callsign),
		State:    fmt.Sprintf("%d Dep / %d Arr / %d Ovr", dep, arr, ovr),
		Callsign: &callsign,
	}
}

// Message kinds emitted by a hosted relay.
const (
	MessageUpdate = "update"
	MessageClear  = "clear"
)

// Message is the structured presence report a hosted relay emits.
type Message struct {
	Type  string `json:"type"`
	State *State `json:"data,omitempty"`
}
