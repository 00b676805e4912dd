package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMessageLooseFields(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  RegisterMessage
	}{
		{
			name:  "typed as documented",
			frame: `{"type":"register","code":"abc12","callsign":"SKBO_TWR","name":"Jane","facility":4,"rating":5,"positionId":"BOT","frequency":"118.100"}`,
			want: RegisterMessage{Type: "register", Code: "abc12", ControllerInfo: ControllerInfo{
				Callsign: "SKBO_TWR", Name: "Jane", Facility: 4, Rating: 5, PositionID: "BOT", Frequency: "118.100",
			}},
		},
		{
			name:  "numbers as strings",
			frame: `{"type":"register","code":"abc12","callsign":"SKBO_TWR","facility":"4","rating":"5","frequency":"118.1"}`,
			want: RegisterMessage{Type: "register", Code: "abc12", ControllerInfo: ControllerInfo{
				Callsign: "SKBO_TWR", Facility: 4, Rating: 5, Frequency: "118.1",
			}},
		},
		{
			name:  "strings as numbers",
			frame: `{"type":"register","code":"abc12","callsign":"SKBO_TWR","frequency":118.1,"positionId":12}`,
			want: RegisterMessage{Type: "register", Code: "abc12", ControllerInfo: ControllerInfo{
				Callsign: "SKBO_TWR", PositionID: "12", Frequency: "118.1",
			}},
		},
		{
			name:  "unusable members read as zero",
			frame: `{"type":"register","code":"abc12","rating":"S3","facility":true,"name":null,"frequency":{"mhz":118}}`,
			want:  RegisterMessage{Type: "register", Code: "abc12"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got RegisterMessage
			require.NoError(t, json.Unmarshal([]byte(tt.frame), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegisterMessageRejectsNonObject(t *testing.T) {
	var msg RegisterMessage
	assert.Error(t, json.Unmarshal([]byte(`["register"]`), &msg))
}

func TestFacilityUnmarshal(t *testing.T) {
	for in, want := range map[string]Facility{`4`: 4, `"5"`: 5, `" 6 "`: 6, `null`: 0, `"TWR"`: 0, `3.0`: 3} {
		var f Facility
		require.NoError(t, json.Unmarshal([]byte(in), &f), in)
		assert.Equal(t, want, f, in)
	}
}
