package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadKeepsPlainValuesAsStrings(t *testing.T) {
	body, err := payload(map[string]string{"callsign": "DAL123", "squawk": "0400", "flag": "true"}, nil)
	require.NoError(t, err)

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"callsign":"DAL123","squawk":"0400","flag":"true"}`, string(raw))
}

func TestPayloadJSONValues(t *testing.T) {
	body, err := payload(
		map[string]string{"callsign": "DAL123", "altitude": "ignored"},
		map[string]string{"altitude": "36000", "direct": `{"point":"VOKAR"}`},
	)
	require.NoError(t, err)

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"callsign":"DAL123","altitude":36000,"direct":{"point":"VOKAR"}}`, string(raw))
}

func TestPayloadRejectsInvalidJSON(t *testing.T) {
	_, err := payload(nil, map[string]string{"altitude": "FL360"})
	assert.Error(t, err)
}
