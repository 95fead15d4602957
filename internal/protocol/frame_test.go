// ABOUTME: Tests for the websocket frame protocol
// ABOUTME: Covers envelope construction and payload round trips

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFrame(t *testing.T) {
	frame, err := NewRequest("1", MethodAuth, AuthParams{APIKey: "amb_abc"})
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindRequest, decoded.Kind)
	assert.Equal(t, "1", decoded.ID)
	assert.Equal(t, MethodAuth, decoded.Method)

	var params AuthParams
	require.NoError(t, json.Unmarshal(decoded.Params, &params))
	assert.Equal(t, "amb_abc", params.APIKey)
}

func TestResponseFrames(t *testing.T) {
	ok, err := NewResponse("7", AuthResult{AgentID: "a1", AgentName: "alpha"})
	require.NoError(t, err)
	assert.True(t, ok.OK)
	assert.Equal(t, "7", ok.ID)
	assert.Nil(t, ok.Error)

	fail := NewErrorResponse("7", ErrCodeAuthFailed, "bad key")
	assert.False(t, fail.OK)
	require.NotNil(t, fail.Error)
	assert.Equal(t, ErrCodeAuthFailed, fail.Error.Code)
}

func TestEventFrame(t *testing.T) {
	frame, err := NewEvent(EventNewMessage, NewMessageEvent{
		MessageID: "m1",
		SessionID: "s1",
		Subject:   "deploy",
		FromAgent: "alpha",
		Content:   "ready when you are",
	})
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindEvent, decoded.Kind)
	assert.Equal(t, EventNewMessage, decoded.Event)

	var payload NewMessageEvent
	require.NoError(t, json.Unmarshal(decoded.Payload, &payload))
	assert.Equal(t, "m1", payload.MessageID)
	assert.Equal(t, "alpha", payload.FromAgent)
}

func TestNilPayloadOmitted(t *testing.T) {
	frame, err := NewEvent(EventPing, nil)
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "payload")
	assert.NotContains(t, string(data), "params")
}
