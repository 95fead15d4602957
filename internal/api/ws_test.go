// ABOUTME: Websocket endpoint tests using in-process dials
// ABOUTME: Covers first-frame auth, push delivery, ping, and supersession

package api_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmailbox/mailbox/internal/protocol"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func dialWS(t *testing.T, s *testServer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(s.ts.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// authWS registers an agent, dials the socket, and completes the auth
// handshake. Returns the live connection and the agent's API key.
func authWS(t *testing.T, s *testServer, name string) (*websocket.Conn, string) {
	t.Helper()
	ctx := context.Background()

	anon := newAnonClient(s)
	reg, err := anon.Register(ctx, name, "")
	require.NoError(t, err)

	conn := dialWS(t, s)
	authFrame, err := protocol.NewRequest("1", protocol.MethodAuth, protocol.AuthParams{APIKey: reg.APIKey})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(authFrame))

	var res protocol.Frame
	require.NoError(t, conn.ReadJSON(&res))
	require.True(t, res.OK, "auth should succeed")

	var result protocol.AuthResult
	require.NoError(t, json.Unmarshal(res.Payload, &result))
	assert.Equal(t, name, result.AgentName)

	return conn, reg.APIKey
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebsocketAuthSuccess(t *testing.T) {
	s := newTestServer(t)
	conn, _ := authWS(t, s, "alpha")

	// Ping round trip keeps the connection alive
	ping, err := protocol.NewRequest("2", protocol.MethodPing, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ping))

	res := readFrame(t, conn)
	assert.Equal(t, protocol.KindResponse, res.Kind)
	assert.Equal(t, "2", res.ID)
	assert.True(t, res.OK)
}

func TestWebsocketAuthBadKey(t *testing.T) {
	s := newTestServer(t)
	conn := dialWS(t, s)

	authFrame, err := protocol.NewRequest("1", protocol.MethodAuth, protocol.AuthParams{APIKey: "amb_bogus"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(authFrame))

	// An error response, then the server closes with 4001
	var res protocol.Frame
	require.NoError(t, conn.ReadJSON(&res))
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.ErrCodeAuthFailed, res.Error.Code)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4001), "expected close 4001, got %v", err)
}

func TestWebsocketFirstFrameMustBeAuth(t *testing.T) {
	s := newTestServer(t)
	conn := dialWS(t, s)

	ping, err := protocol.NewRequest("1", protocol.MethodPing, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ping))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, 4000), "expected close 4000, got %v", err)
}

func TestWebsocketReceivesPush(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	betaConn, betaKey := authWS(t, s, "beta")

	anon := newAnonClient(s)
	regAlpha, err := anon.Register(ctx, "alpha", "")
	require.NoError(t, err)
	alpha := newKeyedClient(s, regAlpha.APIKey)
	beta := newKeyedClient(s, betaKey)

	connectAgents(t, alpha, beta, "beta")

	// Drain the connection_request event pushed during the handshake
	frame := readFrame(t, betaConn)
	assert.Equal(t, protocol.EventConnectionRequest, frame.Event)

	_, err = alpha.SendMessage(ctx, "beta", "release", "v2 is tagged", "")
	require.NoError(t, err)

	frame = readFrame(t, betaConn)
	assert.Equal(t, protocol.KindEvent, frame.Kind)
	assert.Equal(t, protocol.EventNewMessage, frame.Event)

	var payload protocol.NewMessageEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "alpha", payload.FromAgent)
	assert.Equal(t, "v2 is tagged", payload.Content)
	assert.Equal(t, "release", payload.Subject)
}

func TestWebsocketNewerConnectionSupersedes(t *testing.T) {
	s := newTestServer(t)

	oldConn, key := authWS(t, s, "alpha")

	// Second dial with the same identity
	newConn := dialWS(t, s)
	authFrame, err := protocol.NewRequest("1", protocol.MethodAuth, protocol.AuthParams{APIKey: key})
	require.NoError(t, err)
	require.NoError(t, newConn.WriteJSON(authFrame))
	res := readFrame(t, newConn)
	require.True(t, res.OK)

	// The older socket gets closed by the hub
	oldConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = oldConn.ReadMessage()
	assert.Error(t, err)
}
