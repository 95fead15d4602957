// ABOUTME: Websocket push endpoint with first-frame authentication
// ABOUTME: Registers transports with the hub and services ping requests

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmailbox/mailbox/internal/directory"
	"github.com/agentmailbox/mailbox/internal/protocol"
	"github.com/agentmailbox/mailbox/internal/store"
)

const authDeadline = 5 * time.Second

// Application close codes sent before dropping an unauthenticated socket
const (
	closeAuthTimeout = 4000
	closeAuthFailed  = 4001
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API key is the credential; origin checks add nothing for
	// non-browser clients
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a websocket connection to the hub's Transport interface.
// gorilla allows one concurrent writer, so writes are serialized.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(frame protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(frame)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	agent, ok := s.authenticateSocket(r.Context(), conn)
	if !ok {
		conn.Close()
		return
	}

	transport := &wsTransport{conn: conn}
	connID := s.hub.Register(agent.ID, transport)
	s.logger.Info("websocket connected", "agent", agent.Name, "conn_id", connID)

	s.readLoop(conn, transport, agent, connID)

	s.hub.Deregister(agent.ID, connID)
	conn.Close()
	s.logger.Info("websocket disconnected", "agent", agent.Name, "conn_id", connID)
}

// authenticateSocket requires an auth request as the first frame, within the
// deadline. Anything else closes the socket with an application close code.
func (s *Server) authenticateSocket(ctx context.Context, conn *websocket.Conn) (*store.Agent, bool) {
	conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer conn.SetReadDeadline(time.Time{})

	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		s.closeWith(conn, closeAuthTimeout, "auth frame not received")
		return nil, false
	}

	if frame.Kind != protocol.KindRequest || frame.Method != protocol.MethodAuth {
		s.closeWith(conn, closeAuthTimeout, "first frame must be auth")
		return nil, false
	}

	var params protocol.AuthParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.closeWith(conn, closeAuthTimeout, "malformed auth params")
		return nil, false
	}

	agent, err := s.directory.Authenticate(ctx, params.APIKey)
	if err != nil {
		res := protocol.NewErrorResponse(frame.ID, protocol.ErrCodeAuthFailed, directory.ErrInvalidCredential.Error())
		conn.WriteJSON(res)
		s.closeWith(conn, closeAuthFailed, "authentication failed")
		return nil, false
	}

	res, err := protocol.NewResponse(frame.ID, protocol.AuthResult{
		AgentID:   agent.ID,
		AgentName: agent.Name,
	})
	if err != nil || conn.WriteJSON(res) != nil {
		return nil, false
	}
	return agent, true
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// readLoop services inbound frames until the socket drops. Any inbound
// traffic counts as liveness.
func (s *Server) readLoop(conn *websocket.Conn, transport *wsTransport, agent *store.Agent, connID string) {
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.hub.Touch(agent.ID, connID)

		if frame.Kind != protocol.KindRequest {
			continue
		}

		switch frame.Method {
		case protocol.MethodPing:
			res, err := protocol.NewResponse(frame.ID, nil)
			if err == nil {
				transport.Send(res)
			}
		default:
			transport.Send(protocol.NewErrorResponse(frame.ID, protocol.ErrCodeUnknown, "unknown method"))
		}
	}
}
