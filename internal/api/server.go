// ABOUTME: HTTP server wiring the directory, broker, and session services
// ABOUTME: JSON endpoints with X-API-Key auth and a websocket upgrade route

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/agentmailbox/mailbox/internal/broker"
	"github.com/agentmailbox/mailbox/internal/directory"
	"github.com/agentmailbox/mailbox/internal/hub"
	"github.com/agentmailbox/mailbox/internal/session"
	"github.com/agentmailbox/mailbox/internal/store"
)

// Server exposes the mailbox API over HTTP.
type Server struct {
	store     store.Store
	directory *directory.Service
	broker    *broker.Service
	sessions  *session.Service
	hub       *hub.Hub
	logger    *slog.Logger
}

// NewServer creates the API server. hub may be nil when push is disabled;
// the /ws route then responds 404.
func NewServer(st store.Store, dir *directory.Service, brk *broker.Service, sess *session.Service, h *hub.Hub) *Server {
	return &Server{
		store:     st,
		directory: dir,
		broker:    brk,
		sessions:  sess,
		hub:       h,
		logger:    slog.Default().With("component", "api"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /agents/register", s.handleRegister)

	mux.Handle("GET /agents/me", s.authed(s.handleMe))
	mux.Handle("POST /connections/request", s.authed(s.handleConnectionRequest))
	mux.Handle("POST /connections/approve", s.authed(s.handleConnectionApprove))
	mux.Handle("GET /connections/pending", s.authed(s.handleConnectionsPending))
	mux.Handle("POST /messages/send", s.authed(s.handleSendMessage))
	mux.Handle("GET /inbox", s.authed(s.handleInbox))
	mux.Handle("GET /sessions/{id}/history", s.authed(s.handleHistory))

	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.handleWebsocket)
	}

	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// writeError maps service errors onto the HTTP status taxonomy:
// 422 validation, 404 unknown entity, 409 state conflict, 429 pending limit,
// 403 wrong agent, 401 bad credential.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, directory.ErrInvalidName),
		errors.Is(err, session.ErrSubjectRequired),
		errors.Is(err, broker.ErrSelfConnection),
		errors.Is(err, errBadRequest):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, broker.ErrTargetNotFound),
		errors.Is(err, broker.ErrCodeNotFound),
		errors.Is(err, session.ErrTargetNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrCursorNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, directory.ErrNameTaken),
		errors.Is(err, broker.ErrAlreadyConnected),
		errors.Is(err, broker.ErrRequestPending):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrTooManyPending):
		status = http.StatusTooManyRequests
	case errors.Is(err, broker.ErrNotTarget),
		errors.Is(err, session.ErrNotParticipant),
		errors.Is(err, session.ErrNoActiveConnection):
		status = http.StatusForbidden
	case errors.Is(err, directory.ErrInvalidCredential):
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		s.writeJSON(w, status, ErrorResponse{Error: "internal error"})
		return
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

var errBadRequest = errors.New("invalid request body")

func (s *Server) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	agent, rawKey, err := s.directory.Register(r.Context(), req.Name, req.OwnerContact)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, RegisterResponse{
		AgentID:      agent.ID,
		Name:         agent.Name,
		APIKey:       rawKey,
		APIKeyPrefix: agent.APIKeyPrefix,
		CreatedAt:    agent.CreatedAt,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	s.writeJSON(w, http.StatusOK, AgentResponse{
		AgentID:      agent.ID,
		Name:         agent.Name,
		APIKeyPrefix: agent.APIKeyPrefix,
		OwnerContact: agent.OwnerContact,
		CreatedAt:    agent.CreatedAt,
	})
}

func (s *Server) handleConnectionRequest(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	var req ConnectionRequestBody
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.broker.Request(r.Context(), agent, req.Target, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, ConnectionResponse{
		ConnectionID: conn.ID,
		Direction:    "outgoing",
		Requester:    agent.Name,
		Target:       conn.TargetName,
		Status:       string(conn.Status),
		Code:         conn.Code,
		Note:         conn.Note,
		ExpiresAt:    conn.ExpiresAt,
	})
}

func (s *Server) handleConnectionApprove(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	var req ApproveRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.broker.Approve(r.Context(), agent, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}

	requester, err := s.store.GetAgent(r.Context(), conn.RequesterID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ApproveResponse{
		ConnectionID: conn.ID,
		Requester:    requester.Name,
		Status:       string(conn.Status),
	})
}

// connectionView renders a connection from the given agent's perspective.
func (s *Server) connectionView(r *http.Request, agent *store.Agent, conn *store.Connection) (ConnectionResponse, error) {
	resp := ConnectionResponse{
		ConnectionID: conn.ID,
		Target:       conn.TargetName,
		Status:       string(conn.Status),
		Note:         conn.Note,
		ExpiresAt:    conn.ExpiresAt,
	}

	if conn.RequesterID == agent.ID {
		resp.Direction = "outgoing"
		resp.Requester = agent.Name
		// Only the requester sees the code; it relays it out of band
		resp.Code = conn.Code
		return resp, nil
	}

	resp.Direction = "incoming"
	requester, err := s.store.GetAgent(r.Context(), conn.RequesterID)
	if err != nil {
		return ConnectionResponse{}, err
	}
	resp.Requester = requester.Name
	return resp, nil
}

func (s *Server) handleConnectionsPending(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	conns, err := s.broker.Pending(r.Context(), agent)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := PendingResponse{Pending: []ConnectionResponse{}}
	for _, conn := range conns {
		view, err := s.connectionView(r, agent, conn)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Pending = append(resp.Pending, view)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	var req SendMessageRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	// Addressing by session id skips subject resolution entirely
	var res *session.SendResult
	var err error
	if req.SessionID != "" {
		res, err = s.sessions.SendToSession(r.Context(), agent, req.SessionID, req.Content, req.ReplyTo)
	} else {
		res, err = s.sessions.Send(r.Context(), agent, req.To, req.Subject, req.Content, req.ReplyTo)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, SendMessageResponse{
		MessageID: res.Message.ID,
		SessionID: res.Session.ID,
		Subject:   res.Session.Subject,
		CreatedAt: res.Message.CreatedAt,
	})
}

func (s *Server) messageViews(r *http.Request, msgs []*store.Message, names map[string]string) ([]MessageResponse, error) {
	out := make([]MessageResponse, 0, len(msgs))
	for _, msg := range msgs {
		name, ok := names[msg.SenderID]
		if !ok {
			sender, err := s.store.GetAgent(r.Context(), msg.SenderID)
			if err != nil {
				return nil, err
			}
			name = sender.Name
			names[msg.SenderID] = name
		}
		out = append(out, MessageResponse{
			MessageID: msg.ID,
			Sender:    name,
			Content:   msg.Content,
			Read:      msg.Read,
			ReplyTo:   msg.ReplyTo,
			CreatedAt: msg.CreatedAt,
		})
	}
	return out, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	sessionID := r.PathValue("id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, errBadRequest)
			return
		}
		limit = n
	}
	before := r.URL.Query().Get("before")

	sess, msgs, err := s.sessions.History(r.Context(), agent, sessionID, limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}

	names := map[string]string{agent.ID: agent.Name}
	views, err := s.messageViews(r, msgs, names)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, HistoryResponse{
		SessionID: sess.ID,
		Subject:   sess.Subject,
		Messages:  views,
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	unreadOnly := r.URL.Query().Get("unread") == "true"

	inbox, err := s.sessions.GetInbox(r.Context(), agent, unreadOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := InboxResponse{
		Sessions:        []InboxSessionResponse{},
		PendingRequests: []ConnectionResponse{},
	}

	names := map[string]string{agent.ID: agent.Name}
	for _, entry := range inbox.Sessions {
		names[entry.Session.OtherParticipant(agent.ID)] = entry.CounterpartName
		recent, err := s.messageViews(r, entry.Recent, names)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.Sessions = append(resp.Sessions, InboxSessionResponse{
			SessionID:     entry.Session.ID,
			Subject:       entry.Session.Subject,
			Counterpart:   entry.CounterpartName,
			UnreadCount:   entry.UnreadCount,
			LastMessageAt: entry.Session.LastMessageAt,
			Recent:        recent,
		})
	}

	for _, conn := range inbox.Pending {
		view, err := s.connectionView(r, agent, conn)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp.PendingRequests = append(resp.PendingRequests, view)
	}

	s.writeJSON(w, http.StatusOK, resp)
}
