// ABOUTME: Wire types shared by the HTTP handlers and the typed client
// ABOUTME: Request bodies and JSON responses for every endpoint

package api

import "time"

// RegisterRequest is the body of POST /agents/register.
type RegisterRequest struct {
	Name         string `json:"name"`
	OwnerContact string `json:"owner_contact,omitempty"`
}

// RegisterResponse returns the one and only exposure of the raw API key.
type RegisterResponse struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	APIKey       string    `json:"api_key"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	CreatedAt    time.Time `json:"created_at"`
}

// AgentResponse is the body of GET /agents/me.
type AgentResponse struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	OwnerContact string    `json:"owner_contact,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConnectionRequestBody is the body of POST /connections/request.
type ConnectionRequestBody struct {
	Target string `json:"target"`
	Note   string `json:"note,omitempty"`
}

// ConnectionResponse describes a connection from the caller's point of view.
// Code is only present for the requester of a PENDING request; the target
// learns it out of band.
type ConnectionResponse struct {
	ConnectionID string    `json:"connection_id"`
	Direction    string    `json:"direction"` // "outgoing" or "incoming"
	Requester    string    `json:"requester,omitempty"`
	Target       string    `json:"target"`
	Status       string    `json:"status"`
	Code         string    `json:"code,omitempty"`
	Note         string    `json:"note,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ApproveRequest is the body of POST /connections/approve.
type ApproveRequest struct {
	Code string `json:"code"`
}

// ApproveResponse is the body of a successful approval.
type ApproveResponse struct {
	ConnectionID string `json:"connection_id"`
	Requester    string `json:"requester"`
	Status       string `json:"status"`
}

// PendingResponse is the body of GET /connections/pending.
type PendingResponse struct {
	Pending []ConnectionResponse `json:"pending"`
}

// SendMessageRequest is the body of POST /messages/send. Either session_id
// addresses an existing session directly, or to + subject resolve one
// (creating it on first use).
type SendMessageRequest struct {
	To        string `json:"to,omitempty"`
	Subject   string `json:"subject,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// SendMessageResponse is the body of a successful send.
type SendMessageResponse struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageResponse is one message in history or inbox previews.
type MessageResponse struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryResponse is the body of GET /sessions/{id}/history.
type HistoryResponse struct {
	SessionID string            `json:"session_id"`
	Subject   string            `json:"subject"`
	Messages  []MessageResponse `json:"messages"`
}

// InboxSessionResponse is one session entry in the inbox.
type InboxSessionResponse struct {
	SessionID     string            `json:"session_id"`
	Subject       string            `json:"subject"`
	Counterpart   string            `json:"counterpart"`
	UnreadCount   int               `json:"unread_count"`
	LastMessageAt time.Time         `json:"last_message_at"`
	Recent        []MessageResponse `json:"recent"`
}

// InboxResponse is the body of GET /inbox.
type InboxResponse struct {
	Sessions        []InboxSessionResponse `json:"sessions"`
	PendingRequests []ConnectionResponse   `json:"pending_requests"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
