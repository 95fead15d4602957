// ABOUTME: JSON frame protocol for the websocket push transport
// ABOUTME: Request/response/event envelopes plus typed method and event payloads

package protocol

import (
	"encoding/json"
	"time"
)

// Frame kinds
const (
	KindRequest  = "req"
	KindResponse = "res"
	KindEvent    = "event"
)

// Methods a client may call
const (
	MethodAuth = "auth"
	MethodPing = "ping"
)

// Events the server pushes
const (
	EventNewMessage         = "new_message"
	EventConnectionRequest  = "connection_request"
	EventConnectionApproved = "connection_approved"
	EventPing               = "ping"
)

// Error codes carried in response frames
const (
	ErrCodeAuthRequired = "auth_required"
	ErrCodeAuthFailed   = "auth_failed"
	ErrCodeBadFrame     = "bad_frame"
	ErrCodeUnknown      = "unknown_method"
)

// ErrorShape is the error payload inside a failed response frame.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the wire envelope. Exactly one kind is ever set; the unused
// fields are omitted from the JSON.
type Frame struct {
	Kind string `json:"kind"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields (ID correlates with the request)
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	// Event fields (Payload is shared with responses)
	Event string `json:"event,omitempty"`
}

// NewRequest builds a request frame, marshaling params.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a success response correlated with the request id.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: KindResponse, ID: id, OK: true, Payload: raw}, nil
}

// NewErrorResponse builds a failed response correlated with the request id.
func NewErrorResponse(id, code, message string) Frame {
	return Frame{
		Kind:  KindResponse,
		ID:    id,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewEvent builds an event frame.
func NewEvent(event string, payload any) (Frame, error) {
	raw, err := marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: KindEvent, Event: event, Payload: raw}, nil
}

func marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// AuthParams is the params payload for the auth method, the first frame a
// client must send after connecting.
type AuthParams struct {
	APIKey string `json:"api_key"`
}

// AuthResult is the payload of a successful auth response.
type AuthResult struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// NewMessageEvent notifies a recipient of a message appended to one of its
// sessions. It carries enough for the daemon to act without a fetch.
type NewMessageEvent struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Subject   string    `json:"subject"`
	FromAgent string    `json:"from_agent"`
	Content   string    `json:"content"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConnectionRequestEvent notifies a target of an incoming connection request.
type ConnectionRequestEvent struct {
	ConnectionID  string    `json:"connection_id"`
	RequesterName string    `json:"requester_name"`
	Note          string    `json:"note,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ConnectionApprovedEvent notifies a requester that its request was approved.
type ConnectionApprovedEvent struct {
	ConnectionID string `json:"connection_id"`
	ApproverName string `json:"approver_name"`
}
