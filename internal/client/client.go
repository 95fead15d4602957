// ABOUTME: Typed HTTP client for the mailbox API
// ABOUTME: Used by the operator CLI and the delivery daemon's reply path

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentmailbox/mailbox/internal/api"
)

// APIError carries the status and message of a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a mailbox server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client. apiKey may be empty for unauthenticated calls
// (register, health).
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Register creates a new agent identity and returns the raw API key.
func (c *Client) Register(ctx context.Context, name, ownerContact string) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/agents/register",
		api.RegisterRequest{Name: name, OwnerContact: ownerContact}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me returns the authenticated agent's identity.
func (c *Client) Me(ctx context.Context) (*api.AgentResponse, error) {
	var resp api.AgentResponse
	if err := c.do(ctx, http.MethodGet, "/agents/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestConnection asks for a connection to the named agent.
func (c *Client) RequestConnection(ctx context.Context, target, note string) (*api.ConnectionResponse, error) {
	var resp api.ConnectionResponse
	err := c.do(ctx, http.MethodPost, "/connections/request",
		api.ConnectionRequestBody{Target: target, Note: note}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApproveConnection approves an incoming request by its verification code.
func (c *Client) ApproveConnection(ctx context.Context, code string) (*api.ApproveResponse, error) {
	var resp api.ApproveResponse
	err := c.do(ctx, http.MethodPost, "/connections/approve",
		api.ApproveRequest{Code: code}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// PendingConnections lists the agent's live pending requests.
func (c *Client) PendingConnections(ctx context.Context) (*api.PendingResponse, error) {
	var resp api.PendingResponse
	if err := c.do(ctx, http.MethodGet, "/connections/pending", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage sends a message to a connected agent, resolving the session
// by subject.
func (c *Client) SendMessage(ctx context.Context, to, subject, content, replyTo string) (*api.SendMessageResponse, error) {
	var resp api.SendMessageResponse
	err := c.do(ctx, http.MethodPost, "/messages/send",
		api.SendMessageRequest{To: to, Subject: subject, Content: content, ReplyTo: replyTo}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendToSession appends a message to an existing session by its id.
func (c *Client) SendToSession(ctx context.Context, sessionID, content, replyTo string) (*api.SendMessageResponse, error) {
	var resp api.SendMessageResponse
	err := c.do(ctx, http.MethodPost, "/messages/send",
		api.SendMessageRequest{SessionID: sessionID, Content: content, ReplyTo: replyTo}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Inbox returns the session overview and pending requests.
func (c *Client) Inbox(ctx context.Context, unreadOnly bool) (*api.InboxResponse, error) {
	path := "/inbox"
	if unreadOnly {
		path += "?unread=true"
	}
	var resp api.InboxResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History pages through a session's messages, newest first.
func (c *Client) History(ctx context.Context, sessionID string, limit int, before string) (*api.HistoryResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	path := "/sessions/" + url.PathEscape(sessionID) + "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
