// ABOUTME: Runtime interface for delivering text into local execution contexts
// ABOUTME: HTTP implementation talking to the host agent runtime's API

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Runtime is the host agent runtime the daemon delivers into. The runtime
// owns the execution contexts; the daemon only addresses them by key.
type Runtime interface {
	// DeliverAndWait injects text into the context and blocks for a textual
	// reply, up to the timeout.
	DeliverAndWait(ctx context.Context, contextKey, text string, timeout time.Duration) (string, error)

	// Deliver injects text without waiting for any reply.
	Deliver(ctx context.Context, contextKey, text string) error

	// IsLocalContext reports whether the key names a context on this host.
	IsLocalContext(ctx context.Context, key string) (bool, error)
}

// HTTPRuntime talks to the local runtime over its HTTP API.
type HTTPRuntime struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRuntime creates a runtime client for the given base URL.
func NewHTTPRuntime(baseURL string) *HTTPRuntime {
	return &HTTPRuntime{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

type deliverRequest struct {
	Text           string `json:"text"`
	Wait           bool   `json:"wait"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type deliverResponse struct {
	Reply string `json:"reply"`
}

type runtimeError struct {
	Error string `json:"error"`
}

func (r *HTTPRuntime) contextURL(key string) string {
	return r.baseURL + "/contexts/" + url.PathEscape(key)
}

func (r *HTTPRuntime) deliver(ctx context.Context, contextKey, text string, wait bool, timeout time.Duration) (string, error) {
	body, err := json.Marshal(deliverRequest{
		Text:           text,
		Wait:           wait,
		TimeoutSeconds: int(timeout.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling deliver request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.contextURL(contextKey)+"/deliver", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating deliver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("delivering to runtime: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		var re runtimeError
		if json.Unmarshal(data, &re) == nil && re.Error != "" {
			return "", fmt.Errorf("runtime returned %d: %s", resp.StatusCode, re.Error)
		}
		return "", fmt.Errorf("runtime returned %d", resp.StatusCode)
	}

	var dr deliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return "", fmt.Errorf("decoding deliver response: %w", err)
	}
	return dr.Reply, nil
}

// DeliverAndWait implements Runtime.
func (r *HTTPRuntime) DeliverAndWait(ctx context.Context, contextKey, text string, timeout time.Duration) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	return r.deliver(waitCtx, contextKey, text, true, timeout)
}

// Deliver implements Runtime.
func (r *HTTPRuntime) Deliver(ctx context.Context, contextKey, text string) error {
	_, err := r.deliver(ctx, contextKey, text, false, 0)
	return err
}

// IsLocalContext implements Runtime.
func (r *HTTPRuntime) IsLocalContext(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.contextURL(key), nil)
	if err != nil {
		return false, fmt.Errorf("creating context lookup: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("looking up context: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("runtime returned %d", resp.StatusCode)
	}
}
