// ABOUTME: Delivery daemon bridging server push events into local contexts
// ABOUTME: Reconnect loop with exponential backoff, dedupe, and reply relay

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmailbox/mailbox/internal/client"
	"github.com/agentmailbox/mailbox/internal/dedupe"
	"github.com/agentmailbox/mailbox/internal/protocol"
)

const (
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second

	defaultReplyTimeout = 5 * time.Minute
	defaultHeartbeat    = 25 * time.Second
)

// Options configures a Daemon.
type Options struct {
	// ServerURL is the mailbox server base URL (http or https).
	ServerURL string

	// APIKey authenticates both the websocket and the reply path.
	APIKey string

	// TrustedAgents lists counterpart names whose messages are delivered
	// without the untrusted-content warning.
	TrustedAgents []string

	// ReplyTimeout bounds how long a context may take to produce a reply.
	ReplyTimeout time.Duration

	// HeartbeatInterval is the client-side ping cadence. Must be shorter
	// than the server's silence window.
	HeartbeatInterval time.Duration
}

// Daemon keeps a live websocket to the server and fans events into the
// local runtime.
type Daemon struct {
	opts    Options
	client  *client.Client
	runtime Runtime
	seen    *dedupe.Cache
	trusted map[string]bool
	logger  *slog.Logger

	backoff time.Duration
	reqID   atomic.Int64

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New creates a daemon. The runtime is where messages get delivered.
func New(opts Options, rt Runtime) *Daemon {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}

	trusted := make(map[string]bool, len(opts.TrustedAgents))
	for _, name := range opts.TrustedAgents {
		trusted[name] = true
	}

	return &Daemon{
		opts:    opts,
		client:  client.New(opts.ServerURL, opts.APIKey),
		runtime: rt,
		seen:    dedupe.New(time.Hour, 10000),
		trusted: trusted,
		logger:  slog.Default().With("component", "daemon"),
		backoff: backoffInitial,
	}
}

// wsEndpoint derives the websocket URL from the server base URL.
func wsEndpoint(serverURL string) string {
	u := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// nextBackoff returns the current delay and doubles it up to the cap.
func (d *Daemon) nextBackoff() time.Duration {
	delay := d.backoff
	d.backoff *= 2
	if d.backoff > backoffMax {
		d.backoff = backoffMax
	}
	return delay
}

func (d *Daemon) resetBackoff() {
	d.backoff = backoffInitial
}

// Run connects and serves until the context is cancelled. Every connection
// failure waits out the backoff before redialing; a successful auth resets it.
func (d *Daemon) Run(ctx context.Context) error {
	for {
		err := d.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := d.nextBackoff()
		d.logger.Warn("connection lost, reconnecting",
			"error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (d *Daemon) connectAndServe(ctx context.Context) error {
	endpoint := wsEndpoint(d.opts.ServerURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	defer conn.Close()

	if err := d.authenticate(conn); err != nil {
		return err
	}

	d.writeMu.Lock()
	d.conn = conn
	d.writeMu.Unlock()
	d.resetBackoff()
	d.logger.Info("connected", "endpoint", endpoint)

	// Close the socket when the context ends so the read loop unblocks
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-serveCtx.Done()
		conn.Close()
	}()

	go d.heartbeat(serveCtx)

	return d.readLoop(serveCtx, conn)
}

func (d *Daemon) authenticate(conn *websocket.Conn) error {
	frame, err := protocol.NewRequest(d.nextReqID(), protocol.MethodAuth,
		protocol.AuthParams{APIKey: d.opts.APIKey})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var res protocol.Frame
	if err := conn.ReadJSON(&res); err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}
	if !res.OK {
		msg := "authentication rejected"
		if res.Error != nil {
			msg = res.Error.Message
		}
		return errors.New(msg)
	}

	var result protocol.AuthResult
	if err := json.Unmarshal(res.Payload, &result); err != nil {
		return fmt.Errorf("decoding auth result: %w", err)
	}
	d.logger.Info("authenticated", "agent", result.AgentName)
	return nil
}

func (d *Daemon) nextReqID() string {
	return strconv.FormatInt(d.reqID.Add(1), 10)
}

func (d *Daemon) writeFrame(frame protocol.Frame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.conn == nil {
		return errors.New("not connected")
	}
	d.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return d.conn.WriteJSON(frame)
}

func (d *Daemon) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := protocol.NewRequest(d.nextReqID(), protocol.MethodPing, nil)
			if err != nil {
				continue
			}
			if err := d.writeFrame(frame); err != nil {
				d.logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (d *Daemon) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		switch frame.Kind {
		case protocol.KindEvent:
			// Each event on its own goroutine so a slow context never
			// stalls the socket
			go d.handleEvent(ctx, frame)
		case protocol.KindResponse:
			// Ping acks; nothing to correlate
		}
	}
}

func (d *Daemon) handleEvent(ctx context.Context, frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventNewMessage:
		var ev protocol.NewMessageEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			d.logger.Error("malformed new_message event", "error", err)
			return
		}
		d.handleNewMessage(ctx, ev)
	case protocol.EventConnectionRequest:
		var ev protocol.ConnectionRequestEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			return
		}
		d.logger.Info("connection request received",
			"from", ev.RequesterName, "note", ev.Note, "expires_at", ev.ExpiresAt)
	case protocol.EventConnectionApproved:
		var ev protocol.ConnectionApprovedEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			return
		}
		d.logger.Info("connection approved", "by", ev.ApproverName)
	case protocol.EventPing:
		// Liveness probe; any write counts as traffic, answer in kind
		if frame, err := protocol.NewRequest(d.nextReqID(), protocol.MethodPing, nil); err == nil {
			d.writeFrame(frame)
		}
	}
}

// handleNewMessage is the core delivery path. Redelivered events are dropped
// by id; replies routed back to one of our own contexts are delivered there
// without soliciting a further reply; everything else goes to the bound
// context and its reply, if any, is relayed back through the API.
func (d *Daemon) handleNewMessage(ctx context.Context, ev protocol.NewMessageEvent) {
	if !d.seen.CheckAndMark(ev.MessageID) {
		d.logger.Debug("duplicate message dropped", "message_id", ev.MessageID)
		return
	}

	logger := d.logger.With("message_id", ev.MessageID, "from", ev.FromAgent)

	if ev.ReplyTo != "" {
		local, err := d.runtime.IsLocalContext(ctx, ev.ReplyTo)
		if err != nil {
			// Nothing reached the runtime yet, let a redelivery try again
			d.seen.Forget(ev.MessageID)
			logger.Error("return address lookup failed", "reply_to", ev.ReplyTo, "error", err)
			return
		}
		if local {
			text, err := FormatReplyDelivery(ev.FromAgent, d.trusted[ev.FromAgent], ev.Subject, ev.Content)
			if err != nil {
				d.seen.Forget(ev.MessageID)
				logger.Error("formatting reply delivery", "error", err)
				return
			}
			if err := d.runtime.Deliver(ctx, ev.ReplyTo, text); err != nil {
				d.seen.Forget(ev.MessageID)
				logger.Error("delivering reply", "context", ev.ReplyTo, "error", err)
				return
			}
			logger.Info("reply delivered to originating context", "context", ev.ReplyTo)
			return
		}
	}

	contextKey := BindingKey(ev.FromAgent, ev.SessionID)
	text, err := FormatIncoming(ev.FromAgent, d.trusted[ev.FromAgent], ev.Subject, ev.Content)
	if err != nil {
		d.seen.Forget(ev.MessageID)
		logger.Error("formatting message", "error", err)
		return
	}

	response, err := d.runtime.DeliverAndWait(ctx, contextKey, text, d.opts.ReplyTimeout)
	if err != nil {
		// At-least-once tradeoff: the message stays unread on the server,
		// but this delivery attempt ends here
		logger.Warn("context did not answer in time", "context", contextKey, "error", err)
		return
	}

	reply, ok := ExtractReply(response)
	if !ok {
		logger.Info("context declined to reply", "context", contextKey)
		return
	}

	if _, err := d.client.SendToSession(ctx, ev.SessionID, reply, ev.ReplyTo); err != nil {
		logger.Error("relaying reply failed", "error", err)
		return
	}
	logger.Info("reply relayed", "context", contextKey)
}
