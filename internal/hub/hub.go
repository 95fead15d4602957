// ABOUTME: Push hub tracking one live transport per agent
// ABOUTME: Newer transports supersede older ones; silent transports get reaped

package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmailbox/mailbox/internal/protocol"
)

// Transport is a live push channel to one agent. Implementations must be
// safe for concurrent Send calls.
type Transport interface {
	Send(frame protocol.Frame) error
	Close() error
}

type connection struct {
	id        string
	transport Transport
	lastSeen  time.Time
	probedAt  time.Time
}

// Hub routes push frames to connected agents. At most one transport per
// agent is live at a time.
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]*connection
	pingInterval time.Duration
	pingTimeout  time.Duration
	logger       *slog.Logger
}

// New creates a hub. pingInterval is how long a transport may sit idle before
// it is probed; pingTimeout is how long before it is presumed dead and reaped.
func New(pingInterval, pingTimeout time.Duration) *Hub {
	return &Hub{
		conns:        make(map[string]*connection),
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		logger:       slog.Default().With("component", "hub"),
	}
}

// Register installs a transport for the agent and returns a connection id.
// An existing transport for the same agent is closed and superseded.
func (h *Hub) Register(agentID string, t Transport) string {
	connID := uuid.New().String()

	h.mu.Lock()
	old := h.conns[agentID]
	h.conns[agentID] = &connection{
		id:        connID,
		transport: t,
		lastSeen:  time.Now(),
	}
	h.mu.Unlock()

	if old != nil {
		// Close outside the lock; the old read loop will try to deregister
		// and find itself already replaced
		old.transport.Close()
		h.logger.Info("superseded transport", "agent_id", agentID)
	}

	h.logger.Debug("registered transport", "agent_id", agentID, "conn_id", connID)
	return connID
}

// Deregister removes the agent's transport, but only if it is still the one
// identified by connID. A stale close arriving after a newer registration is
// a no-op.
func (h *Hub) Deregister(agentID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[agentID]
	if !ok || conn.id != connID {
		return
	}
	delete(h.conns, agentID)
	h.logger.Debug("deregistered transport", "agent_id", agentID, "conn_id", connID)
}

// Touch records liveness for the agent's current transport. Called on any
// inbound traffic, including pong replies.
func (h *Hub) Touch(agentID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[agentID]
	if ok && conn.id == connID {
		conn.lastSeen = time.Now()
	}
}

// Connected reports whether the agent currently has a live transport.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

// Send delivers a frame to the agent's transport. Returns whether delivery
// was handed to a live transport; push is best-effort and send failures only
// deregister, never propagate.
func (h *Hub) Send(agentID string, frame protocol.Frame) bool {
	h.mu.RLock()
	conn, ok := h.conns[agentID]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	if err := conn.transport.Send(frame); err != nil {
		h.logger.Warn("push send failed, dropping transport",
			"agent_id", agentID, "error", err)
		conn.transport.Close()
		h.Deregister(agentID, conn.id)
		return false
	}
	return true
}

// SendEvent builds an event frame and delivers it to the agent.
func (h *Hub) SendEvent(agentID, event string, payload any) bool {
	frame, err := protocol.NewEvent(event, payload)
	if err != nil {
		h.logger.Error("building event frame", "event", event, "error", err)
		return false
	}
	return h.Send(agentID, frame)
}

// Run probes idle transports and reaps silent ones until the context is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	interval := h.pingInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

type sweepTarget struct {
	agentID string
	conn    *connection
}

func (h *Hub) sweep() {
	now := time.Now()
	var probe, reap []sweepTarget

	h.mu.Lock()
	for agentID, conn := range h.conns {
		idle := now.Sub(conn.lastSeen)
		switch {
		case idle > h.pingTimeout:
			reap = append(reap, sweepTarget{agentID, conn})
		case idle > h.pingInterval:
			// One probe per idle window; a Touch moves lastSeen past
			// probedAt and re-arms it
			if conn.probedAt.Before(conn.lastSeen) {
				conn.probedAt = now
				probe = append(probe, sweepTarget{agentID, conn})
			}
		}
	}
	h.mu.Unlock()

	for _, t := range reap {
		h.logger.Info("reaping silent transport", "agent_id", t.agentID)
		t.conn.transport.Close()
		h.Deregister(t.agentID, t.conn.id)
	}

	pingFrame, err := protocol.NewEvent(protocol.EventPing, nil)
	if err != nil {
		return
	}
	for _, t := range probe {
		if err := t.conn.transport.Send(pingFrame); err != nil {
			t.conn.transport.Close()
			h.Deregister(t.agentID, t.conn.id)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*connection)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.transport.Close()
	}
}
