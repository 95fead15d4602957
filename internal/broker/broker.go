// ABOUTME: Connection broker implementing the double-opt-in handshake
// ABOUTME: Short-lived verification codes, pending limits, and lazy expiry

package broker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/agentmailbox/mailbox/internal/protocol"
	"github.com/agentmailbox/mailbox/internal/store"
)

// ErrTargetNotFound is returned when the requested target name is not registered
var ErrTargetNotFound = errors.New("target agent not found")

// ErrSelfConnection is returned when an agent requests a connection to itself
var ErrSelfConnection = errors.New("cannot connect to yourself")

// ErrAlreadyConnected is returned when an ACTIVE connection already exists
var ErrAlreadyConnected = errors.New("already connected")

// ErrRequestPending is returned when a live PENDING request already exists
// between the two agents in either direction
var ErrRequestPending = errors.New("connection request already pending")

// ErrTooManyPending is returned when the requester is at its pending limit
var ErrTooManyPending = errors.New("too many pending connection requests")

// ErrCodeNotFound is returned for unknown, expired, or already-used codes.
// Deliberately indistinguishable so codes leak nothing once spent.
var ErrCodeNotFound = errors.New("verification code not found")

// ErrNotTarget is returned when the approver is not the request's target
var ErrNotTarget = errors.New("not the target of this request")

const (
	// DefaultCodeTTL is how long a verification code stays approvable
	DefaultCodeTTL = time.Hour

	// DefaultMaxPending caps simultaneous live PENDING requests per requester
	DefaultMaxPending = 3

	codeAttempts = 10
)

// Pusher delivers best-effort notifications to connected agents.
type Pusher interface {
	SendEvent(agentID, event string, payload any) bool
}

// Service runs the connection state machine.
type Service struct {
	store      store.Store
	pusher     Pusher
	codeTTL    time.Duration
	maxPending int
	logger     *slog.Logger
}

// NewService creates a broker. pusher may be nil when push is disabled.
func NewService(st store.Store, pusher Pusher, codeTTL time.Duration, maxPending int) *Service {
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Service{
		store:      st,
		pusher:     pusher,
		codeTTL:    codeTTL,
		maxPending: maxPending,
		logger:     slog.Default().With("component", "broker"),
	}
}

// generateCode returns a short human-relayable code: two uppercase letters,
// a dash, three digits.
func generateCode() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	buf := make([]byte, 2)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(26))
		if err != nil {
			return "", fmt.Errorf("generating code: %w", err)
		}
		buf[i] = letters[n.Int64()]
	}
	digits, err := rand.Int(rand.Reader, big.NewInt(1000))
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return fmt.Sprintf("%s-%03d", buf, digits.Int64()), nil
}

// Request creates a PENDING connection from the requester to the named target
// and returns it with the verification code the requester must relay
// out of band.
func (s *Service) Request(ctx context.Context, requester *store.Agent, targetName, note string) (*store.Connection, error) {
	if targetName == requester.Name {
		return nil, ErrSelfConnection
	}

	target, err := s.store.GetAgentByName(ctx, targetName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTargetNotFound
		}
		return nil, fmt.Errorf("looking up target: %w", err)
	}

	now := time.Now()

	// Flip over-TTL rows first so stale requests never block new ones
	if _, err := s.store.ExpireOverdueConnections(ctx, now); err != nil {
		return nil, fmt.Errorf("expiring overdue: %w", err)
	}

	if _, err := s.store.ActiveConnectionBetween(ctx, requester.ID, target.ID); err == nil {
		return nil, ErrAlreadyConnected
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking active connection: %w", err)
	}

	pending, err := s.store.HasPendingBetween(ctx, requester.ID, requester.Name, target.ID, target.Name)
	if err != nil {
		return nil, fmt.Errorf("checking pending connection: %w", err)
	}
	if pending {
		return nil, ErrRequestPending
	}

	count, err := s.store.CountPendingByRequester(ctx, requester.ID, now)
	if err != nil {
		return nil, fmt.Errorf("counting pending requests: %w", err)
	}
	if count >= s.maxPending {
		return nil, ErrTooManyPending
	}

	// Codes live in a small space; retry on collision with an existing
	// PENDING code
	var conn *store.Connection
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}

		conn = &store.Connection{
			ID:          uuid.New().String(),
			RequesterID: requester.ID,
			TargetName:  target.Name,
			Status:      store.ConnectionPending,
			Code:        code,
			Note:        note,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(s.codeTTL),
		}

		err = s.store.CreateConnection(ctx, conn)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicatePending) {
			return nil, ErrRequestPending
		}
		if errors.Is(err, store.ErrDuplicateCode) {
			conn = nil
			continue
		}
		return nil, fmt.Errorf("creating connection: %w", err)
	}
	if conn == nil {
		return nil, fmt.Errorf("could not generate a unique code after %d attempts", codeAttempts)
	}

	s.logger.Info("connection requested",
		"requester", requester.Name, "target", target.Name, "connection_id", conn.ID)

	if s.pusher != nil {
		s.pusher.SendEvent(target.ID, protocol.EventConnectionRequest, protocol.ConnectionRequestEvent{
			ConnectionID:  conn.ID,
			RequesterName: requester.Name,
			Note:          note,
			ExpiresAt:     conn.ExpiresAt,
		})
	}

	return conn, nil
}

// Approve activates the PENDING connection holding the given code. Only the
// request's target may approve, and a code approves at most once even under
// concurrent calls.
func (s *Service) Approve(ctx context.Context, approver *store.Agent, code string) (*store.Connection, error) {
	conn, err := s.store.GetConnectionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("looking up code: %w", err)
	}

	now := time.Now()
	if conn.Expired(now) {
		// Flip in place; losing this race is fine, the outcome is the same
		if err := s.store.ExpireConnection(ctx, conn.ID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to expire connection", "connection_id", conn.ID, "error", err)
		}
		return nil, ErrCodeNotFound
	}

	if conn.TargetName != approver.Name || conn.RequesterID == approver.ID {
		return nil, ErrNotTarget
	}

	// Guarded transition; a concurrent approval of the same code makes the
	// update affect zero rows for the loser
	if err := s.store.ActivateConnection(ctx, conn.ID, approver.ID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("activating connection: %w", err)
	}

	conn.Status = store.ConnectionActive
	conn.TargetID = &approver.ID
	conn.UpdatedAt = now

	s.logger.Info("connection approved",
		"approver", approver.Name, "connection_id", conn.ID)

	if s.pusher != nil {
		s.pusher.SendEvent(conn.RequesterID, protocol.EventConnectionApproved, protocol.ConnectionApprovedEvent{
			ConnectionID: conn.ID,
			ApproverName: approver.Name,
		})
	}

	return conn, nil
}

// Pending returns the agent's live PENDING connections, incoming and
// outgoing, newest first.
func (s *Service) Pending(ctx context.Context, agent *store.Agent) ([]*store.Connection, error) {
	now := time.Now()
	if _, err := s.store.ExpireOverdueConnections(ctx, now); err != nil {
		return nil, fmt.Errorf("expiring overdue: %w", err)
	}
	conns, err := s.store.ListPendingForAgent(ctx, agent.ID, agent.Name, now)
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	return conns, nil
}

// RunSweeper periodically flips over-TTL PENDING rows to EXPIRED until the
// context is cancelled. Reads already treat such rows as expired; the sweep
// keeps the table tidy.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.store.ExpireOverdueConnections(ctx, time.Now())
			if err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if count > 0 {
				s.logger.Info("swept expired connection requests", "count", count)
			}
		}
	}
}
