// ABOUTME: Session service handling message send, history, and inbox
// ABOUTME: Subject-keyed thread resolution with at-rest encryption and push

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmailbox/mailbox/internal/encryption"
	"github.com/agentmailbox/mailbox/internal/protocol"
	"github.com/agentmailbox/mailbox/internal/store"
)

// ErrSubjectRequired is returned when the subject is empty or whitespace
var ErrSubjectRequired = errors.New("subject is required")

// ErrTargetNotFound is returned when the recipient name is not registered
var ErrTargetNotFound = errors.New("target agent not found")

// ErrNoActiveConnection is returned when the two agents have no ACTIVE
// connection at send time
var ErrNoActiveConnection = errors.New("no active connection with target")

// ErrSessionNotFound is returned when the session id does not exist
var ErrSessionNotFound = errors.New("session not found")

// ErrNotParticipant is returned when the caller is not one of the session's
// two participants
var ErrNotParticipant = errors.New("not a participant in this session")

// ErrCursorNotFound is returned when the history cursor names no message in
// the session
var ErrCursorNotFound = errors.New("cursor message not found")

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	inboxRecentCount    = 3
)

// Pusher delivers best-effort notifications to connected agents.
type Pusher interface {
	SendEvent(agentID, event string, payload any) bool
}

// Service mediates all message traffic between agents.
type Service struct {
	store  store.Store
	cipher *encryption.Cipher
	pusher Pusher
	logger *slog.Logger
}

// NewService creates a session service. pusher may be nil when push is
// disabled.
func NewService(st store.Store, cipher *encryption.Cipher, pusher Pusher) *Service {
	return &Service{
		store:  st,
		cipher: cipher,
		pusher: pusher,
		logger: slog.Default().With("component", "session"),
	}
}

// SendResult is what a successful send returns to the caller.
type SendResult struct {
	Session *store.Session
	Message *store.Message
}

// Send appends a message to the session for (sender, target, subject),
// creating the session on first use. The connection must be ACTIVE at call
// time; an approved-then-revoked pair cannot keep messaging.
func (s *Service) Send(ctx context.Context, sender *store.Agent, targetName, subject, content, replyTo string) (*SendResult, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, ErrSubjectRequired
	}

	target, err := s.store.GetAgentByName(ctx, targetName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTargetNotFound
		}
		return nil, fmt.Errorf("looking up target: %w", err)
	}

	if target.ID == sender.ID {
		return nil, ErrNoActiveConnection
	}

	if _, err := s.store.ActiveConnectionBetween(ctx, sender.ID, target.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoActiveConnection
		}
		return nil, fmt.Errorf("checking connection: %w", err)
	}

	session, err := s.resolveOrCreate(ctx, sender.ID, target.ID, subject)
	if err != nil {
		return nil, err
	}

	return s.appendMessage(ctx, sender, target, session, content, replyTo)
}

// SendToSession appends to an existing session addressed by id. The caller
// must be a participant and the connection must still be ACTIVE.
func (s *Service) SendToSession(ctx context.Context, sender *store.Agent, sessionID, content, replyTo string) (*SendResult, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if !session.HasParticipant(sender.ID) {
		return nil, ErrNotParticipant
	}

	target, err := s.store.GetAgent(ctx, session.OtherParticipant(sender.ID))
	if err != nil {
		return nil, fmt.Errorf("loading counterpart: %w", err)
	}

	if _, err := s.store.ActiveConnectionBetween(ctx, sender.ID, target.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoActiveConnection
		}
		return nil, fmt.Errorf("checking connection: %w", err)
	}

	return s.appendMessage(ctx, sender, target, session, content, replyTo)
}

// appendMessage is the shared tail of both send paths: encrypt, persist,
// bump activity, push.
func (s *Service) appendMessage(ctx context.Context, sender, target *store.Agent, session *store.Session, content, replyTo string) (*SendResult, error) {
	stored, err := s.cipher.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}

	now := time.Now()
	msg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		SenderID:  sender.ID,
		Content:   stored,
		ReplyTo:   replyTo,
		CreatedAt: now,
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}

	if err := s.store.TouchSession(ctx, session.ID, now); err != nil {
		s.logger.Warn("failed to touch session", "session_id", session.ID, "error", err)
	}
	session.LastMessageAt = now

	s.logger.Info("message sent",
		"session_id", session.ID, "from", sender.Name, "to", target.Name)

	if s.pusher != nil {
		delivered := s.pusher.SendEvent(target.ID, protocol.EventNewMessage, protocol.NewMessageEvent{
			MessageID: msg.ID,
			SessionID: session.ID,
			Subject:   session.Subject,
			FromAgent: sender.Name,
			Content:   content,
			ReplyTo:   replyTo,
			CreatedAt: now,
		})
		if !delivered {
			s.logger.Debug("recipient offline, message queued in inbox",
				"to", target.Name, "session_id", session.ID)
		}
	}

	// Hand the plaintext back; the ciphertext never leaves the store
	msg.Content = content
	return &SendResult{Session: session, Message: msg}, nil
}

// resolveOrCreate finds the session for the pair and subject, creating it if
// absent. Two concurrent first sends race on the unique index; the loser
// retries the lookup and lands in the winner's session.
func (s *Service) resolveOrCreate(ctx context.Context, a, b, subject string) (*store.Session, error) {
	session, err := s.store.GetSessionBySubject(ctx, a, b, subject)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	now := time.Now()
	session = &store.Session{
		ID:            uuid.New().String(),
		Subject:       strings.TrimSpace(subject),
		InitiatorID:   a,
		ParticipantID: b,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	err = s.store.CreateSession(ctx, session)
	if err == nil {
		s.logger.Info("created session", "session_id", session.ID, "subject", session.Subject)
		return session, nil
	}
	if errors.Is(err, store.ErrDuplicateSession) {
		session, err = s.store.GetSessionBySubject(ctx, a, b, subject)
		if err != nil {
			return nil, fmt.Errorf("resolving session after create race: %w", err)
		}
		return session, nil
	}
	return nil, fmt.Errorf("creating session: %w", err)
}

// History returns up to limit messages from the session, newest first,
// strictly older than the cursor when one is given. Returned messages the
// requester did not send are marked read.
func (s *Service) History(ctx context.Context, requester *store.Agent, sessionID string, limit int, beforeID string) (*store.Session, []*store.Message, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrSessionNotFound
		}
		return nil, nil, fmt.Errorf("loading session: %w", err)
	}

	if !session.HasParticipant(requester.ID) {
		return nil, nil, ErrNotParticipant
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := s.store.ListMessages(ctx, sessionID, limit, beforeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrCursorNotFound
		}
		return nil, nil, fmt.Errorf("listing messages: %w", err)
	}

	var toMark []string
	for _, msg := range msgs {
		plain, err := s.cipher.Decrypt(msg.Content)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypting message %s: %w", msg.ID, err)
		}
		msg.Content = plain

		if msg.SenderID != requester.ID && !msg.Read {
			toMark = append(toMark, msg.ID)
			msg.Read = true
		}
	}

	if len(toMark) > 0 {
		if err := s.store.MarkMessagesRead(ctx, toMark); err != nil {
			return nil, nil, fmt.Errorf("marking messages read: %w", err)
		}
	}

	return session, msgs, nil
}

// InboxSession is one session entry in an inbox view.
type InboxSession struct {
	Session         *store.Session
	CounterpartName string
	UnreadCount     int
	Recent          []*store.Message
}

// Inbox is the recipient-side overview: sessions by recency plus incoming
// connection requests awaiting approval.
type Inbox struct {
	Sessions []InboxSession
	Pending  []*store.Connection
}

// GetInbox returns the agent's sessions ordered by last activity with unread
// counts and a short preview, plus live PENDING requests targeting the agent.
// Previews do not flip read flags; only History does.
func (s *Service) GetInbox(ctx context.Context, agent *store.Agent, unreadOnly bool) (*Inbox, error) {
	sessions, err := s.store.ListSessionsForAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	inbox := &Inbox{}
	for _, session := range sessions {
		unread, err := s.store.UnreadCount(ctx, session.ID, agent.ID)
		if err != nil {
			return nil, fmt.Errorf("counting unread: %w", err)
		}
		if unreadOnly && unread == 0 {
			continue
		}

		counterpart, err := s.store.GetAgent(ctx, session.OtherParticipant(agent.ID))
		if err != nil {
			return nil, fmt.Errorf("loading counterpart: %w", err)
		}

		recent, err := s.store.ListMessages(ctx, session.ID, inboxRecentCount, "")
		if err != nil {
			return nil, fmt.Errorf("listing recent messages: %w", err)
		}
		for _, msg := range recent {
			plain, err := s.cipher.Decrypt(msg.Content)
			if err != nil {
				return nil, fmt.Errorf("decrypting message %s: %w", msg.ID, err)
			}
			msg.Content = plain
		}

		inbox.Sessions = append(inbox.Sessions, InboxSession{
			Session:         session,
			CounterpartName: counterpart.Name,
			UnreadCount:     unread,
			Recent:          recent,
		})
	}

	pending, err := s.store.ListPendingForTarget(ctx, agent.Name, time.Now())
	if err != nil {
		return nil, fmt.Errorf("listing pending connections: %w", err)
	}
	inbox.Pending = pending

	return inbox, nil
}
