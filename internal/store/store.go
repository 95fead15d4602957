// ABOUTME: Store interface and data types for mailbox persistence
// ABOUTME: Defines Agent, Connection, Session, Message structs and store errors

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when an agent name is already registered
var ErrDuplicateAgent = errors.New("agent name already taken")

// ErrDuplicateCode is returned when a verification code collides with an existing one
var ErrDuplicateCode = errors.New("verification code already exists")

// ErrDuplicatePending is returned when a PENDING connection already exists for the
// same requester/target pair
var ErrDuplicatePending = errors.New("pending connection already exists")

// ErrDuplicateSession is returned when a session for the same pair and subject
// already exists
var ErrDuplicateSession = errors.New("session already exists")

// ConnectionStatus is the lifecycle state of a connection between two agents
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "PENDING"
	ConnectionActive   ConnectionStatus = "ACTIVE"
	ConnectionRejected ConnectionStatus = "REJECTED"
	ConnectionExpired  ConnectionStatus = "EXPIRED"
)

// Agent is an identity record. The raw credential is never stored, only its
// SHA-256 hash plus a short display prefix.
type Agent struct {
	ID           string
	Name         string
	APIKeyHash   string
	APIKeyPrefix string
	OwnerContact string
	CreatedAt    time.Time
}

// Connection models trust between exactly two agents. TargetID is only bound
// on approval; until then the target is identified by name.
type Connection struct {
	ID          string
	RequesterID string
	TargetID    *string
	TargetName  string
	Status      ConnectionStatus
	Code        string
	Note        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether a PENDING connection has passed its TTL at the
// given instant. Terminal states are already terminal and never expire again.
func (c *Connection) Expired(now time.Time) bool {
	return c.Status == ConnectionPending && !c.ExpiresAt.After(now)
}

// Session is a conversation thread between exactly two agents, keyed by
// (unordered pair, subject) on creation and by ID thereafter.
type Session struct {
	ID            string
	Subject       string
	InitiatorID   string
	ParticipantID string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// OtherParticipant returns the participant that is not the given agent.
func (s *Session) OtherParticipant(agentID string) string {
	if s.InitiatorID == agentID {
		return s.ParticipantID
	}
	return s.InitiatorID
}

// HasParticipant reports whether the agent is one of the two participants.
func (s *Session) HasParticipant(agentID string) bool {
	return s.InitiatorID == agentID || s.ParticipantID == agentID
}

// Message is immutable once created except for the read flag, which only
// transitions false -> true. Content is stored encrypted at rest.
type Message struct {
	ID        string
	SessionID string
	SenderID  string
	Content   string
	Read      bool
	ReplyTo   string // opaque return-address hint, not interpreted server-side
	CreatedAt time.Time
}

// Store defines the persistence operations the mailbox services need.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByName(ctx context.Context, name string) (*Agent, error)
	GetAgentByKeyHash(ctx context.Context, keyHash string) (*Agent, error)

	// Connections
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	GetConnectionByCode(ctx context.Context, code string) (*Connection, error)
	ActiveConnectionBetween(ctx context.Context, agentA, agentB string) (*Connection, error)
	HasPendingBetween(ctx context.Context, aID, aName, bID, bName string) (bool, error)
	CountPendingByRequester(ctx context.Context, requesterID string, now time.Time) (int, error)
	ListPendingForTarget(ctx context.Context, targetName string, now time.Time) ([]*Connection, error)
	ListPendingForAgent(ctx context.Context, agentID, agentName string, now time.Time) ([]*Connection, error)
	ActivateConnection(ctx context.Context, id, targetID string, now time.Time) error
	ExpireConnection(ctx context.Context, id string, now time.Time) error
	ExpireOverdueConnections(ctx context.Context, now time.Time) (int64, error)

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionBySubject(ctx context.Context, agentA, agentB, subject string) (*Session, error)
	ListSessionsForAgent(ctx context.Context, agentID string) ([]*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, sessionID string, limit int, beforeID string) ([]*Message, error)
	UnreadCount(ctx context.Context, sessionID, agentID string) (int, error)
	MarkMessagesRead(ctx context.Context, ids []string) error

	// Close releases any resources held by the store
	Close() error
}
