// ABOUTME: Agent directory service for registration and credential authentication
// ABOUTME: Generates amb_-prefixed API keys, stores only SHA-256 hashes

package directory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/agentmailbox/mailbox/internal/store"
)

// ErrNameTaken is returned when the agent name is already registered
var ErrNameTaken = errors.New("agent name already taken")

// ErrInvalidName is returned when the agent name fails validation
var ErrInvalidName = errors.New("invalid agent name")

// ErrInvalidCredential is returned when an API key does not match any agent
var ErrInvalidCredential = errors.New("invalid credential")

// Agent names are lowercase slugs so they are unambiguous in connection
// requests and delivery context keys.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,63}$`)

const keyPrefixLen = 8

// Service manages agent identities.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a directory service backed by the given store.
func NewService(st store.Store) *Service {
	return &Service{
		store:  st,
		logger: slog.Default().With("component", "directory"),
	}
}

// GenerateAPIKey returns a fresh credential: "amb_" followed by 64 hex chars.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return "amb_" + hex.EncodeToString(raw), nil
}

// HashAPIKey returns the hex SHA-256 digest of the raw key. Only the digest
// is ever persisted.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Register creates a new agent and returns it together with the raw API key.
// The raw key is shown exactly once; the directory keeps only its hash and a
// short display prefix.
func (s *Service) Register(ctx context.Context, name, ownerContact string) (*store.Agent, string, error) {
	if !nameRe.MatchString(name) {
		return nil, "", ErrInvalidName
	}

	rawKey, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	agent := &store.Agent{
		ID:           uuid.New().String(),
		Name:         name,
		APIKeyHash:   HashAPIKey(rawKey),
		APIKeyPrefix: rawKey[:keyPrefixLen],
		OwnerContact: ownerContact,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			return nil, "", ErrNameTaken
		}
		return nil, "", fmt.Errorf("registering agent: %w", err)
	}

	s.logger.Info("registered agent", "name", name, "id", agent.ID)
	return agent, rawKey, nil
}

// Authenticate resolves a raw API key to its agent.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*store.Agent, error) {
	if rawKey == "" {
		return nil, ErrInvalidCredential
	}

	agent, err := s.store.GetAgentByKeyHash(ctx, HashAPIKey(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	return agent, nil
}

// Lookup resolves an agent name.
func (s *Service) Lookup(ctx context.Context, name string) (*store.Agent, error) {
	return s.store.GetAgentByName(ctx, name)
}
