// ABOUTME: Tests for agent registration and API key authentication
// ABOUTME: Covers key format, name validation, duplicates, and bad credentials

package directory

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmailbox/mailbox/internal/store"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st)
}

func TestGenerateAPIKeyFormat(t *testing.T) {
	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^amb_[0-9a-f]{64}$`), key)

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestRegister(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	agent, rawKey, err := svc.Register(ctx, "claude-backend", "ops@example.com")
	require.NoError(t, err)

	assert.Equal(t, "claude-backend", agent.Name)
	assert.Equal(t, "ops@example.com", agent.OwnerContact)
	assert.Equal(t, HashAPIKey(rawKey), agent.APIKeyHash)
	assert.Equal(t, rawKey[:8], agent.APIKeyPrefix)
	// Raw key never persisted
	assert.NotEqual(t, rawKey, agent.APIKeyHash)
}

func TestRegisterNameTaken(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "claude-backend", "")
	require.NoError(t, err)

	_, _, err = svc.Register(ctx, "claude-backend", "")
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestRegisterInvalidName(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	for _, name := range []string{"", "A", "Has Spaces", "UPPER", "x", "-leading"} {
		_, _, err := svc.Register(ctx, name, "")
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}

	for _, name := range []string{"ok-name", "agent.2", "a_b", "x1"} {
		_, _, err := svc.Register(ctx, name, "")
		assert.NoError(t, err, "name %q", name)
	}
}

func TestAuthenticate(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()

	agent, rawKey, err := svc.Register(ctx, "claude-backend", "")
	require.NoError(t, err)

	got, err := svc.Authenticate(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)

	wrong, err := GenerateAPIKey()
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, wrong)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}
