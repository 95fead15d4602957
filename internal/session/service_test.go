// ABOUTME: Tests for the session service
// ABOUTME: Covers send gating, thread resolution, history cursors, inbox views

package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmailbox/mailbox/internal/encryption"
	"github.com/agentmailbox/mailbox/internal/protocol"
	"github.com/agentmailbox/mailbox/internal/store"
)

type recordingPusher struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	agentID string
	event   string
	payload any
}

func (p *recordingPusher) SendEvent(agentID, event string, payload any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{agentID, event, payload})
	return true
}

func (p *recordingPusher) last() *recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	e := p.events[len(p.events)-1]
	return &e
}

type fixture struct {
	store  *store.SQLiteStore
	svc    *Service
	pusher *recordingPusher
	alpha  *store.Agent
	beta   *store.Agent
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	cipher, err := encryption.NewFromBase64(key)
	require.NoError(t, err)

	pusher := &recordingPusher{}
	f := &fixture{
		store:  st,
		svc:    NewService(st, cipher, pusher),
		pusher: pusher,
	}
	f.alpha = f.registerAgent(t, "alpha")
	f.beta = f.registerAgent(t, "beta")
	f.connect(t, f.alpha, f.beta)
	return f
}

func (f *fixture) registerAgent(t *testing.T, name string) *store.Agent {
	t.Helper()
	agent := &store.Agent{
		ID:           name + "-id",
		Name:         name,
		APIKeyHash:   "hash-" + name,
		APIKeyPrefix: "amb_test",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, f.store.CreateAgent(context.Background(), agent))
	return agent
}

func (f *fixture) connect(t *testing.T, a, b *store.Agent) {
	t.Helper()
	now := time.Now()
	conn := &store.Connection{
		ID:          fmt.Sprintf("conn-%s-%s", a.Name, b.Name),
		RequesterID: a.ID,
		TargetName:  b.Name,
		Status:      store.ConnectionPending,
		Code:        fmt.Sprintf("XX-%03d", len(a.Name)*100+len(b.Name)),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, f.store.CreateConnection(context.Background(), conn))
	require.NoError(t, f.store.ActivateConnection(context.Background(), conn.ID, b.ID, now))
}

func TestSendCreatesSessionAndEncrypts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, f.alpha, "beta", "Deploy Plan", "ship it at noon", "")
	require.NoError(t, err)

	assert.Equal(t, "Deploy Plan", res.Session.Subject)
	assert.Equal(t, "ship it at noon", res.Message.Content)

	// The stored row holds ciphertext, not the plaintext
	raw, err := f.store.ListMessages(ctx, res.Session.ID, 1, "")
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.NotEqual(t, "ship it at noon", raw[0].Content)
	assert.Contains(t, raw[0].Content, "enc1:")

	// Recipient got a push with the plaintext
	event := f.pusher.last()
	require.NotNil(t, event)
	assert.Equal(t, f.beta.ID, event.agentID)
	assert.Equal(t, protocol.EventNewMessage, event.event)
	payload := event.payload.(protocol.NewMessageEvent)
	assert.Equal(t, "ship it at noon", payload.Content)
	assert.Equal(t, "alpha", payload.FromAgent)
}

func TestSendReusesSessionCaseInsensitive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.Send(ctx, f.alpha, "beta", "deploy plan", "one", "")
	require.NoError(t, err)

	// Reply from the other side with different casing lands in the same thread
	second, err := f.svc.Send(ctx, f.beta, "alpha", "DEPLOY PLAN", "two", "")
	require.NoError(t, err)
	assert.Equal(t, first.Session.ID, second.Session.ID)

	// A different subject makes a new thread
	third, err := f.svc.Send(ctx, f.alpha, "beta", "lunch", "three", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.Session.ID, third.Session.ID)
}

func TestSendValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, f.alpha, "beta", "   ", "hi", "")
	assert.ErrorIs(t, err, ErrSubjectRequired)

	_, err = f.svc.Send(ctx, f.alpha, "nobody", "topic", "hi", "")
	assert.ErrorIs(t, err, ErrTargetNotFound)

	_, err = f.svc.Send(ctx, f.alpha, "alpha", "topic", "hi", "")
	assert.ErrorIs(t, err, ErrNoActiveConnection)

	// No connection with gamma
	f.registerAgent(t, "gamma")
	_, err = f.svc.Send(ctx, f.alpha, "gamma", "topic", "hi", "")
	assert.ErrorIs(t, err, ErrNoActiveConnection)
}

func TestSendToSessionAppendsToThread(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.Send(ctx, f.alpha, "beta", "deploy plan", "ready?", "")
	require.NoError(t, err)

	// Beta answers by session id, no subject involved
	res, err := f.svc.SendToSession(ctx, f.beta, first.Session.ID, "ready", "")
	require.NoError(t, err)
	assert.Equal(t, first.Session.ID, res.Session.ID)
	assert.Equal(t, "ready", res.Message.Content)

	_, msgs, err := f.svc.History(ctx, f.alpha, first.Session.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ready", msgs[0].Content)

	// Alpha got the push with the thread's subject filled in
	event := f.pusher.last()
	require.NotNil(t, event)
	assert.Equal(t, f.alpha.ID, event.agentID)
	payload := event.payload.(protocol.NewMessageEvent)
	assert.Equal(t, first.Session.ID, payload.SessionID)
	assert.Equal(t, "deploy plan", payload.Subject)
}

func TestSendToSessionAccessControl(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, f.alpha, "beta", "topic", "hello", "")
	require.NoError(t, err)

	_, err = f.svc.SendToSession(ctx, f.alpha, "no-such-session", "hi", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	gamma := f.registerAgent(t, "gamma")
	_, err = f.svc.SendToSession(ctx, gamma, res.Session.ID, "hi", "")
	assert.ErrorIs(t, err, ErrNotParticipant)

	// A session whose pair has no ACTIVE connection rejects further sends
	now := time.Now()
	orphan := &store.Session{
		ID:            "orphan-session",
		Subject:       "stale",
		InitiatorID:   f.alpha.ID,
		ParticipantID: gamma.ID,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	require.NoError(t, f.store.CreateSession(ctx, orphan))
	_, err = f.svc.SendToSession(ctx, f.alpha, orphan.ID, "hi", "")
	assert.ErrorIs(t, err, ErrNoActiveConnection)
}

func TestHistoryNewestFirstAndMarksRead(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Send(ctx, f.alpha, "beta", "topic", fmt.Sprintf("message %d", i), "")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	res, err := f.svc.Send(ctx, f.beta, "alpha", "topic", "a reply", "")
	require.NoError(t, err)
	sessionID := res.Session.ID

	// Beta reads: newest first, decrypted, alpha's messages flipped read
	_, msgs, err := f.svc.History(ctx, f.beta, sessionID, 10, "")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "a reply", msgs[0].Content)
	assert.Equal(t, "message 2", msgs[1].Content)

	for _, m := range msgs {
		if m.SenderID == f.alpha.ID {
			assert.True(t, m.Read)
		}
	}

	// Beta's unread count drops to zero; alpha still has the reply unread
	count, err := f.store.UnreadCount(ctx, sessionID, f.beta.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = f.store.UnreadCount(ctx, sessionID, f.alpha.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHistoryCursor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var sessionID string
	for i := 0; i < 5; i++ {
		res, err := f.svc.Send(ctx, f.alpha, "beta", "topic", fmt.Sprintf("message %d", i), "")
		require.NoError(t, err)
		sessionID = res.Session.ID
		time.Sleep(2 * time.Millisecond)
	}

	_, page1, err := f.svc.History(ctx, f.beta, sessionID, 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "message 4", page1[0].Content)

	_, page2, err := f.svc.History(ctx, f.beta, sessionID, 2, page1[1].ID)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "message 2", page2[0].Content)

	_, _, err = f.svc.History(ctx, f.beta, sessionID, 2, "bogus-cursor")
	assert.ErrorIs(t, err, ErrCursorNotFound)
}

func TestHistoryAccessControl(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, f.alpha, "beta", "topic", "private", "")
	require.NoError(t, err)

	gamma := f.registerAgent(t, "gamma")
	_, _, err = f.svc.History(ctx, gamma, res.Session.ID, 10, "")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, _, err = f.svc.History(ctx, f.alpha, "no-such-session", 10, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHistoryOwnMessagesStayUnreadForRecipient(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, f.alpha, "beta", "topic", "hello", "")
	require.NoError(t, err)

	// The sender reading its own message must not flip beta's unread state
	_, _, err = f.svc.History(ctx, f.alpha, res.Session.ID, 10, "")
	require.NoError(t, err)

	count, err := f.store.UnreadCount(ctx, res.Session.ID, f.beta.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetInbox(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, f.alpha, "beta", "first topic", "one", "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = f.svc.Send(ctx, f.alpha, "beta", "second topic", "two", "")
	require.NoError(t, err)

	// A pending request targeting beta shows up in the inbox
	gamma := f.registerAgent(t, "gamma")
	now := time.Now()
	require.NoError(t, f.store.CreateConnection(ctx, &store.Connection{
		ID:          "pending-conn",
		RequesterID: gamma.ID,
		TargetName:  "beta",
		Status:      store.ConnectionPending,
		Code:        "GG-001",
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}))

	inbox, err := f.svc.GetInbox(ctx, f.beta, false)
	require.NoError(t, err)

	require.Len(t, inbox.Sessions, 2)
	// Most recently active first
	assert.Equal(t, "second topic", inbox.Sessions[0].Session.Subject)
	assert.Equal(t, "alpha", inbox.Sessions[0].CounterpartName)
	assert.Equal(t, 1, inbox.Sessions[0].UnreadCount)
	require.Len(t, inbox.Sessions[0].Recent, 1)
	assert.Equal(t, "two", inbox.Sessions[0].Recent[0].Content)

	require.Len(t, inbox.Pending, 1)
	assert.Equal(t, gamma.ID, inbox.Pending[0].RequesterID)

	// Previews must not flip read flags
	count, err := f.store.UnreadCount(ctx, inbox.Sessions[0].Session.ID, f.beta.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetInboxUnreadOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	readRes, err := f.svc.Send(ctx, f.alpha, "beta", "read topic", "seen", "")
	require.NoError(t, err)
	_, _, err = f.svc.History(ctx, f.beta, readRes.Session.ID, 10, "")
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, f.alpha, "beta", "unread topic", "not yet", "")
	require.NoError(t, err)

	inbox, err := f.svc.GetInbox(ctx, f.beta, true)
	require.NoError(t, err)
	require.Len(t, inbox.Sessions, 1)
	assert.Equal(t, "unread topic", inbox.Sessions[0].Session.Subject)
}

func TestConcurrentFirstSendsShareSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const n = 8
	results := make([]*SendResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender, target := f.alpha, "beta"
			if i%2 == 1 {
				sender, target = f.beta, "alpha"
			}
			res, err := f.svc.Send(ctx, sender, target, "same subject", fmt.Sprintf("m%d", i), "")
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	var sessionID string
	for _, res := range results {
		require.NotNil(t, res)
		if sessionID == "" {
			sessionID = res.Session.ID
		}
		assert.Equal(t, sessionID, res.Session.ID)
	}
}
