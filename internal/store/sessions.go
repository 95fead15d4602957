// ABOUTME: Session and message persistence for the SQLite store
// ABOUTME: Subject-keyed session resolution, append-only messages, read tracking

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PairKey returns the canonical key for an unordered agent pair. Both orders
// of the same two ids produce the same key.
func PairKey(agentA, agentB string) string {
	if agentA > agentB {
		agentA, agentB = agentB, agentA
	}
	return agentA + "|" + agentB
}

// NormalizeSubject is the canonical form used for session matching. Subjects
// differing only in case or surrounding whitespace resolve to the same session.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

const sessionColumns = `id, subject, initiator_id, participant_id, created_at, last_message_at`

// CreateSession inserts a new session row.
// Returns ErrDuplicateSession when a session already exists for the same
// unordered pair and normalized subject; callers retry the lookup.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, subject, subject_norm, pair_key, initiator_id, participant_id, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.Subject,
		NormalizeSubject(session.Subject),
		PairKey(session.InitiatorID, session.ParticipantID),
		session.InitiatorID,
		session.ParticipantID,
		formatTime(session.CreatedAt),
		formatTime(session.LastMessageAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session",
		"id", session.ID, "subject", session.Subject,
		"initiator", session.InitiatorID, "participant", session.ParticipantID)
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var createdAt, lastMessageAt string

	err := row.Scan(
		&session.ID,
		&session.Subject,
		&session.InitiatorID,
		&session.ParticipantID,
		&createdAt,
		&lastMessageAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if session.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}

	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionBySubject retrieves the session for the unordered agent pair and
// subject, matching the subject case-insensitively.
func (s *SQLiteStore) GetSessionBySubject(ctx context.Context, agentA, agentB, subject string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE pair_key = ? AND subject_norm = ?`,
		PairKey(agentA, agentB), NormalizeSubject(subject))
	return scanSession(row)
}

// ListSessionsForAgent returns all sessions the agent participates in, most
// recently active first.
func (s *SQLiteStore) ListSessionsForAgent(ctx context.Context, agentID string) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE initiator_id = ? OR participant_id = ?
		ORDER BY last_message_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// TouchSession advances last_message_at. The MAX guard keeps the column
// monotonic when two sends race.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_message_at = MAX(last_message_at, ?)
		WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `id, session_id, sender_id, content, is_read, reply_to, created_at`

// SaveMessage appends a message to its session.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, session_id, sender_id, content, is_read, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.SenderID,
		msg.Content,
		msg.Read,
		nullString(msg.ReplyTo),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "session", msg.SessionID)
	return nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var replyTo sql.NullString
	var createdAt string

	err := row.Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.SenderID,
		&msg.Content,
		&msg.Read,
		&replyTo,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if replyTo.Valid {
		msg.ReplyTo = replyTo.String
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &msg, nil
}

// ListMessages returns up to limit messages for the session, newest first.
// When beforeID names an existing message, only messages strictly older than
// it are returned; an unknown beforeID returns ErrNotFound. Ties on created_at
// are broken by id so pagination never skips or repeats rows.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int, beforeID string) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE session_id = ?
	`
	args := []any{sessionID}

	if beforeID != "" {
		var createdAt string
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = ? AND session_id = ?`,
			beforeID, sessionID).Scan(&createdAt)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolving cursor: %w", err)
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, createdAt, createdAt, beforeID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// UnreadCount counts unread messages in the session not sent by the agent.
func (s *SQLiteStore) UnreadCount(ctx context.Context, sessionID, agentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE session_id = ? AND sender_id != ? AND is_read = 0
	`, sessionID, agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// MarkMessagesRead flips the read flag on the given messages. The flag only
// moves false to true; already-read rows are unaffected.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}
	return nil
}
