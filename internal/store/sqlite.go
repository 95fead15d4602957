// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/connection persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is RFC 3339 with fixed nine-digit fractional seconds so that
// stored timestamps sort lexicographically. Parsing accepts any RFC 3339
// variant for rows written by older builds.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent writes
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL UNIQUE,
			api_key_hash   TEXT NOT NULL UNIQUE,
			api_key_prefix TEXT NOT NULL,
			owner_contact  TEXT,
			created_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);
		CREATE INDEX IF NOT EXISTS idx_agents_key_hash ON agents(api_key_hash);

		CREATE TABLE IF NOT EXISTS connections (
			id           TEXT PRIMARY KEY,
			requester_id TEXT NOT NULL REFERENCES agents(id),
			target_id    TEXT REFERENCES agents(id),
			target_name  TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'PENDING',
			code         TEXT NOT NULL UNIQUE,
			note         TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			expires_at   TEXT NOT NULL,

			CHECK (status IN ('PENDING', 'ACTIVE', 'REJECTED', 'EXPIRED'))
		);

		CREATE INDEX IF NOT EXISTS idx_connections_requester ON connections(requester_id);
		CREATE INDEX IF NOT EXISTS idx_connections_target_name ON connections(target_name);
		CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status);
		CREATE INDEX IF NOT EXISTS idx_connections_code ON connections(code);

		-- At most one PENDING request per ordered (requester, target) pair.
		-- Serializes concurrent requests at the store level.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_pending_pair
			ON connections(requester_id, target_name) WHERE status = 'PENDING';

		CREATE TABLE IF NOT EXISTS sessions (
			id              TEXT PRIMARY KEY,
			subject         TEXT NOT NULL,
			subject_norm    TEXT NOT NULL,
			pair_key        TEXT NOT NULL,
			initiator_id    TEXT NOT NULL REFERENCES agents(id),
			participant_id  TEXT NOT NULL REFERENCES agents(id),
			created_at      TEXT NOT NULL,
			last_message_at TEXT NOT NULL,

			CHECK (initiator_id != participant_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_initiator ON sessions(initiator_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_participant ON sessions(participant_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_message ON sessions(last_message_at);

		-- One session per unordered pair and subject. Concurrent senders with
		-- the same subject serialize here and retry the lookup.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_pair_subject
			ON sessions(pair_key, subject_norm);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			sender_id  TEXT NOT NULL REFERENCES agents(id),
			content    TEXT NOT NULL,
			is_read    INTEGER NOT NULL DEFAULT 0,
			reply_to   TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateAgent inserts a new agent.
// Returns ErrDuplicateAgent if the name is already registered.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, name, api_key_hash, api_key_prefix, owner_contact, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.APIKeyHash,
		agent.APIKeyPrefix,
		nullString(agent.OwnerContact),
		formatTime(agent.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

func (s *SQLiteStore) scanAgent(row *sql.Row) (*Agent, error) {
	var agent Agent
	var contact sql.NullString
	var createdAt string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.APIKeyHash,
		&agent.APIKeyPrefix,
		&contact,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	if contact.Valid {
		agent.OwnerContact = contact.String
	}
	agent.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &agent, nil
}

const agentColumns = `id, name, api_key_hash, api_key_prefix, owner_contact, created_at`

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return s.scanAgent(row)
}

// GetAgentByName retrieves an agent by its unique name.
func (s *SQLiteStore) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	return s.scanAgent(row)
}

// GetAgentByKeyHash retrieves an agent by its credential hash.
func (s *SQLiteStore) GetAgentByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_hash = ?`, keyHash)
	return s.scanAgent(row)
}

const connectionColumns = `id, requester_id, target_id, target_name, status, code, note, created_at, updated_at, expires_at`

// CreateConnection inserts a new connection row.
// Returns ErrDuplicateCode on a verification code collision and
// ErrDuplicatePending when a PENDING row already exists for the same
// requester/target pair.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *Connection) error {
	query := `
		INSERT INTO connections (id, requester_id, target_id, target_name, status, code, note, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var targetID any
	if conn.TargetID != nil {
		targetID = *conn.TargetID
	}

	_, err := s.db.ExecContext(ctx, query,
		conn.ID,
		conn.RequesterID,
		targetID,
		conn.TargetName,
		string(conn.Status),
		conn.Code,
		nullString(conn.Note),
		formatTime(conn.CreatedAt),
		formatTime(conn.UpdatedAt),
		formatTime(conn.ExpiresAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			if strings.Contains(err.Error(), "connections.code") {
				return ErrDuplicateCode
			}
			return ErrDuplicatePending
		}
		return fmt.Errorf("inserting connection: %w", err)
	}

	s.logger.Debug("created connection",
		"id", conn.ID, "requester", conn.RequesterID, "target", conn.TargetName)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var conn Connection
	var targetID, note sql.NullString
	var status, createdAt, updatedAt, expiresAt string

	err := row.Scan(
		&conn.ID,
		&conn.RequesterID,
		&targetID,
		&conn.TargetName,
		&status,
		&conn.Code,
		&note,
		&createdAt,
		&updatedAt,
		&expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection: %w", err)
	}

	conn.Status = ConnectionStatus(status)
	if targetID.Valid {
		conn.TargetID = &targetID.String
	}
	if note.Valid {
		conn.Note = note.String
	}
	if conn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if conn.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &conn, nil
}

// GetConnection retrieves a connection by ID.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

// GetConnectionByCode retrieves a PENDING connection holding the given code.
// Returns ErrNotFound when no PENDING row holds the code; used codes are in a
// terminal or ACTIVE state and are therefore not found, making codes single-use.
func (s *SQLiteStore) GetConnectionByCode(ctx context.Context, code string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE code = ? AND status = 'PENDING'`, code)
	return scanConnection(row)
}

// ActiveConnectionBetween returns the ACTIVE connection for the unordered
// agent pair, or ErrNotFound.
func (s *SQLiteStore) ActiveConnectionBetween(ctx context.Context, agentA, agentB string) (*Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE status = 'ACTIVE'
		  AND ((requester_id = ? AND target_id = ?) OR (requester_id = ? AND target_id = ?))
	`
	row := s.db.QueryRowContext(ctx, query, agentA, agentB, agentB, agentA)
	return scanConnection(row)
}

// HasPendingBetween reports whether a PENDING connection exists in either
// direction between two agents. PENDING rows carry only the target's name, so
// both ids and names are needed.
func (s *SQLiteStore) HasPendingBetween(ctx context.Context, aID, aName, bID, bName string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM connections
		WHERE status = 'PENDING'
		  AND ((requester_id = ? AND target_name = ?) OR (requester_id = ? AND target_name = ?))
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, aID, bName, bID, aName).Scan(&count); err != nil {
		return false, fmt.Errorf("counting pending connections: %w", err)
	}
	return count > 0, nil
}

// CountPendingByRequester counts the requester's live PENDING codes at the
// given instant. Expired rows do not count against the limit.
func (s *SQLiteStore) CountPendingByRequester(ctx context.Context, requesterID string, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM connections
		WHERE requester_id = ? AND status = 'PENDING' AND expires_at > ?
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, requesterID, formatTime(now)).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting pending by requester: %w", err)
	}
	return count, nil
}

// ListPendingForTarget returns live PENDING connections targeting the named
// agent, newest first.
func (s *SQLiteStore) ListPendingForTarget(ctx context.Context, targetName string, now time.Time) ([]*Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE status = 'PENDING' AND target_name = ? AND expires_at > ?
		ORDER BY created_at DESC
	`
	return s.queryConnections(ctx, query, targetName, formatTime(now))
}

// ListPendingForAgent returns live PENDING connections where the agent is
// either the requester or the target, newest first.
func (s *SQLiteStore) ListPendingForAgent(ctx context.Context, agentID, agentName string, now time.Time) ([]*Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE status = 'PENDING' AND expires_at > ?
		  AND (requester_id = ? OR target_name = ?)
		ORDER BY created_at DESC
	`
	return s.queryConnections(ctx, query, formatTime(now), agentID, agentName)
}

func (s *SQLiteStore) queryConnections(ctx context.Context, query string, args ...any) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection rows: %w", err)
	}
	return conns, nil
}

// ActivateConnection flips a PENDING connection to ACTIVE and binds the
// target id. The status guard makes concurrent approvals of the same code
// mutually exclusive: the loser sees ErrNotFound.
func (s *SQLiteStore) ActivateConnection(ctx context.Context, id, targetID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET status = 'ACTIVE', target_id = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, targetID, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("activating connection: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	s.logger.Info("activated connection", "id", id, "target", targetID)
	return nil
}

// ExpireConnection flips a PENDING connection to EXPIRED. Used by lazy expiry
// on read; a no-op if another caller already transitioned the row.
func (s *SQLiteStore) ExpireConnection(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET status = 'EXPIRED', updated_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("expiring connection: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	s.logger.Debug("expired connection", "id", id)
	return nil
}

// ExpireOverdueConnections flips all over-TTL PENDING connections to EXPIRED
// and returns the number of rows affected. Reads already treat over-TTL rows
// as expired; this sweep exists for cleanliness.
func (s *SQLiteStore) ExpireOverdueConnections(ctx context.Context, now time.Time) (int64, error) {
	ts := formatTime(now)
	result, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET status = 'EXPIRED', updated_at = ?
		WHERE status = 'PENDING' AND expires_at <= ?
	`, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("expiring overdue connections: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.logger.Debug("expired overdue connections", "count", rows)
	}
	return rows, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
