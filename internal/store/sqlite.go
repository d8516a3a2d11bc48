// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists session mappings and permission records with schema-on-open

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

	"github.com/2389/agent-relay/internal/envelope"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent resolvers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

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
		CREATE TABLE IF NOT EXISTS session_mappings (
			conversation_key TEXT PRIMARY KEY,
			bridge_id        TEXT NOT NULL,
			channel_id       TEXT NOT NULL,
			thread_id        TEXT NOT NULL DEFAULT '',
			session_id       TEXT NOT NULL,
			cwd              TEXT NOT NULL DEFAULT '',
			updated_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_mappings_session
			ON session_mappings(session_id);

		CREATE TABLE IF NOT EXISTS permission_requests (
			permission_id     TEXT PRIMARY KEY,
			conversation_key  TEXT NOT NULL,
			requester_user_id TEXT NOT NULL,
			status            TEXT NOT NULL DEFAULT 'pending',
			expires_at        INTEGER NOT NULL,
			response          TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,

			CHECK (status IN ('pending', 'submitted', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_permission_requests_conversation
			ON permission_requests(conversation_key, status);

		CREATE INDEX IF NOT EXISTS idx_permission_requests_expiry
			ON permission_requests(status, expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// GetByConversation returns the session mapping for a conversation key.
func (s *SQLiteStore) GetByConversation(ctx context.Context, key string) (*SessionMapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_key, session_id, cwd FROM session_mappings WHERE conversation_key = ?`,
		key)

	var m SessionMapping
	if err := row.Scan(&m.ConversationKey, &m.SessionID, &m.Cwd); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying session mapping: %w", err)
	}
	return &m, nil
}

// GetConversationBySessionID resolves the conversation that owns a session id.
func (s *SQLiteStore) GetConversationBySessionID(ctx context.Context, sessionID string) (*envelope.ConversationRef, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bridge_id, channel_id, thread_id FROM session_mappings WHERE session_id = ?`,
		sessionID)

	var ref envelope.ConversationRef
	if err := row.Scan(&ref.BridgeID, &ref.ChannelID, &ref.ThreadID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying conversation by session: %w", err)
	}
	return &ref, nil
}

// SetForConversation upserts the mapping for a conversation. An empty
// cwd keeps any previously stored working directory.
func (s *SQLiteStore) SetForConversation(ctx context.Context, ref envelope.ConversationRef, sessionID, cwd string) error {
	key := envelope.Key(ref)
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_mappings (conversation_key, bridge_id, channel_id, thread_id, session_id, cwd, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			session_id = excluded.session_id,
			cwd = CASE WHEN excluded.cwd = '' THEN session_mappings.cwd ELSE excluded.cwd END,
			updated_at = excluded.updated_at`,
		key, ref.BridgeID, ref.ChannelID, ref.ThreadID, sessionID, cwd, now)
	if err != nil {
		return fmt.Errorf("saving session mapping: %w", err)
	}

	s.logger.Debug("session mapping saved", "conversation", key, "session_id", sessionID)
	return nil
}

// ClearForConversation deletes the mapping for a conversation.
func (s *SQLiteStore) ClearForConversation(ctx context.Context, ref envelope.ConversationRef) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_mappings WHERE conversation_key = ?`,
		envelope.Key(ref))
	if err != nil {
		return fmt.Errorf("clearing session mapping: %w", err)
	}
	return nil
}

// SetCwd updates the working directory for a session.
func (s *SQLiteStore) SetCwd(ctx context.Context, sessionID, cwd string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_mappings SET cwd = ?, updated_at = ? WHERE session_id = ?`,
		cwd, time.Now().UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("updating cwd: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCwd returns the working directory for a session.
func (s *SQLiteStore) GetCwd(ctx context.Context, sessionID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cwd FROM session_mappings WHERE session_id = ?`, sessionID)

	var cwd string
	if err := row.Scan(&cwd); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("querying cwd: %w", err)
	}
	return cwd, nil
}

// CreatePermission inserts a new pending permission record. The
// live-pending guard is part of the INSERT statement, so two racing
// creators for the same conversation cannot both pass. Returns
// ErrDuplicatePermission if the id already exists and ErrPendingConflict
// if another live request blocks the insert.
func (s *SQLiteStore) CreatePermission(ctx context.Context, rec *PermissionRecord, nowUnix int64) error {
	status := rec.Status
	if status == "" {
		status = PermissionPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_requests (permission_id, conversation_key, requester_user_id, status, expires_at, response, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM permission_requests
			WHERE conversation_key = ? AND status = ? AND expires_at > ?
		)`,
		rec.PermissionID, rec.ConversationKey, rec.RequesterUserID, status,
		rec.ExpiresAtUnix, rec.Response, time.Now().UTC().Format(time.RFC3339),
		rec.ConversationKey, PermissionPending, nowUnix)
	if err != nil {
		// UNIQUE violation on the primary key means a retried callback
		// already created this record.
		if isUniqueViolation(err) {
			return ErrDuplicatePermission
		}
		return fmt.Errorf("creating permission record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("creating permission record: %w", err)
	}
	if n == 0 {
		// A live pending record blocked the insert. A retried callback
		// reusing its own id still reports as a duplicate so callers
		// can fall through to the existing record.
		if _, gerr := s.GetPermission(ctx, rec.PermissionID); gerr == nil {
			return ErrDuplicatePermission
		}
		return ErrPendingConflict
	}
	return nil
}

// GetPermission returns a permission record by id.
func (s *SQLiteStore) GetPermission(ctx context.Context, permissionID string) (*PermissionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT permission_id, conversation_key, requester_user_id, status, expires_at, response
		FROM permission_requests WHERE permission_id = ?`, permissionID)

	var rec PermissionRecord
	err := row.Scan(&rec.PermissionID, &rec.ConversationKey, &rec.RequesterUserID,
		&rec.Status, &rec.ExpiresAtUnix, &rec.Response)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying permission record: %w", err)
	}
	return &rec, nil
}

// TransitionPermission moves a pending record to a terminal status.
// The WHERE clause makes the check-and-set atomic: of two racing
// resolvers exactly one sees a row change.
func (s *SQLiteStore) TransitionPermission(ctx context.Context, permissionID, status, response string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE permission_requests SET status = ?, response = ?
		WHERE permission_id = ? AND status = ?`,
		status, response, permissionID, PermissionPending)
	if err != nil {
		return 0, fmt.Errorf("transitioning permission record: %w", err)
	}
	return res.RowsAffected()
}

// ListExpiredPending returns pending records whose deadline has passed.
func (s *SQLiteStore) ListExpiredPending(ctx context.Context, nowUnix int64) ([]*PermissionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT permission_id, conversation_key, requester_user_id, status, expires_at, response
		FROM permission_requests WHERE status = ? AND expires_at <= ?`,
		PermissionPending, nowUnix)
	if err != nil {
		return nil, fmt.Errorf("querying expired permissions: %w", err)
	}
	defer rows.Close()

	var recs []*PermissionRecord
	for rows.Next() {
		var rec PermissionRecord
		if err := rows.Scan(&rec.PermissionID, &rec.ConversationKey, &rec.RequesterUserID,
			&rec.Status, &rec.ExpiresAtUnix, &rec.Response); err != nil {
			return nil, fmt.Errorf("scanning permission record: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// HasPendingForConversation reports whether the conversation has a
// still-live pending record. Used to enforce one open request per key.
func (s *SQLiteStore) HasPendingForConversation(ctx context.Context, key string, nowUnix int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permission_requests
		WHERE conversation_key = ? AND status = ? AND expires_at > ?`,
		key, PermissionPending, nowUnix)

	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("counting pending permissions: %w", err)
	}
	return n > 0, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
