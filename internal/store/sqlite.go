package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// sqliteDSN applies the pragmas on every pooled connection, not just the
// first one.
func sqliteDSN(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS interview_sessions (
		owner_key TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		session_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interview_sessions_updated ON interview_sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save creates or replaces the owner's session record.
func (s *SQLiteStore) Save(ctx context.Context, owner string, sess *domain.Session) error {
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO interview_sessions (owner_key, session_id, mode, session_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_key) DO UPDATE SET
		session_id = excluded.session_id,
		mode = excluded.mode,
		session_json = excluded.session_json,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		Key(owner), sess.ID, string(sess.Mode), string(data),
		sess.CreatedAt.Unix(), sess.LastActivityAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Load returns the owner's session or nil when none is stored.
func (s *SQLiteStore) Load(ctx context.Context, owner string, mode domain.Mode) (*domain.Session, error) {
	query := `SELECT mode, session_json FROM interview_sessions WHERE owner_key = ?`

	var storedMode, data string
	err := s.db.QueryRowContext(ctx, query, Key(owner)).Scan(&storedMode, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	if mode != "" && domain.Mode(storedMode) != mode {
		return nil, fmt.Errorf("%w: stored %s, want %s", ErrModeMismatch, storedMode, mode)
	}
	return decodeSession([]byte(data))
}

// Delete removes the owner's session.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) Delete(ctx context.Context, owner string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteOnce(ctx, owner)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := shared.Backoff(baseDelay, i)
			slog.Debug("Delete session failed with SQLITE_BUSY, retrying",
				"owner", owner,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		return fmt.Errorf("failed to delete session for %s after %d attempts: %w", owner, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) deleteOnce(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM interview_sessions WHERE owner_key = ?`, Key(owner)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteIdle removes sessions idle since before cutoff and returns their owners.
func (s *SQLiteStore) DeleteIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin idle cleanup: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to rollback idle cleanup", "error", rbErr)
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT owner_key FROM interview_sessions WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}

	var owners []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		owners = append(owners, OwnerFromKey(key))
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close idle sessions rows", "error", err)
	}

	if len(owners) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM interview_sessions WHERE updated_at < ?`, cutoff.Unix()); err != nil {
		return nil, fmt.Errorf("delete idle sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit idle cleanup: %w", err)
	}
	return owners, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
