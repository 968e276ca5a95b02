package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/ashureev/shsh-assist/internal/domain"
	"github.com/ashureev/shsh-assist/internal/shared"
)

const (
	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. The pragmas apply
	// to every pooled connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		processing_time_ms INTEGER,
		token_count INTEGER,
		succeeded INTEGER NOT NULL,
		is_fallback INTEGER NOT NULL,
		code_blocks_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess domain.Session) error {
	query := `
	INSERT INTO sessions (id, created_at, last_activity_at, message_count, is_active)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_activity_at = excluded.last_activity_at,
		message_count = excluded.message_count,
		is_active = excluded.is_active`

	return s.withBusyRetry(ctx, "upsert session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, sess.CreatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli(),
			sess.MessageCount, boolToInt(sess.IsActive),
		)
		return err
	})
}

// AppendMessage stores one message. Appending the same message ID twice is a no-op.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m domain.ChatMessage) error {
	var blocks any
	if len(m.CodeBlocks) > 0 {
		data, err := json.Marshal(m.CodeBlocks)
		if err != nil {
			return fmt.Errorf("marshal code blocks: %w", err)
		}
		blocks = string(data)
	}

	query := `
	INSERT INTO messages (id, session_id, role, content, timestamp,
		processing_time_ms, token_count, succeeded, is_fallback, code_blocks_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

	return s.withBusyRetry(ctx, "append message", func() error {
		_, err := s.db.ExecContext(ctx, query,
			m.ID, m.SessionID, string(m.Role), m.Content, m.Timestamp.UnixMilli(),
			nullable(m.ProcessingTimeMs), nullable(m.TokenCount),
			boolToInt(m.Succeeded), boolToInt(m.IsFallback), blocks,
		)
		return err
	})
}

// ListMessages returns the most recent messages of a session, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
	SELECT id, session_id, role, content, timestamp, processing_time_ms,
	       token_count, succeeded, is_fallback, code_blocks_json
	FROM (
		SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("Failed to close rows", "error", err)
		}
	}()

	var out []domain.ChatMessage
	for rows.Next() {
		var (
			m                 domain.ChatMessage
			role              string
			ts                int64
			procMs, tokens    sql.NullInt64
			succeeded, isFall int
			blocks            sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &ts,
			&procMs, &tokens, &succeeded, &isFall, &blocks); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.Timestamp = time.UnixMilli(ts)
		if procMs.Valid {
			v := procMs.Int64
			m.ProcessingTimeMs = &v
		}
		if tokens.Valid {
			v := int(tokens.Int64)
			m.TokenCount = &v
		}
		m.Succeeded = succeeded != 0
		m.IsFallback = isFall != 0
		if blocks.Valid && blocks.String != "" {
			if err := json.Unmarshal([]byte(blocks.String), &m.CodeBlocks); err != nil {
				return nil, fmt.Errorf("unmarshal code blocks: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	if len(out) == 0 {
		exists, err := s.sessionExists(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	return out, nil
}

// ListSessions returns stored sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	query := `
	SELECT id, created_at, last_activity_at, message_count, is_active
	FROM sessions ORDER BY last_activity_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("Failed to close rows", "error", err)
		}
	}()

	var out []domain.Session
	for rows.Next() {
		var (
			sess            domain.Session
			created, active int64
			isActive        int
		)
		if err := rows.Scan(&sess.ID, &created, &active, &sess.MessageCount, &isActive); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.CreatedAt = time.UnixMilli(created)
		sess.LastActivityAt = time.UnixMilli(active)
		sess.IsActive = isActive != 0
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and its messages in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withBusyRetry(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) sessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query session: %w", err)
	}
	return true, nil
}

// withBusyRetry retries op while SQLite reports lock contention.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = busyBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !shared.IsSQLiteConflictError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, busyRetries), ctx), func(err error, delay time.Duration) {
		s.logger.Debug("SQLite busy, retrying", "op", what, "delay", delay, "error", err)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable[T int | int64](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
