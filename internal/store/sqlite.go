package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meridianapps/chatdock/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
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

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		title TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_agent
		ON chat_sessions(user_id, agent_id) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON chat_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS token_accounts (
		user_id TEXT PRIMARY KEY,
		monthly_tokens INTEGER NOT NULL CHECK (monthly_tokens >= 0),
		extra_tokens INTEGER NOT NULL CHECK (extra_tokens >= 0),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
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

// CreateSession creates a new active session, deactivating any previous
// active session for the same (user, agent) pair.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET is_active = 0, updated_at = ? WHERE user_id = ? AND agent_id = ? AND is_active = 1`,
		session.CreatedAt.Unix(), session.UserID, session.AgentID,
	); err != nil {
		return fmt.Errorf("deactivate previous session: %w", err)
	}

	var title sql.NullString
	if session.Title != "" {
		title = sql.NullString{String: session.Title, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, agent_id, agent_name, title, is_active, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, 0, ?, ?)`,
		session.ID, session.UserID, session.AgentID, session.AgentName, title,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	session.IsActive = true
	return nil
}

// GetActiveSession retrieves the active session for a (user, agent) pair.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, userID, agentID string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, agent_name, title, is_active, message_count, created_at, updated_at
		 FROM chat_sessions WHERE user_id = ? AND agent_id = ? AND is_active = 1`,
		userID, agentID,
	)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions retrieves all sessions for a user, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, agent_id, agent_name, title, is_active, message_count, created_at, updated_at
		 FROM chat_sessions WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SetSessionTitle sets a session title only when one has not been set yet.
func (s *SQLiteStore) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET title = ? WHERE id = ? AND (title IS NULL OR title = '')`,
		title, sessionID,
	)
	if err != nil {
		return fmt.Errorf("set session title: %w", err)
	}
	return nil
}

// AppendMessage persists a message and bumps the session counters. The
// bumped counter doubles as the message's sequence number, so the durable
// order is the append order even when timestamps collide.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE chat_sessions SET message_count = message_count + 1, updated_at = ?
		 WHERE id = ? RETURNING message_count`,
		msg.CreatedAt.Unix(), msg.SessionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("bump session counters: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, seq, string(msg.Role), msg.Content, msg.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// ListMessages retrieves the ordered history of a session.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.MessageRole(role)
		msg.Delivery = domain.DeliveryPersisted
		msg.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// EnsureAccount creates the token account for a user if missing.
func (s *SQLiteStore) EnsureAccount(ctx context.Context, userID string, monthlyGrant int64) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_accounts (user_id, monthly_tokens, extra_tokens, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, monthlyGrant, now, now,
	)
	if err != nil {
		return fmt.Errorf("ensure token account: %w", err)
	}
	return nil
}

// GetBalance retrieves the current token balance for a user.
func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (domain.TokenBalance, error) {
	var balance domain.TokenBalance
	err := s.db.QueryRowContext(ctx,
		`SELECT monthly_tokens, extra_tokens FROM token_accounts WHERE user_id = ?`,
		userID,
	).Scan(&balance.MonthlyTokens, &balance.ExtraTokens)
	if err == sql.ErrNoRows {
		return domain.TokenBalance{}, fmt.Errorf("token account for %s not found", userID)
	}
	if err != nil {
		return domain.TokenBalance{}, fmt.Errorf("scan token account: %w", err)
	}
	return balance, nil
}

// Debit atomically decrements the balance, monthly pool first. The guard
// in the WHERE clause makes the check-then-decrement a single statement,
// so concurrent debits can never drive the balance negative.
func (s *SQLiteStore) Debit(ctx context.Context, userID string, amount int64) (domain.TokenBalance, error) {
	if amount < 0 {
		return domain.TokenBalance{}, fmt.Errorf("debit amount cannot be negative: %d", amount)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE token_accounts SET
			monthly_tokens = CASE WHEN monthly_tokens >= ?1 THEN monthly_tokens - ?1 ELSE 0 END,
			extra_tokens   = CASE WHEN monthly_tokens >= ?1 THEN extra_tokens ELSE extra_tokens - (?1 - monthly_tokens) END,
			updated_at = ?2
		 WHERE user_id = ?3 AND monthly_tokens + extra_tokens >= ?1`,
		amount, time.Now().Unix(), userID,
	)
	if err != nil {
		return domain.TokenBalance{}, fmt.Errorf("debit tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.TokenBalance{}, fmt.Errorf("debit rows affected: %w", err)
	}
	if affected == 0 {
		// Either the account is missing or it cannot cover the amount.
		balance, berr := s.GetBalance(ctx, userID)
		if berr != nil {
			return domain.TokenBalance{}, berr
		}
		return balance, ErrInsufficientFunds
	}
	return s.GetBalance(ctx, userID)
}

// Credit adds purchased extra tokens to an account.
func (s *SQLiteStore) Credit(ctx context.Context, userID string, amount int64) (domain.TokenBalance, error) {
	if amount < 0 {
		return domain.TokenBalance{}, fmt.Errorf("credit amount cannot be negative: %d", amount)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE token_accounts SET extra_tokens = extra_tokens + ?, updated_at = ? WHERE user_id = ?`,
		amount, time.Now().Unix(), userID,
	)
	if err != nil {
		return domain.TokenBalance{}, fmt.Errorf("credit tokens: %w", err)
	}
	return s.GetBalance(ctx, userID)
}

// ResetMonthly replaces the monthly pool with the given grant.
func (s *SQLiteStore) ResetMonthly(ctx context.Context, userID string, grant int64) (domain.TokenBalance, error) {
	if grant < 0 {
		return domain.TokenBalance{}, fmt.Errorf("monthly grant cannot be negative: %d", grant)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE token_accounts SET monthly_tokens = ?, updated_at = ? WHERE user_id = ?`,
		grant, time.Now().Unix(), userID,
	)
	if err != nil {
		return domain.TokenBalance{}, fmt.Errorf("reset monthly tokens: %w", err)
	}
	return s.GetBalance(ctx, userID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.ChatSession, error) {
	var session domain.ChatSession
	var title sql.NullString
	var isActive int
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.ID, &session.UserID, &session.AgentID, &session.AgentName,
		&title, &isActive, &session.MessageCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Title = title.String
	session.IsActive = isActive != 0
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}
