// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is a separate database
	if memory {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id      TEXT PRIMARY KEY,
			name         TEXT NOT NULL DEFAULT '',
			phone_number TEXT NOT NULL DEFAULT '',
			last_seen    TEXT,
			is_active    INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id      TEXT PRIMARY KEY,
			pair_key             TEXT NOT NULL,
			participant_a        TEXT NOT NULL,
			participant_b        TEXT NOT NULL,
			status               TEXT NOT NULL DEFAULT 'active',
			start_time           TEXT NOT NULL,
			last_message_id      TEXT,
			last_message_content TEXT,
			last_message_at      TEXT,

			CHECK (status IN ('active', 'closed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_pair
			ON conversations(pair_key) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_conversations_participant_a ON conversations(participant_a, status);
		CREATE INDEX IF NOT EXISTS idx_conversations_participant_b ON conversations(participant_b, status);

		CREATE TABLE IF NOT EXISTS messages (
			message_id      TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			content         TEXT NOT NULL,
			message_type    TEXT NOT NULL DEFAULT 'text',
			timestamp       TEXT NOT NULL,
			is_read         INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
			ON messages(conversation_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to databases created by
// earlier versions. SQLite has no ADD COLUMN IF NOT EXISTS, so each
// migration checks pragma_table_info first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "is_active",
			apply:  `ALTER TABLE users ADD COLUMN is_active INTEGER NOT NULL DEFAULT 1`,
		},
		{
			table:  "messages",
			column: "is_read",
			apply:  `ALTER TABLE messages ADD COLUMN is_read INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed: UNIQUE")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTime returns nil for the zero time so the column stays NULL
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", column, err)
	}
	return t, nil
}

// EnsureUser inserts the user or merges the update in a single statement,
// so concurrent callers never lose a backfilled name or a later last_seen.
func (s *SQLiteStore) EnsureUser(ctx context.Context, u *UserUpsert) error {
	name := u.Name
	if name == "" {
		name = PlaceholderName
	}
	now := u.Now
	if now.IsZero() {
		now = time.Now()
	}

	query := `
		INSERT INTO users (user_id, name, phone_number, last_seen, is_active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = CASE
				WHEN (users.name = '' OR users.name = ?) AND excluded.name <> ?
				THEN excluded.name ELSE users.name END,
			phone_number = CASE
				WHEN users.phone_number = '' THEN excluded.phone_number ELSE users.phone_number END,
			last_seen = CASE
				WHEN excluded.last_seen IS NOT NULL AND (users.last_seen IS NULL OR excluded.last_seen > users.last_seen)
				THEN excluded.last_seen ELSE users.last_seen END
	`

	_, err := s.db.ExecContext(ctx, query,
		u.ID,
		name,
		u.PhoneNumber,
		nullTime(u.LastSeen),
		formatTime(now),
		PlaceholderName,
		PlaceholderName,
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	s.logger.Debug("ensured user", "user_id", u.ID)
	return nil
}

// GetUser retrieves a user by normalized key.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT user_id, name, phone_number, last_seen, is_active, created_at
		FROM users
		WHERE user_id = ?
	`

	var user User
	var lastSeen sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Name,
		&user.PhoneNumber,
		&lastSeen,
		&user.IsActive,
		&createdAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if lastSeen.Valid {
		if user.LastSeen, err = parseTime("last_seen", lastSeen.String); err != nil {
			return nil, err
		}
	}
	if user.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}

	return &user, nil
}

const conversationColumns = `conversation_id, pair_key, participant_a, participant_b, status,
	start_time, last_message_id, last_message_content, last_message_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var startStr string
	var lastID, lastContent, lastAt sql.NullString

	if err := row.Scan(
		&conv.ID,
		&conv.PairKey,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.Status,
		&startStr,
		&lastID,
		&lastContent,
		&lastAt,
	); err != nil {
		return nil, err
	}

	var err error
	if conv.StartTime, err = parseTime("start_time", startStr); err != nil {
		return nil, err
	}

	if lastID.Valid {
		summary := &MessageSummary{MessageID: lastID.String, Content: lastContent.String}
		if lastAt.Valid {
			if summary.At, err = parseTime("last_message_at", lastAt.String); err != nil {
				return nil, err
			}
		}
		conv.LastMessage = summary
	}

	return &conv, nil
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// ListActiveConversationsFor returns the active conversations that include
// participant, using the per-participant indexes.
func (s *SQLiteStore) ListActiveConversationsFor(ctx context.Context, participant string) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = 'active' AND (participant_a = ? OR participant_b = ?)
		ORDER BY start_time ASC
	`
	return s.queryConversations(ctx, query, participant, participant)
}

// GetActiveConversationByPair retrieves the active conversation for a pair key.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetActiveConversationByPair(ctx context.Context, pairKey string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE pair_key = ? AND status = 'active'
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, pairKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by pair: %w", err)
	}
	return conv, nil
}

// CreateConversation creates a new conversation in the database.
// If an active conversation with the same pair key already exists,
// it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	status := conv.Status
	if status == "" {
		status = ConversationActive
	}

	query := `
		INSERT INTO conversations (conversation_id, pair_key, participant_a, participant_b, status, start_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.PairKey,
		conv.ParticipantA,
		conv.ParticipantB,
		status,
		formatTime(conv.StartTime),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "pair_key", conv.PairKey)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE conversation_id = ?
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations retrieves conversations ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	limit := clampLimit(filter.Limit)

	if filter.Participant != "" {
		query := `
			SELECT ` + conversationColumns + `
			FROM conversations
			WHERE participant_a = ? OR participant_b = ?
			ORDER BY COALESCE(last_message_at, start_time) DESC
			LIMIT ?
		`
		return s.queryConversations(ctx, query, filter.Participant, filter.Participant, limit)
	}

	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		ORDER BY COALESCE(last_message_at, start_time) DESC
		LIMIT ?
	`
	return s.queryConversations(ctx, query, limit)
}

// AppendMessage inserts the message and, only when the insert created a row,
// updates the conversation summary in the same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (bool, error) {
	msgType := msg.Type
	if msgType == "" {
		msgType = MessageTypeText
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, conversation_id, sender_id, content, message_type, timestamp, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(message_id) DO NOTHING
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		msgType,
		formatTime(msg.Timestamp),
		formatTime(createdAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if inserted == 0 {
		s.logger.Debug("message already stored", "id", msg.ID)
		return false, nil
	}

	updated, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = ?, last_message_content = ?, last_message_at = ?
		WHERE conversation_id = ?
	`,
		msg.ID,
		msg.Content,
		formatTime(msg.Timestamp),
		msg.ConversationID,
	)
	if err != nil {
		return false, fmt.Errorf("updating conversation summary: %w", err)
	}
	if n, err := updated.RowsAffected(); err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	} else if n == 0 {
		return false, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return true, nil
}

const messageColumns = `message_id, conversation_id, sender_id, content, message_type, timestamp, is_read, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var tsStr, createdAtStr string

	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.Type,
		&tsStr,
		&msg.IsRead,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	if msg.Timestamp, err = parseTime("timestamp", tsStr); err != nil {
		return nil, err
	}
	if msg.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE message_id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages retrieves the most recent `limit` messages of a conversation.
// Messages are returned in event-time order (oldest first).
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	// Take the N most recent, then order ascending
	query := `
		SELECT ` + messageColumns + `
		FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, message_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkConversationRead flags every unread message not sent by readerID.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0
	`, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}
