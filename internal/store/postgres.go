// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Schema is managed by golang-migrate with migrations embedded in the binary

package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// pgUniqueViolation is the SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// PostgresOptions tunes the connection pool. Zero values keep pgxpool defaults.
type PostgresOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgresStore connects to dsn, applies pending migrations and returns the store.
func NewPostgresStore(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "driver", "postgres")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := migratePool(pool, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// MigratePostgres applies every pending up migration to the database at dsn.
// NewPostgresStore calls this implicitly; the migrate subcommand calls it directly.
func MigratePostgres(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()

	return migratePool(pool, slog.Default().With("component", "store", "driver", "postgres"))
}

func migratePool(pool *pgxpool.Pool, logger *slog.Logger) error {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading migration version: %w", err)
	}
	logger.Info("schema up to date", "version", version, "dirty", dirty)
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func pgTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// EnsureUser inserts the user or merges the update in a single statement.
func (s *PostgresStore) EnsureUser(ctx context.Context, u *UserUpsert) error {
	name := u.Name
	if name == "" {
		name = PlaceholderName
	}
	now := u.Now
	if now.IsZero() {
		now = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, name, phone_number, last_seen, is_active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			name = CASE
				WHEN (users.name = '' OR users.name = $6) AND EXCLUDED.name <> $6
				THEN EXCLUDED.name ELSE users.name END,
			phone_number = CASE
				WHEN users.phone_number = '' THEN EXCLUDED.phone_number ELSE users.phone_number END,
			last_seen = CASE
				WHEN EXCLUDED.last_seen IS NOT NULL AND (users.last_seen IS NULL OR EXCLUDED.last_seen > users.last_seen)
				THEN EXCLUDED.last_seen ELSE users.last_seen END
	`, u.ID, name, u.PhoneNumber, pgTime(u.LastSeen), now.UTC(), PlaceholderName)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	s.logger.Debug("ensured user", "user_id", u.ID)
	return nil
}

// GetUser retrieves a user by normalized key.
// Returns ErrNotFound if the user doesn't exist.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	var lastSeen *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT user_id, name, phone_number, last_seen, is_active, created_at
		FROM users WHERE user_id = $1
	`, id).Scan(&user.ID, &user.Name, &user.PhoneNumber, &lastSeen, &user.IsActive, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if lastSeen != nil {
		user.LastSeen = lastSeen.UTC()
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func scanPgConversation(row pgx.Row) (*Conversation, error) {
	var conv Conversation
	var lastID, lastContent *string
	var lastAt *time.Time

	if err := row.Scan(
		&conv.ID,
		&conv.PairKey,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.Status,
		&conv.StartTime,
		&lastID,
		&lastContent,
		&lastAt,
	); err != nil {
		return nil, err
	}

	conv.StartTime = conv.StartTime.UTC()
	if lastID != nil {
		summary := &MessageSummary{MessageID: *lastID}
		if lastContent != nil {
			summary.Content = *lastContent
		}
		if lastAt != nil {
			summary.At = lastAt.UTC()
		}
		conv.LastMessage = summary
	}
	return &conv, nil
}

func (s *PostgresStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanPgConversation(rows)
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

// ListActiveConversationsFor returns the active conversations that include participant.
func (s *PostgresStore) ListActiveConversationsFor(ctx context.Context, participant string) ([]*Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status = 'active' AND (participant_a = $1 OR participant_b = $1)
		ORDER BY start_time ASC
	`, participant)
}

// GetActiveConversationByPair retrieves the active conversation for a pair key.
func (s *PostgresStore) GetActiveConversationByPair(ctx context.Context, pairKey string) (*Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE pair_key = $1 AND status = 'active'
	`, pairKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by pair: %w", err)
	}
	return conv, nil
}

// CreateConversation returns ErrDuplicateConversation when the pair already
// has an active conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	status := conv.Status
	if status == "" {
		status = ConversationActive
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (conversation_id, pair_key, participant_a, participant_b, status, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, conv.ID, conv.PairKey, conv.ParticipantA, conv.ParticipantB, status, conv.StartTime.UTC())
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "pair_key", conv.PairKey)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := scanPgConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE conversation_id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations retrieves conversations ordered by most recent activity.
func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	limit := clampLimit(filter.Limit)

	if filter.Participant != "" {
		return s.queryConversations(ctx, `
			SELECT `+conversationColumns+`
			FROM conversations
			WHERE participant_a = $1 OR participant_b = $1
			ORDER BY COALESCE(last_message_at, start_time) DESC
			LIMIT $2
		`, filter.Participant, limit)
	}

	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY COALESCE(last_message_at, start_time) DESC
		LIMIT $1
	`, limit)
}

// AppendMessage inserts the message and, only on first insert, updates the
// conversation summary in the same transaction.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (bool, error) {
	msgType := msg.Type
	if msgType == "" {
		msgType = MessageTypeText
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (message_id, conversation_id, sender_id, content, message_type, timestamp, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (message_id) DO NOTHING
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msgType, msg.Timestamp.UTC(), createdAt.UTC())
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("message already stored", "id", msg.ID)
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE conversations
		SET last_message_id = $1, last_message_content = $2, last_message_at = $3
		WHERE conversation_id = $4
	`, msg.ID, msg.Content, msg.Timestamp.UTC(), msg.ConversationID)
	if err != nil {
		return false, fmt.Errorf("updating conversation summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return true, nil
}

func scanPgMessage(row pgx.Row) (*Message, error) {
	var msg Message
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.Type,
		&msg.Timestamp,
		&msg.IsRead,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	msg.Timestamp = msg.Timestamp.UTC()
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := scanPgMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages retrieves the most recent messages in event-time order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY timestamp DESC, message_id DESC
			LIMIT $2
		) recent
		ORDER BY timestamp ASC, message_id ASC
	`, conversationID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanPgMessage(rows)
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
func (s *PostgresStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read
	`, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return tag.RowsAffected(), nil
}
