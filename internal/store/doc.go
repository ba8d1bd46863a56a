// Package store provides persistent storage for the bridge.
//
// # Architecture
//
// Store is the single interface the pipelines depend on. Two backends
// implement it:
//
//   - SQLiteStore: modernc.org/sqlite, schema created on open (default)
//   - PostgresStore: pgx connection pool, schema managed by golang-migrate
//
// MockStore is an in-memory implementation with failure injection for tests.
//
// # Data Models
//
//   - User: participant keyed by normalized identity, with name and last_seen
//   - Conversation: two-party exchange keyed by an order-independent pair key
//   - Message: text message keyed by provider or generated ID
//
// # Uniqueness
//
// The pipelines take no locks. Correctness under concurrent webhook
// deliveries comes from the store:
//
//   - messages.message_id is the primary key; AppendMessage inserts with
//     ON CONFLICT DO NOTHING and reports whether a row was created
//   - a partial unique index on conversations(pair_key) WHERE status = 'active'
//     rejects a second active conversation for the same pair with
//     ErrDuplicateConversation
//   - EnsureUser is a single upsert statement whose merge rules (name
//     backfill, monotonic last_seen) run inside the database
//
// AppendMessage writes the message and the conversation's last-message
// summary in one transaction.
//
// # SQLite Configuration
//
// Pragmas are passed in the DSN so they apply to every pooled connection:
//
//	foreign_keys(1), busy_timeout(5000), journal_mode(WAL)
//
// Transactions begin IMMEDIATE so concurrent appends wait on the busy
// timeout instead of failing on lock upgrade.
//
// Timestamps are stored as fixed-width UTC text so they compare correctly.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: active conversation already exists for the pair
package store
