// Package bridge runs the two pipelines between the messaging provider and
// the conversation store.
//
// Ingest takes one decoded provider message through
//
//	Received -> Validated -> Normalized -> ConversationResolved -> Persisted -> Notified
//
// or stops at Rejected when a required field is missing. Replaying the same
// provider message ID reaches Notified with Duplicate set and publishes
// nothing.
//
// Dispatch sends an operator message through the provider first and records
// it only once the provider accepted it.
//
// Errors are classified for the transport layer:
//
//   - *ShapeError: malformed input, acknowledge and drop
//   - *PersistenceError: storage failed, answer with a retryable status
//   - *SendError: provider refused the outbound message, nothing stored
package bridge
