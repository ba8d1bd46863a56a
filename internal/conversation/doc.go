// Package conversation owns the persistent model of who talks to whom.
//
// # Components
//
//   - Directory: EnsureUser creates or refreshes a participant record
//   - Resolver: Resolve maps a participant pair to its single active conversation
//   - Ledger: Append records a message exactly once per message ID
//   - EventBroadcaster: in-memory fan-out of NewMessageEvent to operator clients
//
// Every component takes already-normalized identity keys (see package
// identity) and wraps storage failures in *PersistenceError.
//
// # Concurrency
//
// Nothing here holds a lock across storage calls. Two first contacts for the
// same pair race on the store's unique active-pair index; the loser re-reads
// the winner. Two deliveries of the same provider message race on the
// message primary key; the loser sees Created=false.
//
// # Last-message summary
//
// The summary on a conversation follows the order in which appends complete,
// not event time. An older message that arrives late becomes the summary
// until the next append. History ordering is unaffected because History
// sorts by event time.
package conversation
