// ABOUTME: Error taxonomy for the ingestion and dispatch pipelines
// ABOUTME: ShapeError and SendError are local; PersistenceError comes from the conversation layer

package bridge

import (
	"fmt"

	"github.com/2389/wabridge/internal/conversation"
)

// PersistenceError reports a storage failure. Webhook callers answer with a
// retryable status; dispatch callers surface it directly.
type PersistenceError = conversation.PersistenceError

// ShapeError reports a malformed or incomplete event. It is never retried.
type ShapeError struct {
	Field  string
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func missing(field string) error {
	return &ShapeError{Field: field, Reason: "missing"}
}

// SendError reports that the provider refused or failed an outbound send.
// No storage has been touched when it is returned.
type SendError struct {
	Recipient string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending to %s: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
