// ABOUTME: PersistenceError wraps any storage failure raised by the conversation layer
// ABOUTME: Callers map it to a retryable response; the layer never retries internally

package conversation

import "fmt"

// PersistenceError reports that a storage operation failed. The operation
// may or may not have taken effect; retrying the whole event is safe because
// every write is idempotent or guarded by a store constraint.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
