package person

import (
	"errors"
	"fmt"
)

// ErrNoMatch is reported when a match key selects no records. It is an
// outcome, not a failure: see Outcome.Err.
var ErrNoMatch = errors.New("person: no person matched the query")

// ValidationError reports malformed input caught before any store call.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("person: invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("person: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// PerRecordError is one record's failed merge or delete inside a
// multi-match update or delete.
type PerRecordError struct {
	ID  string
	Op  string
	Err error
}

func (e *PerRecordError) Error() string {
	return fmt.Sprintf("person: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PerRecordError) Unwrap() error { return e.Err }

// TransactionError reports a failed read-modify-write transaction,
// including exhausted conflict retries.
type TransactionError struct {
	ID  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("person: transaction on %s: %v", e.ID, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// BatchError reports a grouped write that failed as a whole.
type BatchError struct {
	ID  string
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("person: batch on %s: %v", e.ID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// TransportError wraps a failure of the store client outside the
// transaction, batch and per-record paths.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("person: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
