package docstore

import "errors"

var (
	// ErrNotFound is returned when a document doesn't exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrConflict is returned when a transaction commit observes a write made
	// after one of its reads. Backends retry the transaction on this error.
	ErrConflict = errors.New("docstore: document was modified concurrently")

	// ErrTxAborted is returned when a transaction still conflicts after
	// Config.MaxAttempts attempts.
	ErrTxAborted = errors.New("docstore: transaction aborted")

	// ErrReadAfterWrite is returned when a transaction reads a document after
	// it has buffered a write.
	ErrReadAfterWrite = errors.New("docstore: transaction reads must precede writes")

	// ErrUnsupportedOp is returned for a predicate operator the store can't evaluate.
	ErrUnsupportedOp = errors.New("docstore: unsupported predicate operator")

	// ErrEmptyBatch is returned when a batch commits with no staged writes.
	ErrEmptyBatch = errors.New("docstore: batch has no writes")
)
