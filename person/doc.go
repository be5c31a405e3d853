// Package person stores person records in a document collection and
// implements their update, delete and concurrency-control rules.
//
// Records are located either by id or by a match key: the
// (nickname, status, age) triple. A match key is not unique, so [Store.Update]
// and [Store.Delete] act on every record equal on all three fields and
// report an [Outcome] with one of four states:
//
//   - [NoMatch] - nothing matched; nothing was written
//   - [Success] - every matched record was updated or deleted
//   - [PartialSuccess] - some per-record actions failed
//   - [Failed] - every per-record action failed
//
// Per-record actions are independent: one failure does not stop the rest.
//
// # Atomic operations
//
// [Store.IncrementAge] reads and rewrites age inside one transaction; the
// backing store re-runs it on conflicting concurrent writes, so no
// increment is lost. [Store.Rename] writes nickname and status as one
// batch with no read and no retry; both fields change or neither does.
//
// # Errors
//
//   - [ValidationError] - malformed input, rejected before any store call
//   - [ErrNoMatch] - returned by [Outcome.Err] when nothing matched
//   - [PerRecordError] - one record's merge or delete failed
//   - [TransactionError] - the increment transaction failed
//   - [BatchError] - the rename batch failed as a whole
//   - [TransportError] - any other store client failure
//
// The package never logs; callers decide how to surface results.
package person
