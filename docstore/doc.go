// Package docstore defines the document-store client contract used by the
// person store and implemented by the memory, DynamoDB, MongoDB and Redis
// backends.
//
// A store holds schema-flexible documents in named collections. Documents
// carry a store-assigned string id and a set of [Fields]. The contract
// covers:
//
//   - Insert, Get, Query, MergeUpdate and Delete on single documents
//   - [Client.RunTransaction]: reads followed by buffered writes, committed
//     atomically with conflict detection and store-managed retry
//   - [Client.RunBatch]: a group of writes with no read phase, committed
//     all-or-nothing with no retry
//
// # Queries
//
// A [Query] is a conjunction of [Predicate] values on named fields,
// optionally ordered ascending by one field:
//
//	q := docstore.Query{
//	    Where: []docstore.Predicate{
//	        docstore.GreaterThan("age", 25),
//	        docstore.LessThan("age", 35),
//	    },
//	    OrderBy: "age",
//	}
//
// # Errors
//
//   - [ErrNotFound] - document doesn't exist
//   - [ErrConflict] - a transaction observed a concurrent write
//   - [ErrTxAborted] - a transaction kept conflicting until MaxAttempts
//   - [ErrReadAfterWrite] - a transaction read after buffering a write
//   - [ErrUnsupportedOp] - a predicate uses an operator the store can't run
//   - [ErrEmptyBatch] - a batch staged no writes
package docstore
