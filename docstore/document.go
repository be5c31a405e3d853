package docstore

import (
	"context"
	"sort"
)

// Fields maps field names to values. Values are string, int64, float64, bool
// or nil once normalized; other integer kinds are accepted on input.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Document is a stored document.
type Document struct {
	// ID is the store-assigned identifier.
	ID string

	// Version increments on every write. Zero when the backend doesn't track it.
	Version int64

	// Fields holds the user fields; managed attributes are not included.
	Fields Fields
}

// Op is a predicate comparison operator.
type Op string

const (
	OpEqual       Op = "=="
	OpGreaterThan Op = ">"
	OpLessThan    Op = "<"
)

// Predicate compares one field against a value.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Equal matches documents whose field equals v.
func Equal(field string, v any) Predicate {
	return Predicate{Field: field, Op: OpEqual, Value: Normalize(v)}
}

// GreaterThan matches documents whose field is strictly greater than v.
func GreaterThan(field string, v any) Predicate {
	return Predicate{Field: field, Op: OpGreaterThan, Value: Normalize(v)}
}

// LessThan matches documents whose field is strictly less than v.
func LessThan(field string, v any) Predicate {
	return Predicate{Field: field, Op: OpLessThan, Value: Normalize(v)}
}

// Matches reports whether fields satisfy p. A missing field never matches,
// and neither do values of incomparable kinds.
func (p Predicate) Matches(fields Fields) (bool, error) {
	v, ok := fields[p.Field]
	if !ok {
		return false, nil
	}
	c, ok := Compare(v, p.Value)
	if !ok {
		return false, nil
	}
	switch p.Op {
	case OpEqual:
		return c == 0, nil
	case OpGreaterThan:
		return c > 0, nil
	case OpLessThan:
		return c < 0, nil
	}
	return false, ErrUnsupportedOp
}

// Query is a conjunction of predicates with an optional ascending order.
type Query struct {
	Where []Predicate

	// OrderBy names the field to sort ascending by. Empty leaves the order
	// to the backend.
	OrderBy string
}

// Validate checks every predicate uses a known operator.
func (q Query) Validate() error {
	for _, p := range q.Where {
		switch p.Op {
		case OpEqual, OpGreaterThan, OpLessThan:
		default:
			return ErrUnsupportedOp
		}
	}
	return nil
}

// Match reports whether fields satisfy every predicate of q.
func (q Query) Match(fields Fields) (bool, error) {
	for _, p := range q.Where {
		ok, err := p.Matches(fields)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Order sorts docs ascending by q.OrderBy. Documents missing the field or
// holding an incomparable value sort last, ties keep their id order.
func (q Query) Order(docs []Document) {
	if q.OrderBy == "" {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, aok := docs[i].Fields[q.OrderBy]
		b, bok := docs[j].Fields[q.OrderBy]
		if !aok || !bok {
			return aok && !bok
		}
		c, ok := Compare(a, b)
		if !ok || c == 0 {
			return docs[i].ID < docs[j].ID
		}
		return c < 0
	})
}

// Write is a merge of fields into one document.
type Write struct {
	Collection string
	ID         string
	Fields     Fields
}

// Coalesce folds writes on the same document into one merge, preserving the
// order in which documents first appear. Later fields win.
func Coalesce(writes []Write) []Write {
	type key struct{ collection, id string }
	index := make(map[key]int, len(writes))
	out := make([]Write, 0, len(writes))
	for _, w := range writes {
		k := key{w.Collection, w.ID}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, Write{Collection: w.Collection, ID: w.ID, Fields: Fields{}})
			i = len(out) - 1
		}
		for f, v := range w.Fields {
			out[i].Fields[f] = v
		}
	}
	return out
}

// Client is a document-store client.
type Client interface {
	// Insert stores a new document and returns its store-assigned id.
	Insert(ctx context.Context, collection string, fields Fields) (string, error)

	// Get returns the document with id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Query returns the documents matching q from one snapshot.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// MergeUpdate overwrites the given fields and leaves the rest untouched.
	// Returns ErrNotFound if the document doesn't exist.
	MergeUpdate(ctx context.Context, collection, id string, fields Fields) error

	// Delete removes the whole document. Deleting a missing document succeeds.
	Delete(ctx context.Context, collection, id string) error

	// RunTransaction runs fn and commits its writes atomically. fn may run
	// more than once when the commit conflicts with concurrent writes.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// RunBatch stages the writes registered by fn and commits them
	// all-or-nothing. fn runs exactly once.
	RunBatch(ctx context.Context, fn func(b Batch) error) error
}

// Tx is a transaction handle. All reads must happen before the first write.
type Tx interface {
	// Get reads a document and records its version for conflict detection.
	Get(ctx context.Context, collection, id string) (*Document, error)

	// Update buffers a merge of fields into an existing document.
	Update(collection, id string, fields Fields) error
}

// Batch collects writes for an atomic commit.
type Batch interface {
	// Update stages a merge of fields into an existing document.
	Update(collection, id string, fields Fields)
}
