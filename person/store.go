package person

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jacentio/personstore/docstore"
)

// Store is the person-record facade over one document collection. It holds
// no mutable state and is safe for concurrent use.
type Store struct {
	client     docstore.Client
	collection string
}

// New creates a Store over the persons collection.
func New(client docstore.Client) *Store {
	return NewWithCollection(client, DefaultCollection)
}

// NewWithCollection creates a Store over a named collection.
func NewWithCollection(client docstore.Client, collection string) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Store{client: client, collection: collection}
}

// Collection returns the collection name.
func (s *Store) Collection() string {
	return s.collection
}

// Create inserts p under a store-assigned id. There is no duplicate check.
func (s *Store) Create(ctx context.Context, p Person) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	id, err := s.client.Insert(ctx, s.collection, p.fields())
	if err != nil {
		return "", &TransportError{Op: "create", Err: err}
	}
	return id, nil
}

// FindByAttributes returns every record whose nickname, status and age all
// equal the given values, from one snapshot.
func (s *Store) FindByAttributes(ctx context.Context, nickname, status string, age int) ([]Record, error) {
	return s.find(ctx, Person{Nickname: nickname, Status: status, Age: age})
}

func (s *Store) find(ctx context.Context, match Person) ([]Record, error) {
	docs, err := s.client.Query(ctx, s.collection, match.matchQuery())
	if err != nil {
		return nil, &TransportError{Op: "query", Err: err}
	}
	return toRecords(docs), nil
}

// Update merges patch into every record matching the match key. Each merge
// is attempted independently; per-record failures are reported in the
// Outcome. The returned error is non-nil only for invalid input or a failed
// lookup.
func (s *Store) Update(ctx context.Context, match Person, patch Patch) (*Outcome, error) {
	if err := match.Validate(); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	matches, err := s.find(ctx, match)
	if err != nil {
		return nil, err
	}

	fields := patch.fields()
	results := make([]RecordResult, 0, len(matches))
	for _, rec := range matches {
		res := RecordResult{ID: rec.ID}
		if err := s.client.MergeUpdate(ctx, s.collection, rec.ID, fields); err != nil {
			res.Err = &PerRecordError{ID: rec.ID, Op: "update", Err: err}
		}
		results = append(results, res)
	}
	return newOutcome("update", results), nil
}

// Delete removes every record matching the match key, whole, by id. Each
// delete is attempted independently.
func (s *Store) Delete(ctx context.Context, match Person) (*Outcome, error) {
	if err := match.Validate(); err != nil {
		return nil, err
	}

	matches, err := s.find(ctx, match)
	if err != nil {
		return nil, err
	}

	results := make([]RecordResult, 0, len(matches))
	for _, rec := range matches {
		res := RecordResult{ID: rec.ID}
		if err := s.client.Delete(ctx, s.collection, rec.ID); err != nil {
			res.Err = &PerRecordError{ID: rec.ID, Op: "delete", Err: err}
		}
		results = append(results, res)
	}
	return newOutcome("delete", results), nil
}

// QueryByAgeRange returns records with from < age < to, ascending by age.
// Both bounds are exclusive.
func (s *Store) QueryByAgeRange(ctx context.Context, from, to int) ([]Record, error) {
	docs, err := s.client.Query(ctx, s.collection, docstore.Query{
		Where: []docstore.Predicate{
			docstore.GreaterThan(FieldAge, from),
			docstore.LessThan(FieldAge, to),
		},
		OrderBy: FieldAge,
	})
	if err != nil {
		return nil, &TransportError{Op: "query", Err: err}
	}
	return toRecords(docs), nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	doc, err := s.client.Get(ctx, s.collection, id)
	if err != nil {
		return nil, &TransportError{Op: "get", Err: err}
	}
	rec := recordFromDocument(*doc)
	return &rec, nil
}

// IncrementAge adds one to the record's age inside a single transaction so
// concurrent increments are never lost. Conflict retry is the store's; this
// method does not retry.
func (s *Store) IncrementAge(ctx context.Context, id string) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, s.collection, id)
		if err != nil {
			return err
		}
		age, ok := docstore.Int64(doc.Fields[FieldAge])
		if !ok {
			return fmt.Errorf("%s is %v, not an integer", FieldAge, doc.Fields[FieldAge])
		}
		if age == math.MaxInt64 {
			return fmt.Errorf("%s %d cannot be incremented", FieldAge, age)
		}
		return tx.Update(s.collection, id, docstore.Fields{FieldAge: age + 1})
	})
	if err != nil {
		return &TransactionError{ID: id, Err: err}
	}
	return nil
}

// Rename writes nickname and status to the record as one batch: both commit
// or neither does. There is no read and no conflict retry.
func (s *Store) Rename(ctx context.Context, id, nickname, status string) error {
	if nickname == "" {
		return &ValidationError{Field: FieldNickname, Reason: "must not be empty"}
	}
	err := s.client.RunBatch(ctx, func(b docstore.Batch) error {
		b.Update(s.collection, id, docstore.Fields{FieldNickname: nickname})
		b.Update(s.collection, id, docstore.Fields{FieldStatus: status})
		return nil
	})
	if err != nil {
		return &BatchError{ID: id, Err: err}
	}
	return nil
}

func toRecords(docs []docstore.Document) []Record {
	out := make([]Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, recordFromDocument(d))
	}
	return out
}

// IsNotFound reports whether err means the record doesn't exist.
func IsNotFound(err error) bool {
	return errors.Is(err, docstore.ErrNotFound)
}
