// Package memory provides an in-process docstore.Client with optimistic
// transactions and hooks for injecting failures and concurrent writers.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/personstore/docstore"
	"github.com/jacentio/personstore/internal/txn"
)

type key struct {
	collection string
	id         string
}

type entry struct {
	version int64
	fields  docstore.Fields
}

// Store is an in-memory document store. The zero value is not usable; call New.
type Store struct {
	mu     sync.RWMutex
	docs   map[key]*entry
	config docstore.Config

	hookMu       sync.RWMutex
	beforeCommit func(attempt int)
	failWrite    func(w docstore.Write) error
}

var _ docstore.Client = (*Store)(nil)

// New creates an empty Store.
func New(config docstore.Config) *Store {
	config.Validate()
	return &Store{
		docs:   make(map[key]*entry),
		config: config,
	}
}

// BeforeCommit registers fn to run before every transaction commit, outside
// the store lock. Tests use it to write concurrently between a
// transaction's reads and its commit.
func (s *Store) BeforeCommit(fn func(attempt int)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.beforeCommit = fn
}

// FailWrite registers fn to vet every write before it is applied. A non-nil
// return fails the write; for batches and transactions it fails the whole
// commit before anything is applied.
func (s *Store) FailWrite(fn func(w docstore.Write) error) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.failWrite = fn
}

func (s *Store) hooks() (func(int), func(docstore.Write) error) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.beforeCommit, s.failWrite
}

// Len returns the number of documents in collection.
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.docs {
		if k.collection == collection {
			n++
		}
	}
	return n
}

// Insert stores a new document under a random id.
func (s *Store) Insert(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if _, fail := s.hooks(); fail != nil {
		if err := fail(docstore.Write{Collection: collection, ID: id, Fields: fields}); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key{collection, id}] = &entry{version: 1, fields: docstore.NormalizeFields(fields)}
	return id, nil
}

// Get returns a copy of the document.
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[key{collection, id}]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return &docstore.Document{ID: id, Version: e.version, Fields: e.fields.Clone()}, nil
}

// Query scans the collection under one read lock.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []docstore.Document{}
	for k, e := range s.docs {
		if k.collection != collection {
			continue
		}
		ok, err := q.Match(e.fields)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, docstore.Document{ID: k.id, Version: e.version, Fields: e.fields.Clone()})
		}
	}
	q.Order(out)
	return out, nil
}

// MergeUpdate merges fields into an existing document.
func (s *Store) MergeUpdate(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := docstore.Write{Collection: collection, ID: id, Fields: fields}
	if _, fail := s.hooks(); fail != nil {
		if err := fail(w); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key{collection, id}]; !ok {
		return docstore.ErrNotFound
	}
	if len(fields) > 0 {
		s.apply(w)
	}
	return nil
}

// Delete removes the document if present.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, fail := s.hooks(); fail != nil {
		if err := fail(docstore.Write{Collection: collection, ID: id}); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key{collection, id})
	return nil
}

// apply merges w into its document. Caller holds s.mu and has checked the
// document exists.
func (s *Store) apply(w docstore.Write) {
	e := s.docs[key{w.Collection, w.ID}]
	merged := e.fields.Clone()
	for k, v := range w.Fields {
		merged[k] = docstore.Normalize(v)
	}
	e.fields = merged
	e.version++
}

// RunTransaction runs fn against a snapshot-tracking transaction and
// commits when no document it read has changed, retrying on conflict.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return txn.Run(ctx, s.config.MaxAttempts, 0, 0, func(ctx context.Context, attempt int) error {
		tx := &transaction{store: s, reads: make(map[key]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if before, _ := s.hooks(); before != nil {
			before(attempt)
		}
		return tx.commit()
	})
}

// RunBatch stages fn's writes and applies them only if every target
// document exists and every write passes the FailWrite hook.
func (s *Store) RunBatch(ctx context.Context, fn func(b docstore.Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := &batch{}
	if err := fn(b); err != nil {
		return err
	}
	if len(b.writes) == 0 {
		return docstore.ErrEmptyBatch
	}

	_, fail := s.hooks()
	if fail != nil {
		for _, w := range b.writes {
			if err := fail(w); err != nil {
				return err
			}
		}
	}

	writes := docstore.Coalesce(b.writes)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		if _, ok := s.docs[key{w.Collection, w.ID}]; !ok {
			return docstore.ErrNotFound
		}
	}
	for _, w := range writes {
		s.apply(w)
	}
	return nil
}

type batch struct {
	writes []docstore.Write
}

func (b *batch) Update(collection, id string, fields docstore.Fields) {
	b.writes = append(b.writes, docstore.Write{Collection: collection, ID: id, Fields: fields})
}

type transaction struct {
	store  *Store
	reads  map[key]int64 // version observed, 0 when missing
	writes []docstore.Write
}

func (t *transaction) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if len(t.writes) > 0 {
		return nil, docstore.ErrReadAfterWrite
	}
	doc, err := t.store.Get(ctx, collection, id)
	switch {
	case err == nil:
		t.reads[key{collection, id}] = doc.Version
	case errors.Is(err, docstore.ErrNotFound):
		t.reads[key{collection, id}] = 0
	}
	return doc, err
}

func (t *transaction) Update(collection, id string, fields docstore.Fields) error {
	t.writes = append(t.writes, docstore.Write{Collection: collection, ID: id, Fields: fields})
	return nil
}

func (t *transaction) commit() error {
	s := t.store
	if len(t.writes) == 0 {
		return nil
	}

	_, fail := s.hooks()
	if fail != nil {
		for _, w := range t.writes {
			if err := fail(w); err != nil {
				return err
			}
		}
	}

	writes := docstore.Coalesce(t.writes)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, version := range t.reads {
		var current int64
		if e, ok := s.docs[k]; ok {
			current = e.version
		}
		if current != version {
			return docstore.ErrConflict
		}
	}
	for _, w := range writes {
		if _, ok := s.docs[key{w.Collection, w.ID}]; !ok {
			return docstore.ErrNotFound
		}
	}
	for _, w := range writes {
		s.apply(w)
	}
	return nil
}
