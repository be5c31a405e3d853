// Package mongostore implements docstore.Client on MongoDB. Each collection maps
// to a MongoDB collection of documents keyed by a string _id, carrying a
// managed version counter and timestamps next to the user fields.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/jacentio/personstore/docstore"
	"github.com/jacentio/personstore/internal/txn"
)

const (
	fieldID        = "_id"
	fieldVersion   = "version"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

func isManaged(name string) bool {
	switch name {
	case fieldID, "id", fieldVersion, fieldCreatedAt, fieldUpdatedAt:
		return true
	}
	return false
}

// Config holds configuration for the MongoDB store.
type Config struct {
	// CollectionPrefix is prepended to a collection name.
	// Default: ""
	CollectionPrefix string

	// MaxAttempts is how many times a transaction runs before giving up.
	// Default: 5
	MaxAttempts int

	// RetryBackoff is the base delay between transaction attempts.
	// Default: 10ms
	RetryBackoff time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, RetryBackoff: 10 * time.Millisecond}
}

func (c *Config) validate() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.MaxAttempts > 100 {
		c.MaxAttempts = 100
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
}

// Store is a docstore.Client backed by a MongoDB database. Transactions and
// batches need a replica set or sharded cluster.
type Store struct {
	db     *mongo.Database
	config Config
	logger *zap.Logger
	now    func() time.Time
}

var _ docstore.Client = (*Store)(nil)

// New creates a Store over db.
func New(db *mongo.Database, config Config) *Store {
	config.validate()
	return &Store{db: db, config: config, logger: zap.NewNop(), now: time.Now}
}

// Connect opens a client for uri and pings it within timeout. The caller
// disconnects the client.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// SetLogger sets the logger used for transaction retry diagnostics.
func (s *Store) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger
}

func (s *Store) coll(collection string) *mongo.Collection {
	return s.db.Collection(s.config.CollectionPrefix + collection)
}

func userFields(fields docstore.Fields) bson.M {
	out := bson.M{}
	for k, v := range fields {
		if isManaged(k) {
			continue
		}
		out[k] = docstore.Normalize(v)
	}
	return out
}

// mergeUpdate renders a $set of fields with the version bump.
func mergeUpdate(fields docstore.Fields, now time.Time) bson.M {
	set := userFields(fields)
	set[fieldUpdatedAt] = now
	return bson.M{
		"$set": set,
		"$inc": bson.M{fieldVersion: int64(1)},
	}
}

// buildFilter merges the predicates per field into one filter document.
func buildFilter(where []docstore.Predicate) (bson.M, error) {
	filter := bson.M{}
	for _, p := range where {
		var op string
		switch p.Op {
		case docstore.OpEqual:
			op = "$eq"
		case docstore.OpGreaterThan:
			op = "$gt"
		case docstore.OpLessThan:
			op = "$lt"
		default:
			return nil, docstore.ErrUnsupportedOp
		}
		cond, ok := filter[p.Field].(bson.M)
		if !ok {
			cond = bson.M{}
			filter[p.Field] = cond
		}
		cond[op] = docstore.Normalize(p.Value)
	}
	return filter, nil
}

func decodeDocument(raw bson.M) docstore.Document {
	doc := docstore.Document{Fields: docstore.Fields{}}
	if id, ok := raw[fieldID].(string); ok {
		doc.ID = id
	}
	if v, ok := docstore.Int64(docstore.Normalize(raw[fieldVersion])); ok {
		doc.Version = v
	}
	for k, v := range raw {
		if isManaged(k) {
			continue
		}
		doc.Fields[k] = decodeValue(v)
	}
	return doc
}

// decodeValue maps BSON values onto the docstore value kinds.
func decodeValue(v any) any {
	switch t := v.(type) {
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = decodeValue(e)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = decodeValue(e)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = decodeValue(e.Value)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	}
	return docstore.Normalize(v)
}

// Insert stores fields under a new random id with version 1.
func (s *Store) Insert(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	id := uuid.NewString()
	now := s.now().UTC()
	doc := userFields(fields)
	doc[fieldID] = id
	doc[fieldVersion] = int64(1)
	doc[fieldCreatedAt] = now
	doc[fieldUpdatedAt] = now

	if _, err := s.coll(collection).InsertOne(ctx, doc); err != nil {
		return "", err
	}
	return id, nil
}

// Get reads one document.
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	var raw bson.M
	err := s.coll(collection).FindOne(ctx, bson.M{fieldID: id}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, docstore.ErrNotFound
		}
		return nil, err
	}
	doc := decodeDocument(raw)
	return &doc, nil
}

// Query finds the documents matching every predicate.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter, err := buildFilter(q.Where)
	if err != nil {
		return nil, err
	}

	opts := options.Find()
	if q.OrderBy != "" {
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: 1}, {Key: fieldID, Value: 1}})
	}

	cur, err := s.coll(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	docs := []docstore.Document{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		docs = append(docs, decodeDocument(raw))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	// Missing fields sort first in MongoDB and last in docstore.
	q.Order(docs)
	return docs, nil
}

// MergeUpdate sets the given fields on an existing document.
func (s *Store) MergeUpdate(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if len(userFields(fields)) == 0 {
		_, err := s.Get(ctx, collection, id)
		return err
	}
	res, err := s.coll(collection).UpdateOne(ctx, bson.M{fieldID: id}, mergeUpdate(fields, s.now().UTC()))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// Delete removes the document. Deleting a missing document succeeds.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.coll(collection).DeleteOne(ctx, bson.M{fieldID: id})
	return err
}

// isTransient reports whether err carries the driver's transient
// transaction label, the signal for a write conflict inside a transaction.
func isTransient(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("TransientTransactionError")
	}
	return false
}

// withSession runs fn inside one server transaction and commits it.
func (s *Store) withSession(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		if err := sess.StartTransaction(); err != nil {
			return err
		}
		if err := fn(sc); err != nil {
			_ = sess.AbortTransaction(context.Background())
			return err
		}
		return sess.CommitTransaction(sc)
	})
}

// RunTransaction runs fn in a snapshot transaction. Reads pin the version
// they observed and writes are applied at commit against that version; a
// version mismatch or a transient transaction error reruns fn.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return txn.Run(ctx, s.config.MaxAttempts, s.config.RetryBackoff, txn.DefaultMaxBackoff, func(ctx context.Context, attempt int) error {
		err := s.withSession(ctx, func(sc mongo.SessionContext) error {
			tx := &transaction{store: s, reads: map[docKey]int64{}}
			if err := fn(sc, tx); err != nil {
				return err
			}
			return tx.commit(sc)
		})
		if isTransient(err) {
			err = fmt.Errorf("%w: %w", docstore.ErrConflict, err)
		}
		if errors.Is(err, docstore.ErrConflict) {
			s.logger.Debug("transaction conflict",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", s.config.MaxAttempts),
				zap.Error(err),
			)
		}
		return err
	})
}

// RunBatch applies the staged writes in one server transaction, without
// retry.
func (s *Store) RunBatch(ctx context.Context, fn func(b docstore.Batch) error) error {
	b := &batch{}
	if err := fn(b); err != nil {
		return err
	}
	if len(b.writes) == 0 {
		return docstore.ErrEmptyBatch
	}

	writes := docstore.Coalesce(b.writes)
	now := s.now().UTC()
	err := s.withSession(ctx, func(sc mongo.SessionContext) error {
		for _, w := range writes {
			res, err := s.coll(w.Collection).UpdateOne(sc, bson.M{fieldID: w.ID}, mergeUpdate(w.Fields, now))
			if err != nil {
				return err
			}
			if res.MatchedCount == 0 {
				return fmt.Errorf("%s/%s: %w", w.Collection, w.ID, docstore.ErrNotFound)
			}
		}
		return nil
	})
	if isTransient(err) {
		return fmt.Errorf("%w: %w", docstore.ErrConflict, err)
	}
	return err
}

type docKey struct {
	collection string
	id         string
}

type batch struct {
	writes []docstore.Write
}

func (b *batch) Update(collection, id string, fields docstore.Fields) {
	b.writes = append(b.writes, docstore.Write{Collection: collection, ID: id, Fields: fields})
}

type transaction struct {
	store  *Store
	reads  map[docKey]int64
	writes []docstore.Write
}

func (t *transaction) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if len(t.writes) > 0 {
		return nil, docstore.ErrReadAfterWrite
	}
	doc, err := t.store.Get(ctx, collection, id)
	switch {
	case err == nil:
		t.reads[docKey{collection, id}] = doc.Version
	case errors.Is(err, docstore.ErrNotFound):
		t.reads[docKey{collection, id}] = 0
	}
	return doc, err
}

func (t *transaction) Update(collection, id string, fields docstore.Fields) error {
	t.writes = append(t.writes, docstore.Write{Collection: collection, ID: id, Fields: fields})
	return nil
}

func (t *transaction) commit(ctx context.Context) error {
	now := t.store.now().UTC()
	for _, w := range docstore.Coalesce(t.writes) {
		filter := bson.M{fieldID: w.ID}
		version, read := t.reads[docKey{w.Collection, w.ID}]
		if read && version > 0 {
			filter[fieldVersion] = version
		}
		res, err := t.store.coll(w.Collection).UpdateOne(ctx, filter, mergeUpdate(w.Fields, now))
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			if read && version > 0 {
				return fmt.Errorf("%s/%s: %w", w.Collection, w.ID, docstore.ErrConflict)
			}
			return fmt.Errorf("%s/%s: %w", w.Collection, w.ID, docstore.ErrNotFound)
		}
	}
	return nil
}
