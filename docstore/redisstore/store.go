// Package redisstore implements docstore.Client on Redis. A document is a
// hash at "prefix:collection:id" holding JSON-encoded user fields and the
// managed version and timestamps; the set at "prefix:collection" indexes a
// collection's ids.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jacentio/personstore/docstore"
	"github.com/jacentio/personstore/internal/txn"
)

const (
	fieldID        = "id"
	fieldVersion   = "version"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

func isManaged(name string) bool {
	switch name {
	case fieldID, fieldVersion, fieldCreatedAt, fieldUpdatedAt:
		return true
	}
	return false
}

// Config holds configuration for the Redis store.
type Config struct {
	// Prefix namespaces every key.
	// Default: "personstore"
	Prefix string

	// MaxAttempts is how many times a transaction runs before giving up.
	// Default: 5
	MaxAttempts int

	// RetryBackoff is the base delay between transaction attempts.
	// Default: 0
	RetryBackoff time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Prefix: "personstore", MaxAttempts: 5}
}

func (c *Config) validate() {
	if c.Prefix == "" {
		c.Prefix = "personstore"
	}
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

// Store is a docstore.Client backed by Redis.
type Store struct {
	client *redis.Client
	config Config
	logger *zap.Logger
	now    func() time.Time
}

var _ docstore.Client = (*Store)(nil)

// New creates a Store over client.
func New(client *redis.Client, config Config) *Store {
	config.validate()
	return &Store{client: client, config: config, logger: zap.NewNop(), now: time.Now}
}

// SetLogger sets the logger used for transaction retry diagnostics.
func (s *Store) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger
}

func (s *Store) setKey(collection string) string {
	return s.config.Prefix + ":" + collection
}

func (s *Store) docKey(collection, id string) string {
	return s.config.Prefix + ":" + collection + ":" + id
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// encodeFields renders user fields as hash values.
func encodeFields(fields docstore.Fields) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isManaged(k) {
			continue
		}
		b, err := json.Marshal(docstore.Normalize(v))
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

func decodeDocument(id string, raw map[string]string) (docstore.Document, error) {
	doc := docstore.Document{ID: id, Fields: docstore.Fields{}}
	for k, v := range raw {
		switch {
		case k == fieldVersion:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return doc, fmt.Errorf("decode version: %w", err)
			}
			doc.Version = n
		case isManaged(k):
		default:
			val, err := decodeValue(v)
			if err != nil {
				return doc, fmt.Errorf("decode %s: %w", k, err)
			}
			doc.Fields[k] = val
		}
	}
	return doc, nil
}

// decodeValue parses one JSON hash value. Integral numbers become int64.
func decodeValue(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return fromJSON(v), nil
}

func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = fromJSON(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = fromJSON(t[k])
		}
		return t
	}
	return v
}

// Insert writes a new hash and indexes its id.
func (s *Store) Insert(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	values, err := encodeFields(fields)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := s.timestamp()
	values[fieldID] = id
	values[fieldVersion] = 1
	values[fieldCreatedAt] = now
	values[fieldUpdatedAt] = now

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.docKey(collection, id), values)
		pipe.SAdd(ctx, s.setKey(collection), id)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) get(ctx context.Context, c redis.Cmdable, collection, id string) (*docstore.Document, error) {
	raw, err := c.HGetAll(ctx, s.docKey(collection, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, docstore.ErrNotFound
	}
	doc, err := decodeDocument(id, raw)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Get reads one document.
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	return s.get(ctx, s.client, collection, id)
}

// Query loads every document of the collection in one MULTI/EXEC and
// filters them locally.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.setKey(collection)).Result()
	if err != nil {
		return nil, err
	}

	docs := []docstore.Document{}
	if len(ids) == 0 {
		return docs, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.docKey(collection, id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, cmd := range cmds {
		raw := cmd.Val()
		if len(raw) == 0 {
			continue
		}
		doc, err := decodeDocument(ids[i], raw)
		if err != nil {
			return nil, err
		}
		ok, err := q.Match(doc.Fields)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, doc)
		}
	}

	q.Order(docs)
	return docs, nil
}

// MergeUpdate sets the given fields on an existing document. A concurrent
// write between the existence check and the update reruns it.
func (s *Store) MergeUpdate(ctx context.Context, collection, id string, fields docstore.Fields) error {
	values, err := encodeFields(fields)
	if err != nil {
		return err
	}
	key := s.docKey(collection, id)

	return s.retry(ctx, func(ctx context.Context, attempt int) error {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return docstore.ErrNotFound
			}
			if len(values) == 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.stageWrite(ctx, pipe, key, values)
				return nil
			})
			return err
		}, key)
		return mapTxErr(err)
	})
}

// Delete removes the document and its index entry. Deleting a missing
// document succeeds.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(collection, id))
		pipe.SRem(ctx, s.setKey(collection), id)
		return nil
	})
	return err
}

func (s *Store) stageWrite(ctx context.Context, pipe redis.Pipeliner, key string, values map[string]any) {
	set := make(map[string]any, len(values)+1)
	for k, v := range values {
		set[k] = v
	}
	set[fieldUpdatedAt] = s.timestamp()
	pipe.HSet(ctx, key, set)
	pipe.HIncrBy(ctx, key, fieldVersion, 1)
}

func mapTxErr(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %w", docstore.ErrConflict, err)
	}
	return err
}

func (s *Store) retry(ctx context.Context, attempt txn.Attempt) error {
	return txn.Run(ctx, s.config.MaxAttempts, s.config.RetryBackoff, txn.DefaultMaxBackoff, func(ctx context.Context, n int) error {
		err := attempt(ctx, n)
		if errors.Is(err, docstore.ErrConflict) {
			s.logger.Debug("transaction conflict",
				zap.Int("attempt", n),
				zap.Int("maxAttempts", s.config.MaxAttempts),
				zap.Error(err),
			)
		}
		return err
	})
}

// RunTransaction WATCHes every key fn reads and commits the buffered writes
// in one MULTI/EXEC. A watched key changing before EXEC reruns fn.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return s.retry(ctx, func(ctx context.Context, attempt int) error {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			t := &transaction{store: s, rtx: rtx, read: map[string]bool{}}
			if err := fn(ctx, t); err != nil {
				return err
			}
			return t.commit(ctx)
		})
		return mapTxErr(err)
	})
}

// RunBatch verifies every target exists and applies the staged writes in
// one MULTI/EXEC. A concurrent change to a target fails the batch.
func (s *Store) RunBatch(ctx context.Context, fn func(b docstore.Batch) error) error {
	b := &batch{}
	if err := fn(b); err != nil {
		return err
	}
	if len(b.writes) == 0 {
		return docstore.ErrEmptyBatch
	}

	writes := docstore.Coalesce(b.writes)
	keys := make([]string, len(writes))
	values := make([]map[string]any, len(writes))
	for i, w := range writes {
		keys[i] = s.docKey(w.Collection, w.ID)
		v, err := encodeFields(w.Fields)
		if err != nil {
			return err
		}
		values[i] = v
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		for i, key := range keys {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%s/%s: %w", writes[i].Collection, writes[i].ID, docstore.ErrNotFound)
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				s.stageWrite(ctx, pipe, key, values[i])
			}
			return nil
		})
		return err
	}, keys...)
	return mapTxErr(err)
}

type batch struct {
	writes []docstore.Write
}

func (b *batch) Update(collection, id string, fields docstore.Fields) {
	b.writes = append(b.writes, docstore.Write{Collection: collection, ID: id, Fields: fields})
}

type transaction struct {
	store  *Store
	rtx    *redis.Tx
	read   map[string]bool
	writes []docstore.Write
}

func (t *transaction) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if len(t.writes) > 0 {
		return nil, docstore.ErrReadAfterWrite
	}
	key := t.store.docKey(collection, id)
	if !t.read[key] {
		if err := t.rtx.Watch(ctx, key).Err(); err != nil {
			return nil, err
		}
		t.read[key] = true
	}
	return t.store.get(ctx, t.rtx, collection, id)
}

func (t *transaction) Update(collection, id string, fields docstore.Fields) error {
	t.writes = append(t.writes, docstore.Write{Collection: collection, ID: id, Fields: fields})
	return nil
}

func (t *transaction) commit(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}
	s := t.store
	writes := docstore.Coalesce(t.writes)
	keys := make([]string, len(writes))
	values := make([]map[string]any, len(writes))

	for i, w := range writes {
		key := s.docKey(w.Collection, w.ID)
		keys[i] = key
		if !t.read[key] {
			if err := t.rtx.Watch(ctx, key).Err(); err != nil {
				return err
			}
		}
		n, err := t.rtx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s/%s: %w", w.Collection, w.ID, docstore.ErrNotFound)
		}
		v, err := encodeFields(w.Fields)
		if err != nil {
			return err
		}
		values[i] = v
	}

	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			s.stageWrite(ctx, pipe, key, values[i])
		}
		return nil
	})
	return err
}
