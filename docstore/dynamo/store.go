package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/personstore/docstore"
	"github.com/jacentio/personstore/internal/txn"
)

// API is the subset of the DynamoDB client the store uses. *dynamodb.Client
// satisfies it.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Store is a docstore.Client backed by one DynamoDB table per collection,
// each keyed by a string "id" hash key.
type Store struct {
	client API
	config Config
	logger *zap.Logger
	now    func() time.Time
}

var _ docstore.Client = (*Store)(nil)

// New creates a new Store instance.
func New(client API, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
	}
}

// SetLogger sets the logger used for transaction retry diagnostics.
func (s *Store) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger
}

// TableName returns the table holding collection.
func (s *Store) TableName(collection string) string {
	return s.config.TablePrefix + collection
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID: &types.AttributeValueMemberS{Value: id},
	}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Insert puts a new item under a random id with version 1.
func (s *Store) Insert(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	item, err := marshalFields(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}

	id := uuid.NewString()
	now := s.timestamp()
	item[attrID] = &types.AttributeValueMemberS{Value: id}
	item[attrVersion] = &types.AttributeValueMemberN{Value: "1"}
	item[attrCreatedAt] = &types.AttributeValueMemberS{Value: now}
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: now}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.TableName(collection)),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get reads an item with strong consistency.
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName(collection)),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, docstore.ErrNotFound
	}
	doc := unmarshalDocument(result.Item)
	return &doc, nil
}

// Query scans the collection's table with the predicates as a filter. Scan
// results are unordered, so ordering happens after all pages are read.
func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	input := &dynamodb.ScanInput{
		TableName:      aws.String(s.TableName(collection)),
		ConsistentRead: aws.Bool(true),
	}
	if len(q.Where) > 0 {
		expr, names, values, err := filterExpression(q.Where)
		if err != nil {
			return nil, err
		}
		input.FilterExpression = aws.String(expr)
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}

	// Paginate through all results
	docs := []docstore.Document{}
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			docs = append(docs, unmarshalDocument(raw))
		}
	}

	q.Order(docs)
	return docs, nil
}

// MergeUpdate sets the given attributes on an existing item and bumps its
// version.
func (s *Store) MergeUpdate(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if !hasUserFields(fields) {
		_, err := s.Get(ctx, collection, id)
		return err
	}

	expr, names, values, err := setExpression(fields, s.timestamp())
	if err != nil {
		return err
	}
	names["#id"] = attrID

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.TableName(collection)),
		Key:                       key(id),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return docstore.ErrNotFound
		}
		return err
	}
	return nil
}

// Delete removes the item. Deleting a missing item succeeds.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.TableName(collection)),
		Key:       key(id),
	})
	return err
}

func hasUserFields(fields docstore.Fields) bool {
	for k := range fields {
		if !isManaged(k) {
			return true
		}
	}
	return false
}

type docKey struct {
	collection string
	id         string
}

// RunTransaction reads with consistent GetItem calls and commits through
// TransactWriteItems. Every document read is pinned to the version observed:
// written documents by a version condition on their update, the others by a
// ConditionCheck. A failed pin means a concurrent write, and fn runs again.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	return txn.Run(ctx, s.config.MaxAttempts, s.config.RetryBackoff, txn.DefaultMaxBackoff, func(ctx context.Context, attempt int) error {
		tx := &transaction{store: s, reads: make(map[docKey]int64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := tx.commit(ctx)
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

// RunBatch commits the staged writes with one TransactWriteItems call. Writes
// to the same document are coalesced first: a transaction can't touch one
// item twice.
func (s *Store) RunBatch(ctx context.Context, fn func(b docstore.Batch) error) error {
	b := &batch{}
	if err := fn(b); err != nil {
		return err
	}
	if len(b.writes) == 0 {
		return docstore.ErrEmptyBatch
	}

	writes := docstore.Coalesce(b.writes)
	now := s.timestamp()
	items := make([]types.TransactWriteItem, 0, len(writes))
	for _, w := range writes {
		item, err := s.updateItem(w, now, "attribute_exists(#id)", nil, nil)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapBatchError(err)
}

// updateItem builds a transactional Update for w guarded by cond.
func (s *Store) updateItem(w docstore.Write, now, cond string, condNames map[string]string, condValues map[string]types.AttributeValue) (types.TransactWriteItem, error) {
	var (
		expr   string
		names  map[string]string
		values map[string]types.AttributeValue
		err    error
	)
	if hasUserFields(w.Fields) {
		expr, names, values, err = setExpression(w.Fields, now)
		if err != nil {
			return types.TransactWriteItem{}, err
		}
	} else {
		// Nothing to set; still bump the version so pinned readers conflict.
		expr = "SET #version = #version + :one"
		names = map[string]string{"#version": attrVersion}
		values = map[string]types.AttributeValue{":one": &types.AttributeValueMemberN{Value: "1"}}
	}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 aws.String(s.TableName(w.Collection)),
			Key:                       key(w.ID),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  mergeExprNames(names, map[string]string{"#id": attrID}, condNames),
			ExpressionAttributeValues: mergeExprValues(values, condValues),
		},
	}, nil
}

type batch struct {
	writes []docstore.Write
}

func (b *batch) Update(collection, id string, fields docstore.Fields) {
	b.writes = append(b.writes, docstore.Write{Collection: collection, ID: id, Fields: fields})
}

type transaction struct {
	store     *Store
	reads     map[docKey]int64 // version observed, 0 when missing
	readOrder []docKey
	writes    []docstore.Write
}

func (t *transaction) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if len(t.writes) > 0 {
		return nil, docstore.ErrReadAfterWrite
	}
	doc, err := t.store.Get(ctx, collection, id)
	k := docKey{collection, id}
	if _, seen := t.reads[k]; !seen && (err == nil || errors.Is(err, docstore.ErrNotFound)) {
		t.readOrder = append(t.readOrder, k)
	}
	switch {
	case err == nil:
		t.reads[k] = doc.Version
	case errors.Is(err, docstore.ErrNotFound):
		t.reads[k] = 0
	}
	return doc, err
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
	now := s.timestamp()

	writes := docstore.Coalesce(t.writes)
	items := make([]types.TransactWriteItem, 0, len(writes)+len(t.readOrder))
	itemKeys := make([]docKey, 0, cap(items))
	written := make(map[docKey]bool, len(writes))

	for _, w := range writes {
		k := docKey{w.Collection, w.ID}
		written[k] = true

		cond := "attribute_exists(#id)"
		var condNames map[string]string
		var condValues map[string]types.AttributeValue
		if version, ok := t.reads[k]; ok && version > 0 {
			var vcond string
			vcond, condNames, condValues = versionCondition(version)
			cond += " AND " + vcond
		}

		item, err := s.updateItem(w, now, cond, condNames, condValues)
		if err != nil {
			return err
		}
		items = append(items, item)
		itemKeys = append(itemKeys, k)
	}

	for _, k := range t.readOrder {
		if written[k] {
			continue
		}
		check := &types.ConditionCheck{
			TableName:                aws.String(s.TableName(k.collection)),
			Key:                      key(k.id),
			ConditionExpression:      aws.String("attribute_not_exists(#id)"),
			ExpressionAttributeNames: map[string]string{"#id": attrID},
		}
		if version := t.reads[k]; version > 0 {
			expr, names, values := versionCondition(version)
			check.ConditionExpression = aws.String(expr)
			check.ExpressionAttributeNames = names
			check.ExpressionAttributeValues = values
		}
		items = append(items, types.TransactWriteItem{ConditionCheck: check})
		itemKeys = append(itemKeys, k)
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return t.mapCommitError(err, itemKeys, written)
}

// mapCommitError maps a TransactWriteItems failure for a transaction commit.
// A failed condition on a document the transaction read is a conflict; on a
// document it only wrote, or read as missing, it means the document is gone.
func (t *transaction) mapCommitError(err error, itemKeys []docKey, written map[docKey]bool) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil || i >= len(itemKeys) {
				continue
			}
			k := itemKeys[i]
			switch *reason.Code {
			case "ConditionalCheckFailed":
				version, read := t.reads[k]
				if !read || (version == 0 && written[k]) {
					return fmt.Errorf("%s/%s: %w", k.collection, k.id, docstore.ErrNotFound)
				}
				return fmt.Errorf("%s/%s: %w", k.collection, k.id, docstore.ErrConflict)
			case "TransactionConflict":
				return fmt.Errorf("%s/%s: %w", k.collection, k.id, docstore.ErrConflict)
			}
		}
	}

	var conflictErr *types.TransactionConflictException
	if errors.As(err, &conflictErr) {
		return fmt.Errorf("%w: %w", docstore.ErrConflict, err)
	}

	return err
}

// mapBatchError maps a TransactWriteItems failure for a batch. Conflicts are
// reported, never retried.
func mapBatchError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed":
				return docstore.ErrNotFound
			case "TransactionConflict":
				return fmt.Errorf("%w: %w", docstore.ErrConflict, err)
			}
		}
	}

	return err
}
