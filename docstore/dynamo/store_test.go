package dynamo

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/personstore/docstore"
)

// fakeAPI records inputs and replays scripted responses.
type fakeAPI struct {
	items    map[string]map[string]types.AttributeValue // by id
	pages    [][]map[string]types.AttributeValue
	updErr   error
	txErrs   []error
	puts     []*dynamodb.PutItemInput
	updates  []*dynamodb.UpdateItemInput
	gets     []*dynamodb.GetItemInput
	scans    []*dynamodb.ScanInput
	deletes  []*dynamodb.DeleteItemInput
	txWrites []*dynamodb.TransactWriteItemsInput
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]types.AttributeValue{}}
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.gets = append(f.gets, in)
	id := in.Key[attrID].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[id]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, f.updErr
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deletes = append(f.deletes, in)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scans = append(f.scans, in)
	page := len(f.scans) - 1
	out := &dynamodb.ScanOutput{}
	if page < len(f.pages) {
		out.Items = f.pages[page]
	}
	if page+1 < len(f.pages) {
		out.LastEvaluatedKey = key("cursor")
	}
	return out, nil
}

func (f *fakeAPI) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.txWrites = append(f.txWrites, in)
	if len(f.txErrs) > 0 {
		err := f.txErrs[0]
		f.txErrs = f.txErrs[1:]
		return nil, err
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func item(id string, version int64, fields map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := map[string]types.AttributeValue{
		attrID:        &types.AttributeValueMemberS{Value: id},
		attrVersion:   &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		attrCreatedAt: &types.AttributeValueMemberS{Value: "2024-01-01T00:00:00Z"},
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func canceled(codes ...string) error {
	reasons := make([]types.CancellationReason, len(codes))
	for i, c := range codes {
		reasons[i] = types.CancellationReason{Code: aws.String(c)}
	}
	return &types.TransactionCanceledException{Message: aws.String("canceled"), CancellationReasons: reasons}
}

func newTestStore(api API) *Store {
	s := New(api, Config{TablePrefix: "test_", MaxAttempts: 3})
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.RetryBackoff)

	cfg = Config{MaxAttempts: 1000, RetryBackoff: -1}
	cfg.validate()
	assert.Equal(t, 100, cfg.MaxAttempts)
	assert.Zero(t, cfg.RetryBackoff)
}

func TestInsert(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)

	id, err := s.Insert(context.Background(), "persons", docstore.Fields{"nickname": "Ann", "age": 30, "version": 9})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, api.puts, 1)

	in := api.puts[0]
	assert.Equal(t, "test_persons", aws.ToString(in.TableName))
	assert.Equal(t, "attribute_not_exists(#id)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: id}, in.Item[attrID])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1"}, in.Item[attrVersion])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "30"}, in.Item["age"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "2024-05-01T12:00:00Z"}, in.Item[attrCreatedAt])
}

func TestGet(t *testing.T) {
	api := newFakeAPI()
	api.items["a"] = item("a", 4, map[string]types.AttributeValue{
		"nickname": &types.AttributeValueMemberS{Value: "Ann"},
		"age":      &types.AttributeValueMemberN{Value: "30"},
	})
	s := newTestStore(api)

	doc, err := s.Get(context.Background(), "persons", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", doc.ID)
	assert.Equal(t, int64(4), doc.Version)
	assert.Equal(t, docstore.Fields{"nickname": "Ann", "age": int64(30)}, doc.Fields)
	assert.True(t, aws.ToBool(api.gets[0].ConsistentRead))

	_, err = s.Get(context.Background(), "persons", "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestQuery_PaginatesAndOrders(t *testing.T) {
	api := newFakeAPI()
	api.pages = [][]map[string]types.AttributeValue{
		{item("b", 1, map[string]types.AttributeValue{"age": &types.AttributeValueMemberN{Value: "40"}})},
		{item("a", 1, map[string]types.AttributeValue{"age": &types.AttributeValueMemberN{Value: "35"}})},
	}
	s := newTestStore(api)

	docs, err := s.Query(context.Background(), "persons", docstore.Query{
		Where:   []docstore.Predicate{docstore.GreaterThan("age", 30), docstore.LessThan("age", 50)},
		OrderBy: "age",
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)

	require.Len(t, api.scans, 2)
	assert.Equal(t, "#attr0 > :val0 AND #attr1 < :val1", aws.ToString(api.scans[0].FilterExpression))
	assert.Equal(t, "age", api.scans[0].ExpressionAttributeNames["#attr1"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "50"}, api.scans[0].ExpressionAttributeValues[":val1"])
}

func TestQuery_NoFilterReturnsEmptySlice(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)

	docs, err := s.Query(context.Background(), "persons", docstore.Query{})
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
	assert.Nil(t, api.scans[0].FilterExpression)
}

func TestQuery_UnsupportedOp(t *testing.T) {
	s := newTestStore(newFakeAPI())
	_, err := s.Query(context.Background(), "persons", docstore.Query{
		Where: []docstore.Predicate{{Field: "age", Op: ">=", Value: 1}},
	})
	assert.ErrorIs(t, err, docstore.ErrUnsupportedOp)
}

func TestMergeUpdate(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)

	require.NoError(t, s.MergeUpdate(context.Background(), "persons", "a", docstore.Fields{"status": "busy"}))
	require.Len(t, api.updates, 1)
	in := api.updates[0]
	assert.Equal(t, "attribute_exists(#id)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, "SET #attr0 = :val0, #updated_at = :updated_at, #version = #version + :one", aws.ToString(in.UpdateExpression))
	assert.Equal(t, "status", in.ExpressionAttributeNames["#attr0"])
}

func TestMergeUpdate_MissingDocument(t *testing.T) {
	api := newFakeAPI()
	api.updErr = &types.ConditionalCheckFailedException{Message: aws.String("nope")}
	s := newTestStore(api)

	err := s.MergeUpdate(context.Background(), "persons", "a", docstore.Fields{"status": "busy"})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestMergeUpdate_EmptyFieldsChecksExistence(t *testing.T) {
	api := newFakeAPI()
	api.items["a"] = item("a", 1, nil)
	s := newTestStore(api)

	assert.NoError(t, s.MergeUpdate(context.Background(), "persons", "a", docstore.Fields{}))
	assert.ErrorIs(t, s.MergeUpdate(context.Background(), "persons", "b", nil), docstore.ErrNotFound)
	assert.Empty(t, api.updates)
	assert.Len(t, api.gets, 2)
}

func TestDelete(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)

	require.NoError(t, s.Delete(context.Background(), "persons", "a"))
	require.Len(t, api.deletes, 1)
	assert.Equal(t, "test_persons", aws.ToString(api.deletes[0].TableName))
}

func TestRunTransaction_VersionConditions(t *testing.T) {
	api := newFakeAPI()
	api.items["a"] = item("a", 3, map[string]types.AttributeValue{"age": &types.AttributeValueMemberN{Value: "30"}})
	api.items["b"] = item("b", 7, nil)
	s := newTestStore(api)

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, "persons", "a"); err != nil {
			return err
		}
		if _, err := tx.Get(ctx, "persons", "b"); err != nil {
			return err
		}
		return tx.Update("persons", "a", docstore.Fields{"age": int64(31)})
	})
	require.NoError(t, err)
	require.Len(t, api.txWrites, 1)

	items := api.txWrites[0].TransactItems
	require.Len(t, items, 2)

	upd := items[0].Update
	require.NotNil(t, upd)
	assert.Equal(t, "attribute_exists(#id) AND #version = :expected_version", aws.ToString(upd.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberN{Value: "3"}, upd.ExpressionAttributeValues[":expected_version"])

	check := items[1].ConditionCheck
	require.NotNil(t, check)
	assert.Equal(t, "#version = :expected_version", aws.ToString(check.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberN{Value: "7"}, check.ExpressionAttributeValues[":expected_version"])
}

func TestRunTransaction_RetriesOnConflict(t *testing.T) {
	api := newFakeAPI()
	api.items["a"] = item("a", 1, nil)
	api.txErrs = []error{canceled("ConditionalCheckFailed"), canceled("TransactionConflict")}
	s := newTestStore(api)

	runs := 0
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		runs++
		if _, err := tx.Get(ctx, "persons", "a"); err != nil {
			return err
		}
		return tx.Update("persons", "a", docstore.Fields{"status": "x"})
	})
	require.NoError(t, err)
	assert.Equal(t, 3, runs)
	assert.Len(t, api.txWrites, 3)
}

func TestRunTransaction_AbortsAfterMaxAttempts(t *testing.T) {
	api := newFakeAPI()
	api.items["a"] = item("a", 1, nil)
	api.txErrs = []error{
		canceled("ConditionalCheckFailed"),
		canceled("ConditionalCheckFailed"),
		canceled("ConditionalCheckFailed"),
	}
	s := newTestStore(api)

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, "persons", "a"); err != nil {
			return err
		}
		return tx.Update("persons", "a", docstore.Fields{"status": "x"})
	})
	assert.ErrorIs(t, err, docstore.ErrTxAborted)
	assert.ErrorIs(t, err, docstore.ErrConflict)
	assert.Len(t, api.txWrites, 3)
}

func TestRunTransaction_UnreadDocumentMissing(t *testing.T) {
	api := newFakeAPI()
	api.txErrs = []error{canceled("ConditionalCheckFailed")}
	s := newTestStore(api)

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		return tx.Update("persons", "gone", docstore.Fields{"status": "x"})
	})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Len(t, api.txWrites, 1)
}

func TestRunTransaction_ReadOnlyDoesNotCommit(t *testing.T) {
	api := newFakeAPI()
	api.items["a"] = item("a", 1, nil)
	s := newTestStore(api)

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		_, err := tx.Get(ctx, "persons", "a")
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, api.txWrites)
}

func TestRunTransaction_ReadAfterWrite(t *testing.T) {
	api := newFakeAPI()
	api.items["a"] = item("a", 1, nil)
	s := newTestStore(api)

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		if err := tx.Update("persons", "a", docstore.Fields{"status": "x"}); err != nil {
			return err
		}
		_, err := tx.Get(ctx, "persons", "a")
		return err
	})
	assert.ErrorIs(t, err, docstore.ErrReadAfterWrite)
	assert.Empty(t, api.txWrites)
}

func TestRunTransaction_CallbackError(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)
	boom := errors.New("boom")

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, docstore.ErrTxAborted)
}

func TestRunBatch_CoalescesWrites(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)

	err := s.RunBatch(context.Background(), func(b docstore.Batch) error {
		b.Update("persons", "a", docstore.Fields{"nickname": "Anna"})
		b.Update("persons", "a", docstore.Fields{"status": "married"})
		b.Update("persons", "b", docstore.Fields{"status": "x"})
		return nil
	})
	require.NoError(t, err)
	require.Len(t, api.txWrites, 1)

	items := api.txWrites[0].TransactItems
	require.Len(t, items, 2)
	for _, it := range items {
		require.NotNil(t, it.Update)
		assert.Equal(t, "attribute_exists(#id)", aws.ToString(it.Update.ConditionExpression))
	}
	names := items[0].Update.ExpressionAttributeNames
	assert.Contains(t, []string{names["#attr0"], names["#attr1"]}, "nickname")
	assert.Contains(t, []string{names["#attr0"], names["#attr1"]}, "status")
}

func TestRunBatch_Errors(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api)

	err := s.RunBatch(context.Background(), func(b docstore.Batch) error { return nil })
	assert.ErrorIs(t, err, docstore.ErrEmptyBatch)

	api.txErrs = []error{canceled("None", "ConditionalCheckFailed")}
	err = s.RunBatch(context.Background(), func(b docstore.Batch) error {
		b.Update("persons", "a", docstore.Fields{"status": "x"})
		b.Update("persons", "gone", docstore.Fields{"status": "x"})
		return nil
	})
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	api.txErrs = []error{canceled("TransactionConflict")}
	err = s.RunBatch(context.Background(), func(b docstore.Batch) error {
		b.Update("persons", "a", docstore.Fields{"status": "x"})
		return nil
	})
	assert.ErrorIs(t, err, docstore.ErrConflict)
	assert.Len(t, api.txWrites, 2)
}
