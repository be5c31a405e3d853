package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/personstore/docstore"
	"github.com/jacentio/personstore/docstore/memory"
)

const coll = "persons"

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	return memory.New(docstore.DefaultConfig())
}

func TestInsertGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.Insert(ctx, coll, docstore.Fields{"nickname": "Ann", "age": 30})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, docstore.Fields{"nickname": "Ann", "age": int64(30)}, doc.Fields)

	_, err = s.Get(ctx, coll, "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	_, err = s.Get(ctx, "other", id)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"status": "ok"})
	require.NoError(t, err)

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	doc.Fields["status"] = "mutated"

	again, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, "ok", again.Fields["status"])
}

func TestQuery_RangeAndOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, age := range []int{40, 25, 30, 35, 28} {
		_, err := s.Insert(ctx, coll, docstore.Fields{"age": age})
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, "other", docstore.Fields{"age": 29})
	require.NoError(t, err)

	docs, err := s.Query(ctx, coll, docstore.Query{
		Where:   []docstore.Predicate{docstore.GreaterThan("age", 25), docstore.LessThan("age", 35)},
		OrderBy: "age",
	})
	require.NoError(t, err)

	var ages []int64
	for _, d := range docs {
		ages = append(ages, d.Fields["age"].(int64))
	}
	assert.Equal(t, []int64{28, 30}, ages)
}

func TestQuery_UnsupportedOp(t *testing.T) {
	s := newStore(t)
	_, err := s.Query(context.Background(), coll, docstore.Query{
		Where: []docstore.Predicate{{Field: "age", Op: ">=", Value: int64(1)}},
	})
	assert.ErrorIs(t, err, docstore.ErrUnsupportedOp)
}

func TestQuery_EmptyResultIsNotNil(t *testing.T) {
	docs, err := newStore(t).Query(context.Background(), coll, docstore.Query{})
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestMergeUpdate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"nickname": "Ann", "status": "ok", "age": 30})
	require.NoError(t, err)

	require.NoError(t, s.MergeUpdate(ctx, coll, id, docstore.Fields{"status": "busy"}))

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, docstore.Fields{"nickname": "Ann", "status": "busy", "age": int64(30)}, doc.Fields)
	assert.Equal(t, int64(2), doc.Version)
}

func TestMergeUpdate_EmptyFieldsIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"status": "ok"})
	require.NoError(t, err)

	require.NoError(t, s.MergeUpdate(ctx, coll, id, docstore.Fields{}))

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	assert.ErrorIs(t, s.MergeUpdate(ctx, coll, "missing", docstore.Fields{}), docstore.ErrNotFound)
}

func TestMergeUpdate_Missing(t *testing.T) {
	err := newStore(t).MergeUpdate(context.Background(), coll, "missing", docstore.Fields{"a": 1})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"a": 1})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, coll, id))
	assert.Equal(t, 0, s.Len(coll))

	// Deleting again succeeds.
	require.NoError(t, s.Delete(ctx, coll, id))
}

func TestFailWrite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"a": 1})
	require.NoError(t, err)

	boom := errors.New("boom")
	s.FailWrite(func(w docstore.Write) error {
		if w.ID == id {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, s.MergeUpdate(ctx, coll, id, docstore.Fields{"a": 2}), boom)
	assert.ErrorIs(t, s.Delete(ctx, coll, id), boom)
	assert.Equal(t, 1, s.Len(coll))
}

func TestRunBatch_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"nickname": "Ann", "status": "ok"})
	require.NoError(t, err)

	boom := errors.New("status write rejected")
	s.FailWrite(func(w docstore.Write) error {
		if _, ok := w.Fields["status"]; ok {
			return boom
		}
		return nil
	})

	err = s.RunBatch(ctx, func(b docstore.Batch) error {
		b.Update(coll, id, docstore.Fields{"nickname": "Garry"})
		b.Update(coll, id, docstore.Fields{"status": "chilling"})
		return nil
	})
	assert.ErrorIs(t, err, boom)

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, "Ann", doc.Fields["nickname"])
	assert.Equal(t, "ok", doc.Fields["status"])
}

func TestRunBatch_MissingDocumentAbortsAll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"nickname": "Ann"})
	require.NoError(t, err)

	err = s.RunBatch(ctx, func(b docstore.Batch) error {
		b.Update(coll, id, docstore.Fields{"nickname": "Garry"})
		b.Update(coll, "missing", docstore.Fields{"nickname": "Nobody"})
		return nil
	})
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, "Ann", doc.Fields["nickname"])
}

func TestRunBatch_Empty(t *testing.T) {
	err := newStore(t).RunBatch(context.Background(), func(docstore.Batch) error { return nil })
	assert.ErrorIs(t, err, docstore.ErrEmptyBatch)
}

func TestRunBatch_CallbackError(t *testing.T) {
	boom := errors.New("boom")
	err := newStore(t).RunBatch(context.Background(), func(docstore.Batch) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func increment(ctx context.Context, s *memory.Store, id string) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, coll, id)
		if err != nil {
			return err
		}
		n, _ := docstore.Int64(doc.Fields["n"])
		return tx.Update(coll, id, docstore.Fields{"n": n + 1})
	})
}

func TestRunTransaction_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"n": 0})
	require.NoError(t, err)

	var attempts []int
	s.BeforeCommit(func(attempt int) {
		attempts = append(attempts, attempt)
		if attempt == 1 {
			require.NoError(t, s.MergeUpdate(ctx, coll, id, docstore.Fields{"n": 10}))
		}
	})

	require.NoError(t, increment(ctx, s, id))
	assert.Equal(t, []int{1, 2}, attempts)

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, int64(11), doc.Fields["n"], "second attempt must see the concurrent write")
}

func TestRunTransaction_Aborts(t *testing.T) {
	ctx := context.Background()
	s := memory.New(docstore.Config{MaxAttempts: 3})
	id, err := s.Insert(ctx, coll, docstore.Fields{"n": 0})
	require.NoError(t, err)

	s.BeforeCommit(func(int) {
		require.NoError(t, s.MergeUpdate(ctx, coll, id, docstore.Fields{"other": "write"}))
	})

	err = increment(ctx, s, id)
	assert.ErrorIs(t, err, docstore.ErrTxAborted)

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Fields["n"])
}

func TestRunTransaction_Concurrent(t *testing.T) {
	ctx := context.Background()
	const workers = 20
	s := memory.New(docstore.Config{MaxAttempts: workers})
	id, err := s.Insert(ctx, coll, docstore.Fields{"n": 5})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- increment(ctx, s, id)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	doc, err := s.Get(ctx, coll, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5+workers), doc.Fields["n"])
}

func TestRunTransaction_ReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"n": 0})
	require.NoError(t, err)

	err = s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if err := tx.Update(coll, id, docstore.Fields{"n": 1}); err != nil {
			return err
		}
		_, err := tx.Get(ctx, coll, id)
		return err
	})
	assert.ErrorIs(t, err, docstore.ErrReadAfterWrite)
}

func TestRunTransaction_DeletedDuringTransaction(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"n": 0})
	require.NoError(t, err)

	s.BeforeCommit(func(attempt int) {
		if attempt == 1 {
			require.NoError(t, s.Delete(ctx, coll, id))
		}
	})

	err = increment(ctx, s, id)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Equal(t, 0, s.Len(coll))
}

func TestRunTransaction_ReadOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.Insert(ctx, coll, docstore.Fields{"n": 0})
	require.NoError(t, err)

	var seen int64
	err = s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, coll, id)
		if err != nil {
			return err
		}
		seen, _ = docstore.Int64(doc.Fields["n"])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), seen)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newStore(t)

	_, err := s.Insert(ctx, coll, docstore.Fields{})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Query(ctx, coll, docstore.Query{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.RunBatch(ctx, func(docstore.Batch) error { return nil }), context.Canceled)
	assert.ErrorIs(t, s.RunTransaction(ctx, func(context.Context, docstore.Tx) error { return nil }), context.Canceled)
}
