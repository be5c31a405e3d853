// Package metrics instruments a docstore.Client with Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacentio/personstore/docstore"
)

// Client records a counter and a latency histogram for every call it
// forwards to the wrapped client.
type Client struct {
	next       docstore.Client
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var _ docstore.Client = (*Client)(nil)

// Wrap instruments next and registers the collectors with reg.
func Wrap(next docstore.Client, reg prometheus.Registerer) *Client {
	c := &Client{
		next: next,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "personstore",
				Subsystem: "docstore",
				Name:      "operations_total",
				Help:      "Number of document store operations by operation and result.",
			},
			[]string{"operation", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "personstore",
				Subsystem: "docstore",
				Name:      "operation_duration_seconds",
				Help:      "Latency of document store operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
	reg.MustRegister(c.operations, c.duration)
	return c
}

// Result classifies err for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, docstore.ErrNotFound):
		return "not_found"
	case errors.Is(err, docstore.ErrTxAborted):
		return "aborted"
	case errors.Is(err, docstore.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

func (c *Client) observe(op string, start time.Time, err error) {
	c.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	c.operations.WithLabelValues(op, Result(err)).Inc()
}

func (c *Client) Insert(ctx context.Context, collection string, fields docstore.Fields) (id string, err error) {
	defer func(start time.Time) { c.observe("insert", start, err) }(time.Now())
	return c.next.Insert(ctx, collection, fields)
}

func (c *Client) Get(ctx context.Context, collection, id string) (doc *docstore.Document, err error) {
	defer func(start time.Time) { c.observe("get", start, err) }(time.Now())
	return c.next.Get(ctx, collection, id)
}

func (c *Client) Query(ctx context.Context, collection string, q docstore.Query) (docs []docstore.Document, err error) {
	defer func(start time.Time) { c.observe("query", start, err) }(time.Now())
	return c.next.Query(ctx, collection, q)
}

func (c *Client) MergeUpdate(ctx context.Context, collection, id string, fields docstore.Fields) (err error) {
	defer func(start time.Time) { c.observe("merge_update", start, err) }(time.Now())
	return c.next.MergeUpdate(ctx, collection, id, fields)
}

func (c *Client) Delete(ctx context.Context, collection, id string) (err error) {
	defer func(start time.Time) { c.observe("delete", start, err) }(time.Now())
	return c.next.Delete(ctx, collection, id)
}

// RunTransaction records the transaction as a whole, retries included.
func (c *Client) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) (err error) {
	defer func(start time.Time) { c.observe("transaction", start, err) }(time.Now())
	return c.next.RunTransaction(ctx, fn)
}

func (c *Client) RunBatch(ctx context.Context, fn func(b docstore.Batch) error) (err error) {
	defer func(start time.Time) { c.observe("batch", start, err) }(time.Now())
	return c.next.RunBatch(ctx, fn)
}
