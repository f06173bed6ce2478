// Package instrumented decorates a core.Driver with prometheus metrics.
package instrumented

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blujedis/knect-mongo-sub000/core"
)

const (
	statusOK       = "ok"
	statusError    = "error"
	statusConflict = "conflict"
)

// Metrics holds the collectors shared by every instrumented driver built with
// them.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knect",
			Name:      "driver_operations_total",
			Help:      "Number of driver operations by collection, operation and status.",
		}, []string{"collection", "operation", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knect",
			Name:      "driver_operation_duration_ms",
			Help:      "Time (in ms) spent in driver operations.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 1000, 5000}, // milliseconds
		}, []string{"collection", "operation"}),
	}
}

// Driver wraps a core.Driver and records every data operation.
type Driver struct {
	core.Driver
	metrics *Metrics
}

var _ core.Driver = (*Driver)(nil)

// New wraps d. Connect, Ping and Close pass through unrecorded.
func New(d core.Driver, metrics *Metrics) *Driver {
	return &Driver{Driver: d, metrics: metrics}
}

// Unwrap returns the decorated driver.
func (d *Driver) Unwrap() core.Driver {
	return d.Driver
}

func (d *Driver) observe(ctx context.Context, collection, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Milliseconds()
	d.metrics.duration.WithLabelValues(collection, operation).Observe(float64(elapsed))
	d.metrics.operations.WithLabelValues(collection, operation, status(err)).Inc()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("driver_time_ms", elapsed))
}

func status(err error) string {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, core.ErrTransactionConflict):
		return statusConflict
	}
	return statusError
}

// Transaction see [core.Driver.Transaction]. Commits and rollbacks are
// recorded under the empty collection.
func (d *Driver) Transaction(ctx context.Context) (core.Transaction, error) {
	start := time.Now()
	tx, err := d.Driver.Transaction(ctx)
	d.observe(ctx, "", "transaction", start, err)
	if err != nil {
		return nil, err
	}
	return &transaction{Transaction: tx, driver: d}, nil
}

// transaction records the outcome of the wrapped transaction.
type transaction struct {
	core.Transaction
	driver *Driver
}

// Unwrap lets core.TransactionFrom hand drivers their own transaction.
func (t *transaction) Unwrap() core.Transaction {
	return t.Transaction
}

func (t *transaction) Commit(ctx context.Context) error {
	start := time.Now()
	err := t.Transaction.Commit(ctx)
	t.driver.observe(ctx, "", "commit", start, err)
	return err
}

func (t *transaction) Rollback(ctx context.Context) error {
	start := time.Now()
	err := t.Transaction.Rollback(ctx)
	t.driver.observe(ctx, "", "rollback", start, err)
	return err
}

// FindOne see [core.Driver.FindOne].
func (d *Driver) FindOne(ctx context.Context, collection string, filter core.Filter, opts *core.FindOptions) (core.Document, error) {
	start := time.Now()
	doc, err := d.Driver.FindOne(ctx, collection, filter, opts)
	d.observe(ctx, collection, "find_one", start, err)
	return doc, err
}

// Find see [core.Driver.Find].
func (d *Driver) Find(ctx context.Context, collection string, filter core.Filter, opts *core.FindOptions) ([]core.Document, error) {
	start := time.Now()
	docs, err := d.Driver.Find(ctx, collection, filter, opts)
	d.observe(ctx, collection, "find", start, err)
	return docs, err
}

// InsertOne see [core.Driver.InsertOne].
func (d *Driver) InsertOne(ctx context.Context, collection string, document core.Document) (*core.InsertResult, error) {
	start := time.Now()
	res, err := d.Driver.InsertOne(ctx, collection, document)
	d.observe(ctx, collection, "insert_one", start, err)
	return res, err
}

// InsertMany see [core.Driver.InsertMany].
func (d *Driver) InsertMany(ctx context.Context, collection string, documents []core.Document) (*core.InsertResult, error) {
	start := time.Now()
	res, err := d.Driver.InsertMany(ctx, collection, documents)
	d.observe(ctx, collection, "insert_many", start, err)
	return res, err
}

// UpdateOne see [core.Driver.UpdateOne].
func (d *Driver) UpdateOne(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	start := time.Now()
	res, err := d.Driver.UpdateOne(ctx, collection, filter, update, upsert)
	d.observe(ctx, collection, "update_one", start, err)
	return res, err
}

// UpdateMany see [core.Driver.UpdateMany].
func (d *Driver) UpdateMany(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	start := time.Now()
	res, err := d.Driver.UpdateMany(ctx, collection, filter, update, upsert)
	d.observe(ctx, collection, "update_many", start, err)
	return res, err
}

// DeleteOne see [core.Driver.DeleteOne].
func (d *Driver) DeleteOne(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	start := time.Now()
	res, err := d.Driver.DeleteOne(ctx, collection, filter)
	d.observe(ctx, collection, "delete_one", start, err)
	return res, err
}

// DeleteMany see [core.Driver.DeleteMany].
func (d *Driver) DeleteMany(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	start := time.Now()
	res, err := d.Driver.DeleteMany(ctx, collection, filter)
	d.observe(ctx, collection, "delete_many", start, err)
	return res, err
}

// FindOneAndUpdate see [core.Driver.FindOneAndUpdate].
func (d *Driver) FindOneAndUpdate(ctx context.Context, collection string, filter core.Filter, update core.Update, opts *core.FindAndModifyOptions) (core.Document, error) {
	start := time.Now()
	doc, err := d.Driver.FindOneAndUpdate(ctx, collection, filter, update, opts)
	d.observe(ctx, collection, "find_one_and_update", start, err)
	return doc, err
}

// FindOneAndReplace see [core.Driver.FindOneAndReplace].
func (d *Driver) FindOneAndReplace(ctx context.Context, collection string, filter core.Filter, replacement core.Document, opts *core.FindAndModifyOptions) (core.Document, error) {
	start := time.Now()
	doc, err := d.Driver.FindOneAndReplace(ctx, collection, filter, replacement, opts)
	d.observe(ctx, collection, "find_one_and_replace", start, err)
	return doc, err
}

// FindOneAndDelete see [core.Driver.FindOneAndDelete].
func (d *Driver) FindOneAndDelete(ctx context.Context, collection string, filter core.Filter, opts *core.FindAndModifyOptions) (core.Document, error) {
	start := time.Now()
	doc, err := d.Driver.FindOneAndDelete(ctx, collection, filter, opts)
	d.observe(ctx, collection, "find_one_and_delete", start, err)
	return doc, err
}

// Count see [core.Driver.Count].
func (d *Driver) Count(ctx context.Context, collection string, filter core.Filter) (int64, error) {
	start := time.Now()
	n, err := d.Driver.Count(ctx, collection, filter)
	d.observe(ctx, collection, "count", start, err)
	return n, err
}
