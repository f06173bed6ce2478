// Package driver implements core.Driver for MongoDB using the official Go
// driver. Filters and updates are passed to the server unchanged; the
// transaction carried in a context runs as a session transaction.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/logger"
)

var tracer = otel.Tracer("knect/driver/mongo")

func startTrace(ctx context.Context, name, collection string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mongo."+name, trace.WithAttributes(attribute.String("collection", collection)))
}

var (
	// ErrNoDatabase is returned when the driver is built without a database name.
	ErrNoDatabase = errors.New("mongo: database name is required")
	// ErrNoCollection is returned for operations on an empty collection name.
	ErrNoCollection = errors.New("mongo: collection name is required")
)

const defaultTimeout = 10 * time.Second

// Option configures a MongoDriver.
type Option func(*MongoDriver)

// WithLogger sets the driver logger.
func WithLogger(l logger.Logger) Option {
	return func(d *MongoDriver) { d.logger = l }
}

// WithConnectTimeout bounds how long Connect retries the initial ping.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(d *MongoDriver) { d.connectTimeout = timeout }
}

// MongoDriver implements core.Driver for MongoDB.
//
// Every collection lives in the database chosen at construction.
type MongoDriver struct {
	client         *mongo.Client
	database       string
	logger         logger.Logger
	connectTimeout time.Duration
}

var _ core.Driver = (*MongoDriver)(nil)

// NewMongoDriver creates a client for uri and waits until the server answers.
func NewMongoDriver(ctx context.Context, uri, database string, opts ...Option) (*MongoDriver, error) {
	if database == "" {
		return nil, ErrNoDatabase
	}
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(defaultTimeout).
		SetServerSelectionTimeout(defaultTimeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	d := New(client, database, opts...)
	if err := d.Connect(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return d, nil
}

// New wraps an existing client. The driver takes ownership of it: Close
// disconnects it.
func New(client *mongo.Client, database string, opts ...Option) *MongoDriver {
	d := &MongoDriver{
		client:         client,
		database:       database,
		logger:         logger.NewNoopLogger(),
		connectTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Client returns the underlying client.
func (d *MongoDriver) Client() *mongo.Client { return d.client }

func (d *MongoDriver) coll(name string) (*mongo.Collection, error) {
	if d.database == "" {
		return nil, ErrNoDatabase
	}
	if name == "" {
		return nil, ErrNoCollection
	}
	return d.client.Database(d.database).Collection(name), nil
}

// withSession binds ctx to the session of the transaction it carries.
func (d *MongoDriver) withSession(ctx context.Context) (context.Context, error) {
	tx, ok := core.TransactionFrom(ctx).(*mongoTransaction)
	if !ok || tx.driver != d {
		return ctx, nil
	}
	if !tx.active() {
		return nil, core.ErrTransactionDone
	}
	return mongo.NewSessionContext(ctx, tx.session), nil
}

// prepare resolves the collection and the session context of an operation.
func (d *MongoDriver) prepare(ctx context.Context, collection string) (context.Context, *mongo.Collection, error) {
	c, err := d.coll(collection)
	if err != nil {
		return nil, nil, err
	}
	sctx, err := d.withSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	return sctx, c, nil
}

// Connect pings the primary, retrying with exponential backoff until it
// answers or the connect timeout elapses.
func (d *MongoDriver) Connect(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = d.connectTimeout
	attempt := 1
	err := backoff.Retry(func() error {
		err := d.client.Ping(ctx, readpref.Primary())
		if err != nil {
			d.logger.Info("waiting for mongo", zap.String("database", d.database), zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	return nil
}

// Ping checks that the primary answers.
func (d *MongoDriver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (d *MongoDriver) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Transaction starts a session and opens a transaction on it. Transactions
// need a replica set or sharded cluster.
func (d *MongoDriver) Transaction(ctx context.Context) (core.Transaction, error) {
	session, err := d.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongo start session: %w", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("mongo start transaction: %w", err)
	}
	return &mongoTransaction{driver: d, session: session}, nil
}

func (d *MongoDriver) FindOne(ctx context.Context, collection string, filter core.Filter, opts *core.FindOptions) (core.Document, error) {
	ctx, span := startTrace(ctx, "FindOne", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	var out bson.M
	err = c.FindOne(sctx, filterDocument(filter), findOneOptions(opts)).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return toDocument(out), nil
}

func (d *MongoDriver) Find(ctx context.Context, collection string, filter core.Filter, opts *core.FindOptions) ([]core.Document, error) {
	ctx, span := startTrace(ctx, "Find", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	cursor, err := c.Find(sctx, filterDocument(filter), findOptions(opts))
	if err != nil {
		return nil, mapError(err)
	}
	defer func() {
		_ = cursor.Close(sctx)
	}()

	var results []bson.M
	if err := cursor.All(sctx, &results); err != nil {
		return nil, mapError(err)
	}
	return toDocuments(results), nil
}

func (d *MongoDriver) InsertOne(ctx context.Context, collection string, document core.Document) (*core.InsertResult, error) {
	ctx, span := startTrace(ctx, "InsertOne", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	res, err := c.InsertOne(sctx, document)
	if err != nil {
		return nil, mapError(err)
	}
	return &core.InsertResult{InsertedIDs: []any{res.InsertedID}}, nil
}

// InsertMany inserts documents in order. A batch that fails part way is
// undone: inside a transaction by its rollback, otherwise by deleting the
// documents of the batch that were already written.
func (d *MongoDriver) InsertMany(ctx context.Context, collection string, documents []core.Document) (*core.InsertResult, error) {
	ctx, span := startTrace(ctx, "InsertMany", collection)
	defer span.End()

	if len(documents) == 0 {
		return &core.InsertResult{InsertedIDs: []any{}}, nil
	}
	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	docs, ids := withIDs(documents)
	if _, err := c.InsertMany(sctx, docs); err != nil {
		if sctx == ctx {
			d.undoInsert(ctx, c, ids, err)
		}
		return nil, mapError(err)
	}
	return &core.InsertResult{InsertedIDs: ids}, nil
}

// undoInsert removes the documents an ordered insert wrote before failing.
func (d *MongoDriver) undoInsert(ctx context.Context, c *mongo.Collection, ids []any, cause error) {
	written := writtenBefore(cause, len(ids))
	if written == 0 {
		return
	}
	_, err := c.DeleteMany(ctx, bson.M{core.IDField: bson.M{"$in": ids[:written]}})
	if err != nil {
		d.logger.Error("undo partial insert",
			zap.String("collection", c.Name()),
			zap.Int("written", written),
			zap.Error(err),
		)
	}
}

func (d *MongoDriver) UpdateOne(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	ctx, span := startTrace(ctx, "UpdateOne", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	res, err := c.UpdateOne(sctx, filterDocument(filter), updateDocument(update), options.Update().SetUpsert(upsert))
	if err != nil {
		return nil, mapError(err)
	}
	return updateResult(res), nil
}

func (d *MongoDriver) UpdateMany(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	ctx, span := startTrace(ctx, "UpdateMany", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	res, err := c.UpdateMany(sctx, filterDocument(filter), updateDocument(update), options.Update().SetUpsert(upsert))
	if err != nil {
		return nil, mapError(err)
	}
	return updateResult(res), nil
}

func updateResult(res *mongo.UpdateResult) *core.UpdateResult {
	return &core.UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}
}

func (d *MongoDriver) DeleteOne(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	ctx, span := startTrace(ctx, "DeleteOne", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	res, err := c.DeleteOne(sctx, filterDocument(filter))
	if err != nil {
		return nil, mapError(err)
	}
	return &core.DeleteResult{DeletedCount: res.DeletedCount}, nil
}

func (d *MongoDriver) DeleteMany(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	ctx, span := startTrace(ctx, "DeleteMany", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	res, err := c.DeleteMany(sctx, filterDocument(filter))
	if err != nil {
		return nil, mapError(err)
	}
	return &core.DeleteResult{DeletedCount: res.DeletedCount}, nil
}

func (d *MongoDriver) FindOneAndUpdate(ctx context.Context, collection string, filter core.Filter, update core.Update, opts *core.FindAndModifyOptions) (core.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndUpdate", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	res := c.FindOneAndUpdate(sctx, filterDocument(filter), updateDocument(update), findOneAndUpdateOptions(opts))
	return decodeSingle(res)
}

func (d *MongoDriver) FindOneAndReplace(ctx context.Context, collection string, filter core.Filter, replacement core.Document, opts *core.FindAndModifyOptions) (core.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndReplace", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	res := c.FindOneAndReplace(sctx, filterDocument(filter), replacement, findOneAndReplaceOptions(opts))
	return decodeSingle(res)
}

func (d *MongoDriver) FindOneAndDelete(ctx context.Context, collection string, filter core.Filter, opts *core.FindAndModifyOptions) (core.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndDelete", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return nil, err
	}
	res := c.FindOneAndDelete(sctx, filterDocument(filter), findOneAndDeleteOptions(opts))
	return decodeSingle(res)
}

func decodeSingle(res *mongo.SingleResult) (core.Document, error) {
	var out bson.M
	err := res.Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return toDocument(out), nil
}

func (d *MongoDriver) Count(ctx context.Context, collection string, filter core.Filter) (int64, error) {
	ctx, span := startTrace(ctx, "Count", collection)
	defer span.End()

	sctx, c, err := d.prepare(ctx, collection)
	if err != nil {
		return 0, err
	}
	n, err := c.CountDocuments(sctx, filterDocument(filter))
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}
