// Package core provides the fundamental building blocks of knect.
// It defines the driver contract, schemas and joins, the hook pipeline, the
// per-collection Model, and the populate and cascade engines built on top.
package core

import (
	"context"
	"errors"
)

// Document is a single stored record. The identifier lives under IDField.
type Document map[string]any

// Filter selects documents. It uses the store's operator syntax
// (e.g. {"age": {"$gt": 18}}).
type Filter map[string]any

// Update describes changes in operator syntax (e.g. {"$set": {...}}).
type Update map[string]any

// IDField is the name of the identifier field of every document.
const IDField = "_id"

// ID returns the document identifier, or nil when it has none.
func (d Document) ID() any {
	if d == nil {
		return nil
	}
	return d[IDField]
}

// Sort represents an ordering rule used in queries.
//
// FieldName specifies which field to sort by.
// Order determines the direction: 1 for ascending, -1 for descending.
type Sort struct {
	FieldName string
	Order     int // 1 = ASC, -1 = DESC
}

// FindOptions are the read options understood by every driver.
type FindOptions struct {
	Sort       []Sort
	Limit      int64
	Skip       int64
	Projection map[string]any
}

// FindAndModifyOptions control the find-and-modify family of operations.
type FindAndModifyOptions struct {
	Sort []Sort
	// Upsert inserts a document when nothing matches (update and replace only).
	Upsert bool
	// ReturnAfter returns the document as it is after the modification.
	// Ignored by FindOneAndDelete.
	ReturnAfter bool
}

// InsertResult reports the identifiers assigned by an insert.
type InsertResult struct {
	InsertedIDs []any
}

// UpdateResult reports what an update touched.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	UpsertedID    any
}

// DeleteResult reports how many documents a delete removed.
type DeleteResult struct {
	DeletedCount int64
}

var (
	// ErrDuplicateKey is returned by drivers when an insert collides with an
	// existing identifier.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrTransactionConflict is returned when a transaction cannot commit
	// because the data it read changed underneath it.
	ErrTransactionConflict = errors.New("transaction conflict")
	// ErrTransactionDone is returned when a finished transaction is used again.
	ErrTransactionDone = errors.New("transaction already committed or rolled back")
	// ErrImmutableID is returned when an update or replacement would change a
	// stored document's identifier.
	ErrImmutableID = errors.New("the _id field is immutable")
)

// Transaction defines the contract for database transaction management.
//
// Implementations must provide atomic commit and rollback semantics.
type Transaction interface {
	// Commit finalizes the transaction and makes all changes permanent.
	Commit(ctx context.Context) error
	// Rollback reverts the transaction, discarding all changes.
	Rollback(ctx context.Context) error
}

// Driver defines the contract for document stores supported by knect.
//
// Every data method takes the target collection name. Drivers join the
// transaction found in ctx (see WithTransaction) when there is one of their own.
// FindOne and the FindOneAnd* methods return a nil Document and a nil error
// when nothing matches.
type Driver interface {
	// Connect establishes a new connection or validates connectivity.
	Connect(ctx context.Context) error
	// Ping checks if the underlying database is reachable.
	Ping(ctx context.Context) error
	// Close terminates the connection and releases resources.
	Close(ctx context.Context) error

	// Transaction starts a new multi-document transaction.
	Transaction(ctx context.Context) (Transaction, error)

	FindOne(ctx context.Context, collection string, filter Filter, options *FindOptions) (Document, error)
	Find(ctx context.Context, collection string, filter Filter, options *FindOptions) ([]Document, error)
	InsertOne(ctx context.Context, collection string, document Document) (*InsertResult, error)
	InsertMany(ctx context.Context, collection string, documents []Document) (*InsertResult, error)
	UpdateOne(ctx context.Context, collection string, filter Filter, update Update, upsert bool) (*UpdateResult, error)
	UpdateMany(ctx context.Context, collection string, filter Filter, update Update, upsert bool) (*UpdateResult, error)
	DeleteOne(ctx context.Context, collection string, filter Filter) (*DeleteResult, error)
	DeleteMany(ctx context.Context, collection string, filter Filter) (*DeleteResult, error)
	FindOneAndUpdate(ctx context.Context, collection string, filter Filter, update Update, options *FindAndModifyOptions) (Document, error)
	FindOneAndReplace(ctx context.Context, collection string, filter Filter, replacement Document, options *FindAndModifyOptions) (Document, error)
	FindOneAndDelete(ctx context.Context, collection string, filter Filter, options *FindAndModifyOptions) (Document, error)
	Count(ctx context.Context, collection string, filter Filter) (int64, error)
}
