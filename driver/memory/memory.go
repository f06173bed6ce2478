// Package memory provides an ephemeral in-process implementation of
// core.Driver.
//
// Documents live in maps guarded by a mutex and are copied on the way in and
// out, so callers never share state with the store. Transactions work on a
// private snapshot taken when they start and replace the store on commit; a
// commit fails with core.ErrTransactionConflict when another write committed
// since the snapshot was taken.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/eval"
	"github.com/blujedis/knect-mongo-sub000/logger"
)

var tracer = otel.Tracer("knect/driver/memory")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory: driver is closed")

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// store maps a collection name to its documents in insertion order.
type store map[string][]core.Document

func (s store) clone() store {
	out := make(store, len(s))
	for name, docs := range s {
		copied := make([]core.Document, len(docs))
		for i, doc := range docs {
			copied[i] = core.CloneDocument(doc)
		}
		out[name] = copied
	}
	return out
}

// Driver is an in-memory document store. It may be shared by multiple
// goroutines.
type Driver struct {
	logger logger.Logger

	mu      sync.RWMutex
	data    store  // GUARDED_BY(mu)
	version uint64 // GUARDED_BY(mu), bumped by every committed write
	closed  bool   // GUARDED_BY(mu)
}

var _ core.Driver = (*Driver)(nil)

// New returns an empty store.
func New(options ...Option) *Driver {
	d := &Driver{
		logger: logger.NewNoopLogger(),
		data:   make(store),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// Connect reopens a closed driver.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	return nil
}

// Ping reports ErrClosed after Close.
func (d *Driver) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the driver closed. The data is kept until the driver is
// garbage collected.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type transaction struct {
	id     string
	driver *Driver

	mu    sync.Mutex
	base  uint64 // GUARDED_BY(mu)
	data  store  // GUARDED_BY(mu)
	dirty bool   // GUARDED_BY(mu)
	done  bool   // GUARDED_BY(mu)
}

// Transaction starts a snapshot transaction.
func (d *Driver) Transaction(ctx context.Context) (core.Transaction, error) {
	_, span := tracer.Start(ctx, "memory.Transaction")
	defer span.End()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	tx := &transaction{
		id:     uuid.NewString(),
		driver: d,
		base:   d.version,
		data:   d.data.clone(),
	}
	d.logger.DebugWithContext(ctx, "transaction started", zap.String("tx", tx.id))
	return tx, nil
}

// Commit publishes the snapshot. It fails with core.ErrTransactionConflict
// when the store changed since the transaction started.
func (t *transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return core.ErrTransactionDone
	}
	t.done = true
	if !t.dirty {
		return nil
	}

	d := t.driver
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.version != t.base {
		d.logger.WarnWithContext(ctx, "transaction conflict", zap.String("tx", t.id))
		return fmt.Errorf("%w: transaction %s", core.ErrTransactionConflict, t.id)
	}
	d.data = t.data
	d.version++
	d.logger.DebugWithContext(ctx, "transaction committed", zap.String("tx", t.id))
	return nil
}

// Rollback discards the snapshot.
func (t *transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return core.ErrTransactionDone
	}
	t.done = true
	t.data = nil
	t.driver.logger.DebugWithContext(ctx, "transaction rolled back", zap.String("tx", t.id))
	return nil
}

// transactionFrom returns the transaction of this driver carried by ctx.
func (d *Driver) transactionFrom(ctx context.Context) *transaction {
	tx, ok := core.TransactionFrom(ctx).(*transaction)
	if !ok || tx.driver != d {
		return nil
	}
	return tx
}

// view runs fn against the store visible from ctx.
func (d *Driver) view(ctx context.Context, fn func(store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx := d.transactionFrom(ctx); tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.done {
			return core.ErrTransactionDone
		}
		return fn(tx.data)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return fn(d.data)
}

// modify runs fn against the store visible from ctx. fn reports whether it
// changed anything; fn must leave the store untouched when it fails.
func (d *Driver) modify(ctx context.Context, fn func(store) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx := d.transactionFrom(ctx); tx != nil {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.done {
			return core.ErrTransactionDone
		}
		changed, err := fn(tx.data)
		if changed {
			tx.dirty = true
		}
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	changed, err := fn(d.data)
	if changed {
		d.version++
	}
	return err
}

// match returns the positions of the documents of collection matching filter,
// ordered by sortBy when given.
func match(s store, collection string, filter core.Filter, sortBy []core.Sort) ([]int, error) {
	docs := s[collection]
	var hits []int
	for i, doc := range docs {
		ok, err := eval.Match(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			hits = append(hits, i)
		}
	}
	if keys := sortKeys(sortBy); len(keys) > 0 {
		slices.SortStableFunc(hits, func(a, b int) int {
			return eval.Compare(docs[a], docs[b], keys)
		})
	}
	return hits, nil
}

func sortKeys(sortBy []core.Sort) []eval.SortKey {
	keys := make([]eval.SortKey, 0, len(sortBy))
	for _, s := range sortBy {
		keys = append(keys, eval.SortKey{Field: s.FieldName, Order: s.Order})
	}
	return keys
}

// FindOne returns the first matching document, or nil.
func (d *Driver) FindOne(ctx context.Context, collection string, filter core.Filter, options *core.FindOptions) (core.Document, error) {
	opts := core.FindOptions{}
	if options != nil {
		opts = *options
	}
	opts.Limit = 1
	docs, err := d.Find(ctx, collection, filter, &opts)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// Find returns every matching document.
func (d *Driver) Find(ctx context.Context, collection string, filter core.Filter, options *core.FindOptions) ([]core.Document, error) {
	opts := core.FindOptions{}
	if options != nil {
		opts = *options
	}
	var out []core.Document
	err := d.view(ctx, func(s store) error {
		hits, err := match(s, collection, filter, opts.Sort)
		if err != nil {
			return err
		}
		hits = eval.Window(hits, opts.Skip, opts.Limit)
		out = make([]core.Document, 0, len(hits))
		for _, i := range hits {
			doc := core.CloneDocument(s[collection][i])
			out = append(out, core.Document(eval.Project(doc, opts.Projection)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// prepareInserts copies docs, assigns missing identifiers and rejects
// duplicates against the collection and within the batch.
func prepareInserts(existing []core.Document, docs []core.Document) ([]core.Document, []any, error) {
	seen := make(map[string]bool, len(existing)+len(docs))
	for _, doc := range existing {
		seen[eval.Key(doc.ID())] = true
	}
	prepared := make([]core.Document, 0, len(docs))
	ids := make([]any, 0, len(docs))
	for _, doc := range docs {
		copied := core.CloneDocument(doc)
		if copied == nil {
			copied = core.Document{}
		}
		if copied.ID() == nil {
			copied[core.IDField] = primitive.NewObjectID()
		}
		key := eval.Key(copied.ID())
		if seen[key] {
			return nil, nil, fmt.Errorf("%w: %v", core.ErrDuplicateKey, copied.ID())
		}
		seen[key] = true
		prepared = append(prepared, copied)
		ids = append(ids, copied.ID())
	}
	return prepared, ids, nil
}

// InsertOne stores a copy of document, assigning an ObjectID when it has no
// identifier.
func (d *Driver) InsertOne(ctx context.Context, collection string, document core.Document) (*core.InsertResult, error) {
	return d.InsertMany(ctx, collection, []core.Document{document})
}

// InsertMany stores copies of documents. Either all of them are inserted or,
// on a duplicate identifier, none is.
func (d *Driver) InsertMany(ctx context.Context, collection string, documents []core.Document) (*core.InsertResult, error) {
	result := &core.InsertResult{}
	err := d.modify(ctx, func(s store) (bool, error) {
		prepared, ids, err := prepareInserts(s[collection], documents)
		if err != nil {
			return false, err
		}
		s[collection] = append(s[collection], prepared...)
		result.InsertedIDs = ids
		return len(prepared) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyAt applies update to a copy of the document at position i and stores
// the copy. It reports whether the document changed.
func applyAt(s store, collection string, i int, update core.Update) (core.Document, bool, error) {
	current := s[collection][i]
	next := core.CloneDocument(current)
	if err := eval.Apply(next, update, false); err != nil {
		return nil, false, err
	}
	if eval.Equal(map[string]any(current), map[string]any(next)) {
		return current, false, nil
	}
	s[collection][i] = next
	return next, true, nil
}

// upsert inserts the document an update or replacement produces when its
// filter matched nothing.
func upsert(s store, collection string, filter core.Filter, build func(seed core.Document) (core.Document, error)) (core.Document, error) {
	seed := core.Document(eval.Seed(filter))
	doc, err := build(seed)
	if err != nil {
		return nil, err
	}
	prepared, _, err := prepareInserts(s[collection], []core.Document{doc})
	if err != nil {
		return nil, err
	}
	s[collection] = append(s[collection], prepared[0])
	return prepared[0], nil
}

func (d *Driver) update(ctx context.Context, collection string, filter core.Filter, update core.Update, upsertDoc bool, many bool) (*core.UpdateResult, error) {
	result := &core.UpdateResult{}
	err := d.modify(ctx, func(s store) (bool, error) {
		hits, err := match(s, collection, filter, nil)
		if err != nil {
			return false, err
		}
		if !many && len(hits) > 1 {
			hits = hits[:1]
		}

		if len(hits) == 0 {
			if !upsertDoc {
				return false, nil
			}
			inserted, err := upsert(s, collection, filter, func(seed core.Document) (core.Document, error) {
				return seed, eval.Apply(seed, update, true)
			})
			if err != nil {
				return false, err
			}
			result.UpsertedCount = 1
			result.UpsertedID = inserted.ID()
			return true, nil
		}

		// apply to copies first so a failing document leaves the store untouched
		staged := s.clone()
		for _, i := range hits {
			_, changed, err := applyAt(staged, collection, i, update)
			if err != nil {
				return false, err
			}
			result.MatchedCount++
			if changed {
				result.ModifiedCount++
			}
		}
		s[collection] = staged[collection]
		return result.ModifiedCount > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateOne applies update to the first matching document.
func (d *Driver) UpdateOne(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	return d.update(ctx, collection, filter, update, upsert, false)
}

// UpdateMany applies update to every matching document.
func (d *Driver) UpdateMany(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	return d.update(ctx, collection, filter, update, upsert, true)
}

func (d *Driver) delete(ctx context.Context, collection string, filter core.Filter, many bool) (*core.DeleteResult, error) {
	result := &core.DeleteResult{}
	err := d.modify(ctx, func(s store) (bool, error) {
		hits, err := match(s, collection, filter, nil)
		if err != nil {
			return false, err
		}
		if !many && len(hits) > 1 {
			hits = hits[:1]
		}
		removeAt(s, collection, hits)
		result.DeletedCount = int64(len(hits))
		return len(hits) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// removeAt drops the documents at the given positions.
func removeAt(s store, collection string, positions []int) {
	if len(positions) == 0 {
		return
	}
	drop := make(map[int]bool, len(positions))
	for _, i := range positions {
		drop[i] = true
	}
	kept := make([]core.Document, 0, len(s[collection])-len(positions))
	for i, doc := range s[collection] {
		if !drop[i] {
			kept = append(kept, doc)
		}
	}
	s[collection] = kept
}

// DeleteOne removes the first matching document.
func (d *Driver) DeleteOne(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	return d.delete(ctx, collection, filter, false)
}

// DeleteMany removes every matching document.
func (d *Driver) DeleteMany(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	return d.delete(ctx, collection, filter, true)
}

func modifyOptions(options *core.FindAndModifyOptions) core.FindAndModifyOptions {
	if options == nil {
		return core.FindAndModifyOptions{}
	}
	return *options
}

// FindOneAndUpdate updates the first matching document (in sort order) and
// returns it as it was before, or after when ReturnAfter is set.
func (d *Driver) FindOneAndUpdate(ctx context.Context, collection string, filter core.Filter, update core.Update, options *core.FindAndModifyOptions) (core.Document, error) {
	opts := modifyOptions(options)
	var out core.Document
	err := d.modify(ctx, func(s store) (bool, error) {
		hits, err := match(s, collection, filter, opts.Sort)
		if err != nil {
			return false, err
		}
		if len(hits) == 0 {
			if !opts.Upsert {
				return false, nil
			}
			inserted, err := upsert(s, collection, filter, func(seed core.Document) (core.Document, error) {
				return seed, eval.Apply(seed, update, true)
			})
			if err != nil {
				return false, err
			}
			if opts.ReturnAfter {
				out = core.CloneDocument(inserted)
			}
			return true, nil
		}

		before := core.CloneDocument(s[collection][hits[0]])
		after, changed, err := applyAt(s, collection, hits[0], update)
		if err != nil {
			return false, err
		}
		out = before
		if opts.ReturnAfter {
			out = core.CloneDocument(after)
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindOneAndReplace replaces the first matching document, keeping its
// identifier.
func (d *Driver) FindOneAndReplace(ctx context.Context, collection string, filter core.Filter, replacement core.Document, options *core.FindAndModifyOptions) (core.Document, error) {
	opts := modifyOptions(options)
	var out core.Document
	err := d.modify(ctx, func(s store) (bool, error) {
		hits, err := match(s, collection, filter, opts.Sort)
		if err != nil {
			return false, err
		}
		if len(hits) == 0 {
			if !opts.Upsert {
				return false, nil
			}
			inserted, err := upsert(s, collection, filter, func(seed core.Document) (core.Document, error) {
				doc := core.CloneDocument(replacement)
				if doc == nil {
					doc = core.Document{}
				}
				if doc.ID() == nil && seed.ID() != nil {
					doc[core.IDField] = seed.ID()
				}
				return doc, nil
			})
			if err != nil {
				return false, err
			}
			if opts.ReturnAfter {
				out = core.CloneDocument(inserted)
			}
			return true, nil
		}

		current := s[collection][hits[0]]
		next, err := eval.Replace(current, core.CloneDocument(replacement))
		if err != nil {
			return false, err
		}
		s[collection][hits[0]] = next
		out = core.CloneDocument(current)
		if opts.ReturnAfter {
			out = core.CloneDocument(next)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindOneAndDelete removes the first matching document (in sort order) and
// returns it.
func (d *Driver) FindOneAndDelete(ctx context.Context, collection string, filter core.Filter, options *core.FindAndModifyOptions) (core.Document, error) {
	opts := modifyOptions(options)
	var out core.Document
	err := d.modify(ctx, func(s store) (bool, error) {
		hits, err := match(s, collection, filter, opts.Sort)
		if err != nil || len(hits) == 0 {
			return false, err
		}
		out = core.CloneDocument(s[collection][hits[0]])
		removeAt(s, collection, hits[:1])
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of matching documents.
func (d *Driver) Count(ctx context.Context, collection string, filter core.Filter) (int64, error) {
	var n int64
	err := d.view(ctx, func(s store) error {
		hits, err := match(s, collection, filter, nil)
		n = int64(len(hits))
		return err
	})
	return n, err
}
