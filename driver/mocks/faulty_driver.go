// Package mocks holds test doubles for core.Driver.
package mocks

import (
	"context"
	"sync"

	"github.com/blujedis/knect-mongo-sub000/core"
)

// Operation names understood by FaultyDriver.
const (
	OpTransaction       = "transaction"
	OpFindOne           = "find_one"
	OpFind              = "find"
	OpInsertOne         = "insert_one"
	OpInsertMany        = "insert_many"
	OpUpdateOne         = "update_one"
	OpUpdateMany        = "update_many"
	OpDeleteOne         = "delete_one"
	OpDeleteMany        = "delete_many"
	OpFindOneAndUpdate  = "find_one_and_update"
	OpFindOneAndReplace = "find_one_and_replace"
	OpFindOneAndDelete  = "find_one_and_delete"
	OpCount             = "count"
)

// Call records one operation that reached the FaultyDriver.
type Call struct {
	Collection string
	Op         string
	Filter     core.Filter
}

type fault struct {
	collection string
	op         string
	err        error
	remaining  int // < 0 means forever
}

func (f fault) matches(collection, op string) bool {
	return (f.collection == "" || f.collection == collection) && (f.op == "" || f.op == op)
}

// FaultyDriver is a proxy to the actual driver except that operations matching
// a registered fault return its error instead of reaching the driver. It also
// records every call it sees.
type FaultyDriver struct {
	core.Driver

	mu     sync.Mutex
	faults []fault // GUARDED_BY(mu)
	calls  []Call  // GUARDED_BY(mu)
}

var _ core.Driver = (*FaultyDriver)(nil)

// NewFaultyDriver wraps d.
func NewFaultyDriver(d core.Driver) *FaultyDriver {
	return &FaultyDriver{Driver: d}
}

// FailOn makes every operation op on collection fail with err. An empty
// collection or op matches any.
func (f *FaultyDriver) FailOn(collection, op string, err error) *FaultyDriver {
	return f.fail(collection, op, err, -1)
}

// FailOnce is FailOn for the next matching call only.
func (f *FaultyDriver) FailOnce(collection, op string, err error) *FaultyDriver {
	return f.fail(collection, op, err, 1)
}

func (f *FaultyDriver) fail(collection, op string, err error, times int) *FaultyDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault{collection: collection, op: op, err: err, remaining: times})
	return f
}

// Reset clears faults and recorded calls.
func (f *FaultyDriver) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
	f.calls = nil
}

// Calls returns the recorded calls in order.
func (f *FaultyDriver) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded calls of op.
func (f *FaultyDriver) CallsTo(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// check records the call and returns the error of the first matching fault.
func (f *FaultyDriver) check(collection, op string, filter core.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Collection: collection, Op: op, Filter: filter})
	for i := range f.faults {
		ft := &f.faults[i]
		if ft.remaining == 0 || !ft.matches(collection, op) {
			continue
		}
		if ft.remaining > 0 {
			ft.remaining--
		}
		return ft.err
	}
	return nil
}

func (f *FaultyDriver) Transaction(ctx context.Context) (core.Transaction, error) {
	if err := f.check("", OpTransaction, nil); err != nil {
		return nil, err
	}
	return f.Driver.Transaction(ctx)
}

func (f *FaultyDriver) FindOne(ctx context.Context, collection string, filter core.Filter, opts *core.FindOptions) (core.Document, error) {
	if err := f.check(collection, OpFindOne, filter); err != nil {
		return nil, err
	}
	return f.Driver.FindOne(ctx, collection, filter, opts)
}

func (f *FaultyDriver) Find(ctx context.Context, collection string, filter core.Filter, opts *core.FindOptions) ([]core.Document, error) {
	if err := f.check(collection, OpFind, filter); err != nil {
		return nil, err
	}
	return f.Driver.Find(ctx, collection, filter, opts)
}

func (f *FaultyDriver) InsertOne(ctx context.Context, collection string, document core.Document) (*core.InsertResult, error) {
	if err := f.check(collection, OpInsertOne, nil); err != nil {
		return nil, err
	}
	return f.Driver.InsertOne(ctx, collection, document)
}

func (f *FaultyDriver) InsertMany(ctx context.Context, collection string, documents []core.Document) (*core.InsertResult, error) {
	if err := f.check(collection, OpInsertMany, nil); err != nil {
		return nil, err
	}
	return f.Driver.InsertMany(ctx, collection, documents)
}

func (f *FaultyDriver) UpdateOne(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	if err := f.check(collection, OpUpdateOne, filter); err != nil {
		return nil, err
	}
	return f.Driver.UpdateOne(ctx, collection, filter, update, upsert)
}

func (f *FaultyDriver) UpdateMany(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	if err := f.check(collection, OpUpdateMany, filter); err != nil {
		return nil, err
	}
	return f.Driver.UpdateMany(ctx, collection, filter, update, upsert)
}

func (f *FaultyDriver) DeleteOne(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	if err := f.check(collection, OpDeleteOne, filter); err != nil {
		return nil, err
	}
	return f.Driver.DeleteOne(ctx, collection, filter)
}

func (f *FaultyDriver) DeleteMany(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	if err := f.check(collection, OpDeleteMany, filter); err != nil {
		return nil, err
	}
	return f.Driver.DeleteMany(ctx, collection, filter)
}

func (f *FaultyDriver) FindOneAndUpdate(ctx context.Context, collection string, filter core.Filter, update core.Update, opts *core.FindAndModifyOptions) (core.Document, error) {
	if err := f.check(collection, OpFindOneAndUpdate, filter); err != nil {
		return nil, err
	}
	return f.Driver.FindOneAndUpdate(ctx, collection, filter, update, opts)
}

func (f *FaultyDriver) FindOneAndReplace(ctx context.Context, collection string, filter core.Filter, replacement core.Document, opts *core.FindAndModifyOptions) (core.Document, error) {
	if err := f.check(collection, OpFindOneAndReplace, filter); err != nil {
		return nil, err
	}
	return f.Driver.FindOneAndReplace(ctx, collection, filter, replacement, opts)
}

func (f *FaultyDriver) FindOneAndDelete(ctx context.Context, collection string, filter core.Filter, opts *core.FindAndModifyOptions) (core.Document, error) {
	if err := f.check(collection, OpFindOneAndDelete, filter); err != nil {
		return nil, err
	}
	return f.Driver.FindOneAndDelete(ctx, collection, filter, opts)
}

func (f *FaultyDriver) Count(ctx context.Context, collection string, filter core.Filter) (int64, error) {
	if err := f.check(collection, OpCount, filter); err != nil {
		return 0, err
	}
	return f.Driver.Count(ctx, collection, filter)
}
