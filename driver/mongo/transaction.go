package driver

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/blujedis/knect-mongo-sub000/core"
)

// mongoTransaction implements core.Transaction for MongoDB.
//
// It wraps a mongo.Session with an active transaction. Commit and Rollback
// both end the session; using it afterwards yields core.ErrTransactionDone.
type mongoTransaction struct {
	driver  *MongoDriver
	session mongo.Session

	mu   sync.Mutex
	done bool // GUARDED_BY(mu)
}

// Commit commits the current MongoDB transaction and ends the session.
func (t *mongoTransaction) Commit(ctx context.Context) error {
	return t.finish(ctx, t.session.CommitTransaction)
}

// Rollback aborts the current MongoDB transaction and ends the session.
func (t *mongoTransaction) Rollback(ctx context.Context) error {
	return t.finish(ctx, t.session.AbortTransaction)
}

func (t *mongoTransaction) finish(ctx context.Context, fn func(context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return core.ErrTransactionDone
	}
	t.done = true
	defer t.session.EndSession(ctx)
	return mapError(fn(ctx))
}

func (t *mongoTransaction) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.done
}
