package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/drivertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryDriver(t *testing.T) {
	drivertest.RunAllTests(t, New())
}

func TestDocumentsAreCopied(t *testing.T) {
	ctx := context.Background()
	d := New()

	doc := core.Document{core.IDField: "a", "tags": []any{"x"}}
	_, err := d.InsertOne(ctx, "docs", doc)
	require.NoError(t, err)
	doc["tags"].([]any)[0] = "mutated"

	got, err := d.FindOne(ctx, "docs", core.Filter{core.IDField: "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"x"}, got["tags"])

	got["tags"].([]any)[0] = "mutated again"
	again, err := d.FindOne(ctx, "docs", core.Filter{core.IDField: "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"x"}, again["tags"])
}

func TestTransactionIsolation(t *testing.T) {
	ctx := context.Background()
	d := New()

	tx, err := d.Transaction(ctx)
	require.NoError(t, err)
	txCtx := core.WithTransaction(ctx, tx)

	_, err = d.InsertOne(txCtx, "iso", core.Document{core.IDField: 1})
	require.NoError(t, err)

	outside, err := d.Count(ctx, "iso", core.Filter{})
	require.NoError(t, err)
	require.Zero(t, outside, "uncommitted writes are invisible outside the transaction")

	require.NoError(t, tx.Commit(ctx))

	outside, err = d.Count(ctx, "iso", core.Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, outside)

	_, err = d.Count(txCtx, "iso", core.Filter{})
	require.ErrorIs(t, err, core.ErrTransactionDone)
}

func TestTransactionConflict(t *testing.T) {
	ctx := context.Background()
	d := New()

	tx, err := d.Transaction(ctx)
	require.NoError(t, err)
	txCtx := core.WithTransaction(ctx, tx)

	_, err = d.InsertOne(txCtx, "conflict", core.Document{core.IDField: "in-tx"})
	require.NoError(t, err)

	_, err = d.InsertOne(ctx, "conflict", core.Document{core.IDField: "outside"})
	require.NoError(t, err)

	require.ErrorIs(t, tx.Commit(ctx), core.ErrTransactionConflict)

	docs, err := d.Find(ctx, "conflict", core.Filter{}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "outside", docs[0].ID())
}

func TestReadOnlyTransactionNeverConflicts(t *testing.T) {
	ctx := context.Background()
	d := New()

	tx, err := d.Transaction(ctx)
	require.NoError(t, err)

	_, err = d.Find(core.WithTransaction(ctx, tx), "ro", core.Filter{}, nil)
	require.NoError(t, err)
	_, err = d.InsertOne(ctx, "ro", core.Document{})
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.Close(ctx))

	require.ErrorIs(t, d.Ping(ctx), ErrClosed)
	_, err := d.Find(ctx, "c", core.Filter{}, nil)
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, d.Connect(ctx))
	require.NoError(t, d.Ping(ctx))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Find(ctx, "c", core.Filter{}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
