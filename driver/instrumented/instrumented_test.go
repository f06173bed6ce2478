package instrumented

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/drivertest"
	"github.com/blujedis/knect-mongo-sub000/driver/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestInstrumentedDriver(t *testing.T) {
	drivertest.RunAllTests(t, New(memory.New(), NewMetrics(prometheus.NewRegistry())))
}

func TestCountsOperations(t *testing.T) {
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	d := New(memory.New(), metrics)

	_, err := d.InsertOne(ctx, "users", core.Document{core.IDField: "a"})
	require.NoError(t, err)
	_, err = d.InsertOne(ctx, "users", core.Document{core.IDField: "a"})
	require.ErrorIs(t, err, core.ErrDuplicateKey)
	for range 3 {
		_, err = d.Find(ctx, "users", core.Filter{}, nil)
		require.NoError(t, err)
	}

	require.InDelta(t, 1, testutil.ToFloat64(metrics.operations.WithLabelValues("users", "insert_one", statusOK)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.operations.WithLabelValues("users", "insert_one", statusError)), 0)
	require.InDelta(t, 3, testutil.ToFloat64(metrics.operations.WithLabelValues("users", "find", statusOK)), 0)
	require.Equal(t, 2, testutil.CollectAndCount(metrics.duration))
}

func TestTransactionsAreRecordedAndJoined(t *testing.T) {
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	d := New(memory.New(), metrics)

	err := core.RunTransaction(ctx, d, func(txCtx context.Context) error {
		_, err := d.InsertOne(txCtx, "tx", core.Document{core.IDField: 1})
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = core.RunTransaction(ctx, d, func(txCtx context.Context) error {
		if _, err := d.InsertOne(txCtx, "tx", core.Document{core.IDField: 2}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	count, err := d.Count(ctx, "tx", core.Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, count, "the rolled back insert is gone")

	require.InDelta(t, 2, testutil.ToFloat64(metrics.operations.WithLabelValues("", "transaction", statusOK)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.operations.WithLabelValues("", "commit", statusOK)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.operations.WithLabelValues("", "rollback", statusOK)), 0)
}

func TestStatus(t *testing.T) {
	require.Equal(t, statusOK, status(nil))
	require.Equal(t, statusConflict, status(core.ErrTransactionConflict))
	require.Equal(t, statusError, status(core.ErrDuplicateKey))
}

func TestUnwrap(t *testing.T) {
	inner := memory.New()
	require.Same(t, inner, New(inner, NewMetrics(prometheus.NewRegistry())).Unwrap())
}
