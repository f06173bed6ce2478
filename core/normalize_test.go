package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/blujedis/knect-mongo-sub000/core"
)

func TestToID(t *testing.T) {
	oid := primitive.NewObjectID()

	t.Run("object id passes through", func(t *testing.T) {
		got, err := core.ToID(oid)
		require.NoError(t, err)
		require.Equal(t, oid, got)
	})

	t.Run("hex string is parsed", func(t *testing.T) {
		got, err := core.ToID(oid.Hex())
		require.NoError(t, err)
		require.Equal(t, oid, got)
	})

	t.Run("integer becomes a timestamp id", func(t *testing.T) {
		got, err := core.ToID(1_600_000_000)
		require.NoError(t, err)
		id, ok := got.(primitive.ObjectID)
		require.True(t, ok)
		require.Equal(t, time.Unix(1_600_000_000, 0).UTC(), id.Timestamp().UTC())
	})

	t.Run("list stays a list", func(t *testing.T) {
		got, err := core.ToID([]any{oid.Hex(), oid})
		require.NoError(t, err)
		require.Equal(t, []any{oid, oid}, got)
	})

	for name, value := range map[string]any{
		"short string":    "abc",
		"negative number": -1,
		"fraction":        1.5,
		"bool":            true,
		"document":        core.Document{"a": 1},
	} {
		t.Run("rejects "+name, func(t *testing.T) {
			_, err := core.ToID(value)
			require.ErrorIs(t, err, core.ErrInvalidIdentifier)
		})
	}
}

func TestToIDIsIdempotent(t *testing.T) {
	for _, value := range []any{primitive.NewObjectID().Hex(), 42, []any{primitive.NewObjectID().Hex()}} {
		once, err := core.ToID(value)
		require.NoError(t, err)
		twice, err := core.ToID(once)
		require.NoError(t, err)
		require.Equal(t, once, twice)
	}
}

func TestToQuery(t *testing.T) {
	a, b := primitive.NewObjectID(), primitive.NewObjectID()

	t.Run("nil selects everything", func(t *testing.T) {
		got, err := core.ToQuery(nil)
		require.NoError(t, err)
		require.Equal(t, core.Filter{}, got)
	})

	t.Run("bare identifier", func(t *testing.T) {
		got, err := core.ToQuery(a.Hex())
		require.NoError(t, err)
		require.Equal(t, core.Filter{core.IDField: a}, got)
	})

	t.Run("only _id is touched", func(t *testing.T) {
		in := core.Filter{core.IDField: a.Hex(), "ref": b.Hex()}
		got, err := core.ToQuery(in)
		require.NoError(t, err)
		require.Equal(t, core.Filter{core.IDField: a, "ref": b.Hex()}, got)
		require.Equal(t, a.Hex(), in[core.IDField], "the input is not mutated")
	})

	t.Run("operator operands", func(t *testing.T) {
		got, err := core.ToQuery(core.Filter{core.IDField: core.Filter{"$in": []any{a.Hex(), b.Hex()}, "$exists": true}})
		require.NoError(t, err)
		require.Equal(t, core.Filter{core.IDField: core.Filter{"$in": []any{a, b}, "$exists": true}}, got)
	})

	t.Run("condition is compiled", func(t *testing.T) {
		got, err := core.ToQuery(core.Where("age").Gte(18))
		require.NoError(t, err)
		require.Equal(t, core.Filter{"age": core.Filter{"$gte": 18}}, got)
	})

	t.Run("invalid identifier", func(t *testing.T) {
		_, err := core.ToQuery(core.Filter{core.IDField: "nope"})
		require.ErrorIs(t, err, core.ErrInvalidIdentifier)
	})
}

func TestToUpdate(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want core.Update
	}{
		{
			name: "partial document",
			in:   core.Document{"name": "ana"},
			want: core.Update{"$set": core.Document{"name": "ana"}},
		},
		{
			name: "operators keep their shape",
			in:   core.Update{"$inc": core.Document{"visits": 1}},
			want: core.Update{"$inc": core.Document{"visits": 1}, "$set": core.Document{}},
		},
		{
			name: "existing set is kept",
			in:   map[string]any{"$set": map[string]any{"a": 1}},
			want: core.Update{"$set": map[string]any{"a": 1}},
		},
		{
			name: "empty document",
			in:   core.Document{},
			want: core.Update{"$set": core.Document{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := core.ToUpdate(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			again, err := core.ToUpdate(got)
			require.NoError(t, err)
			require.Equal(t, got, again)
		})
	}

	_, err := core.ToUpdate("name=ana")
	require.ErrorIs(t, err, core.ErrInvalidUpdate)
}

func TestConditionFilter(t *testing.T) {
	cond := core.Where("age").Gt(18).And(core.Where("name").Like("an%"), core.Where("role").In("admin", "staff"))
	require.Equal(t, core.Filter{"$and": []any{
		core.Filter{"age": core.Filter{"$gt": 18}},
		core.Filter{"name": primitive.Regex{Pattern: "^an.*$", Options: "i"}},
		core.Filter{"role": core.Filter{"$in": []any{"admin", "staff"}}},
	}}, cond.Filter())

	require.Equal(t, core.Filter{"$nor": []any{core.Filter{"deletedAt": nil}}}, core.Where("deletedAt").Nil().Not().Filter())
	require.Equal(t, core.Filter{}, core.Where("age").Filter())
}

func TestConditionWithoutOperator(t *testing.T) {
	require.Equal(t, core.Filter{}, core.Where("age").Not().Filter())
	require.Equal(t, core.Filter{}, core.Where("age").And(core.Where("name")).Filter())
	require.Equal(t, core.Filter{"$and": []any{core.Filter{"age": core.Filter{"$eq": 1}}}},
		core.Where("age").Eq(1).And(core.Where("name")).Filter())
	require.Equal(t, core.Filter{}, core.Where("age").Eq(1).Or(core.Where("name")).Filter())
}

func TestNotWithoutOperatorSelectsEverything(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	users, err := r.Define("user", "users")
	require.NoError(t, err)
	_, err = users.Create(ctx, []core.Document{{"name": "ana"}, {"name": "bob"}})
	require.NoError(t, err)

	found, err := users.Find(ctx, core.Where("name").Not())
	require.NoError(t, err)
	require.Len(t, found, 2)
}
