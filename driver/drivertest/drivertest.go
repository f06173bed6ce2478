// Package drivertest holds the behavior every core.Driver implementation must
// share. Driver packages run it from their own tests with RunAllTests.
package drivertest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/eval"
)

// RunAllTests runs the shared driver suite against d. Every test uses its own
// collections, so d may be reused across runs.
func RunAllTests(t *testing.T, d core.Driver) {
	t.Run("TestPing", func(t *testing.T) {
		require.NoError(t, d.Ping(context.Background()))
	})
	t.Run("TestInsertAndFind", func(t *testing.T) { InsertAndFindTest(t, d) })
	t.Run("TestDuplicateKey", func(t *testing.T) { DuplicateKeyTest(t, d) })
	t.Run("TestIdentifierTypes", func(t *testing.T) { IdentifierTypesTest(t, d) })
	t.Run("TestValueRoundTrip", func(t *testing.T) { ValueRoundTripTest(t, d) })
	t.Run("TestFindOptions", func(t *testing.T) { FindOptionsTest(t, d) })
	t.Run("TestUpdate", func(t *testing.T) { UpdateTest(t, d) })
	t.Run("TestUpsert", func(t *testing.T) { UpsertTest(t, d) })
	t.Run("TestDelete", func(t *testing.T) { DeleteTest(t, d) })
	t.Run("TestFindOneAndUpdate", func(t *testing.T) { FindOneAndUpdateTest(t, d) })
	t.Run("TestFindOneAndReplace", func(t *testing.T) { FindOneAndReplaceTest(t, d) })
	t.Run("TestFindOneAndDelete", func(t *testing.T) { FindOneAndDeleteTest(t, d) })
	t.Run("TestCount", func(t *testing.T) { CountTest(t, d) })
	t.Run("TestTransactionCommit", func(t *testing.T) { TransactionCommitTest(t, d) })
	t.Run("TestTransactionRollback", func(t *testing.T) { TransactionRollbackTest(t, d) })
}

// RequireDocument fails unless got equals want under store semantics
// (numeric types and date precision are not significant).
func RequireDocument(t *testing.T, want, got core.Document) {
	t.Helper()
	if !eval.Equal(map[string]any(want), map[string]any(got)) {
		t.Fatalf("unexpected document (-want +got):\n%s", cmp.Diff(want, got))
	}
}

func seed(t *testing.T, d core.Driver, collection string, docs ...core.Document) []any {
	t.Helper()
	res, err := d.InsertMany(context.Background(), collection, docs)
	require.NoError(t, err)
	require.Len(t, res.InsertedIDs, len(docs))
	return res.InsertedIDs
}

func names(docs []core.Document) []string {
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		name, _ := doc["name"].(string)
		out = append(out, name)
	}
	return out
}

func InsertAndFindTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "insert_and_find"

	res, err := d.InsertOne(ctx, coll, core.Document{"name": "ana", "age": 31})
	require.NoError(t, err)
	require.Len(t, res.InsertedIDs, 1)
	id, ok := res.InsertedIDs[0].(primitive.ObjectID)
	require.True(t, ok, "generated identifier should be an ObjectID")

	got, err := d.FindOne(ctx, coll, core.Filter{core.IDField: id}, nil)
	require.NoError(t, err)
	RequireDocument(t, core.Document{core.IDField: id, "name": "ana", "age": 31}, got)

	seed(t, d, coll, core.Document{"name": "bob", "age": 20}, core.Document{"name": "cy", "age": 45})

	adults, err := d.Find(ctx, coll, core.Filter{"age": core.Filter{"$gte": 30}}, &core.FindOptions{
		Sort: []core.Sort{{FieldName: "age", Order: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ana", "cy"}, names(adults))

	missing, err := d.FindOne(ctx, coll, core.Filter{"name": "nobody"}, nil)
	require.NoError(t, err)
	require.Nil(t, missing)

	none, err := d.Find(ctx, "insert_and_find_empty", core.Filter{}, nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func DuplicateKeyTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "duplicate_key"

	seed(t, d, coll, core.Document{core.IDField: "a", "n": 1})

	_, err := d.InsertOne(ctx, coll, core.Document{core.IDField: "a", "n": 2})
	require.ErrorIs(t, err, core.ErrDuplicateKey)

	_, err = d.InsertMany(ctx, coll, []core.Document{{core.IDField: "b"}, {core.IDField: "a"}})
	require.ErrorIs(t, err, core.ErrDuplicateKey)

	count, err := d.Count(ctx, coll, core.Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, count, "a failed batch inserts nothing")
}

func IdentifierTypesTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "identifier_types"

	oid := primitive.NewObjectID()
	ids := seed(t, d, coll,
		core.Document{core.IDField: oid, "kind": "oid"},
		core.Document{core.IDField: "abc", "kind": "string"},
		core.Document{core.IDField: int64(7), "kind": "int"},
	)
	require.Equal(t, []any{oid, "abc", int64(7)}, ids)

	found, err := d.Find(ctx, coll, core.Filter{core.IDField: core.Filter{"$in": []any{oid, "abc", 7}}}, nil)
	require.NoError(t, err)
	require.Len(t, found, 3)

	got, err := d.FindOne(ctx, coll, core.Filter{core.IDField: oid}, nil)
	require.NoError(t, err)
	require.Equal(t, oid, got[core.IDField])
}

func ValueRoundTripTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "value_round_trip"

	when := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	ref := primitive.NewObjectID()
	doc := core.Document{
		core.IDField: "doc",
		"when":       when,
		"ref":        ref,
		"refs":       []any{ref, primitive.NewObjectID()},
		"nested":     map[string]any{"deep": map[string]any{"flag": true}},
		"ratio":      0.5,
		"missing":    nil,
	}
	seed(t, d, coll, doc)

	got, err := d.FindOne(ctx, coll, core.Filter{"nested.deep.flag": true, "when": when, "ref": ref}, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	RequireDocument(t, doc, got)

	got, err = d.FindOne(ctx, coll, core.Filter{"refs": ref}, nil)
	require.NoError(t, err)
	require.NotNil(t, got, "a list field matches any of its elements")
}

func FindOptionsTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "find_options"

	seed(t, d, coll,
		core.Document{"name": "a", "rank": 3, "team": "x"},
		core.Document{"name": "b", "rank": 1, "team": "y"},
		core.Document{"name": "c", "rank": 2, "team": "x"},
		core.Document{"name": "d", "rank": 4, "team": "y"},
	)

	sorted, err := d.Find(ctx, coll, core.Filter{}, &core.FindOptions{
		Sort:  []core.Sort{{FieldName: "rank", Order: -1}},
		Skip:  1,
		Limit: 2,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, names(sorted))

	byTeam, err := d.Find(ctx, coll, core.Filter{}, &core.FindOptions{
		Sort: []core.Sort{{FieldName: "team", Order: 1}, {FieldName: "rank", Order: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b", "d"}, names(byTeam))

	projected, err := d.Find(ctx, coll, core.Filter{"name": "b"}, &core.FindOptions{
		Projection: map[string]any{"name": 1, core.IDField: 0},
	})
	require.NoError(t, err)
	require.Len(t, projected, 1)
	require.Equal(t, core.Document{"name": "b"}, projected[0])

	first, err := d.FindOne(ctx, coll, core.Filter{"team": "y"}, &core.FindOptions{
		Sort: []core.Sort{{FieldName: "rank", Order: -1}},
	})
	require.NoError(t, err)
	require.Equal(t, "d", first["name"])
}

func UpdateTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "update"

	seed(t, d, coll,
		core.Document{"name": "a", "group": 1, "n": 0},
		core.Document{"name": "b", "group": 1, "n": 0},
		core.Document{"name": "c", "group": 2, "n": 0},
	)

	res, err := d.UpdateOne(ctx, coll, core.Filter{"group": 1}, core.Update{"$inc": core.Update{"n": 1}}, false)
	require.NoError(t, err)
	require.Equal(t, &core.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, res)

	res, err = d.UpdateMany(ctx, coll, core.Filter{"group": 1}, core.Update{"$set": core.Update{"seen": true}}, false)
	require.NoError(t, err)
	require.Equal(t, &core.UpdateResult{MatchedCount: 2, ModifiedCount: 2}, res)

	res, err = d.UpdateMany(ctx, coll, core.Filter{"group": 1}, core.Update{"$set": core.Update{"seen": true}}, false)
	require.NoError(t, err)
	require.Equal(t, &core.UpdateResult{MatchedCount: 2, ModifiedCount: 0}, res, "unchanged documents are not modified")

	res, err = d.UpdateMany(ctx, coll, core.Filter{"group": 9}, core.Update{"$set": core.Update{"seen": true}}, false)
	require.NoError(t, err)
	require.Equal(t, &core.UpdateResult{}, res)

	count, err := d.Count(ctx, coll, core.Filter{"seen": true})
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	_, err = d.UpdateOne(ctx, coll, core.Filter{"name": "c"}, core.Update{"$set": core.Update{core.IDField: "other"}}, false)
	require.ErrorIs(t, err, core.ErrImmutableID)
}

func UpsertTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "upsert"

	res, err := d.UpdateOne(ctx, coll, core.Filter{"email": "a@x.io"}, core.Update{
		"$set":         core.Update{"name": "ana"},
		"$setOnInsert": core.Update{"created": true},
	}, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.UpsertedCount)
	require.NotNil(t, res.UpsertedID)

	got, err := d.FindOne(ctx, coll, core.Filter{core.IDField: res.UpsertedID}, nil)
	require.NoError(t, err)
	RequireDocument(t, core.Document{core.IDField: res.UpsertedID, "email": "a@x.io", "name": "ana", "created": true}, got)

	res, err = d.UpdateOne(ctx, coll, core.Filter{"email": "a@x.io"}, core.Update{"$set": core.Update{"name": "ana2"}}, true)
	require.NoError(t, err)
	require.Equal(t, &core.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, res)
}

func DeleteTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "delete"

	seed(t, d, coll,
		core.Document{"group": 1},
		core.Document{"group": 1},
		core.Document{"group": 1},
		core.Document{"group": 2},
	)

	res, err := d.DeleteOne(ctx, coll, core.Filter{"group": 1})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.DeletedCount)

	res, err = d.DeleteMany(ctx, coll, core.Filter{"group": 1})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.DeletedCount)

	res, err = d.DeleteMany(ctx, coll, core.Filter{core.IDField: core.Filter{"$in": []any{}}})
	require.NoError(t, err)
	require.EqualValues(t, 0, res.DeletedCount)

	count, err := d.Count(ctx, coll, core.Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func FindOneAndUpdateTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "find_one_and_update"

	ids := seed(t, d, coll, core.Document{"name": "a", "n": 1}, core.Document{"name": "b", "n": 5})

	before, err := d.FindOneAndUpdate(ctx, coll, core.Filter{}, core.Update{"$inc": core.Update{"n": 10}}, &core.FindAndModifyOptions{
		Sort: []core.Sort{{FieldName: "n", Order: -1}},
	})
	require.NoError(t, err)
	RequireDocument(t, core.Document{core.IDField: ids[1], "name": "b", "n": 5}, before)

	after, err := d.FindOneAndUpdate(ctx, coll, core.Filter{"name": "a"}, core.Update{"$set": core.Update{"tag": "x"}}, &core.FindAndModifyOptions{
		ReturnAfter: true,
	})
	require.NoError(t, err)
	RequireDocument(t, core.Document{core.IDField: ids[0], "name": "a", "n": 1, "tag": "x"}, after)

	none, err := d.FindOneAndUpdate(ctx, coll, core.Filter{"name": "zz"}, core.Update{"$set": core.Update{"tag": "x"}}, nil)
	require.NoError(t, err)
	require.Nil(t, none)

	upserted, err := d.FindOneAndUpdate(ctx, coll, core.Filter{"name": "zz"}, core.Update{"$set": core.Update{"tag": "y"}}, &core.FindAndModifyOptions{
		Upsert:      true,
		ReturnAfter: true,
	})
	require.NoError(t, err)
	require.Equal(t, "zz", upserted["name"])
	require.Equal(t, "y", upserted["tag"])
	require.NotNil(t, upserted.ID())
}

func FindOneAndReplaceTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "find_one_and_replace"

	ids := seed(t, d, coll, core.Document{"name": "a", "old": true})

	after, err := d.FindOneAndReplace(ctx, coll, core.Filter{"name": "a"}, core.Document{"name": "a2"}, &core.FindAndModifyOptions{
		ReturnAfter: true,
	})
	require.NoError(t, err)
	RequireDocument(t, core.Document{core.IDField: ids[0], "name": "a2"}, after)

	got, err := d.FindOne(ctx, coll, core.Filter{core.IDField: ids[0]}, nil)
	require.NoError(t, err)
	require.NotContains(t, got, "old")

	_, err = d.FindOneAndReplace(ctx, coll, core.Filter{core.IDField: ids[0]}, core.Document{core.IDField: "different"}, nil)
	require.ErrorIs(t, err, core.ErrImmutableID)
}

func FindOneAndDeleteTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "find_one_and_delete"

	ids := seed(t, d, coll, core.Document{"name": "a", "n": 1}, core.Document{"name": "b", "n": 2})

	deleted, err := d.FindOneAndDelete(ctx, coll, core.Filter{}, &core.FindAndModifyOptions{
		Sort: []core.Sort{{FieldName: "n", Order: -1}},
	})
	require.NoError(t, err)
	RequireDocument(t, core.Document{core.IDField: ids[1], "name": "b", "n": 2}, deleted)

	none, err := d.FindOneAndDelete(ctx, coll, core.Filter{"name": "b"}, nil)
	require.NoError(t, err)
	require.Nil(t, none)

	count, err := d.Count(ctx, coll, core.Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func CountTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "count"

	seed(t, d, coll, core.Document{"deletedAt": nil}, core.Document{}, core.Document{"deletedAt": time.Now()})

	live, err := d.Count(ctx, coll, core.Filter{"deletedAt": nil})
	require.NoError(t, err)
	require.EqualValues(t, 2, live, "null matches both null and missing fields")

	gone, err := d.Count(ctx, coll, core.Filter{"deletedAt": core.Filter{"$ne": nil}})
	require.NoError(t, err)
	require.EqualValues(t, 1, gone)
}

func TransactionCommitTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "transaction_commit"

	err := core.RunTransaction(ctx, d, func(txCtx context.Context) error {
		if _, err := d.InsertOne(txCtx, coll, core.Document{"name": "a"}); err != nil {
			return err
		}
		n, err := d.Count(txCtx, coll, core.Filter{})
		if err != nil {
			return err
		}
		require.EqualValues(t, 1, n, "a transaction sees its own writes")
		_, err = d.UpdateMany(txCtx, coll, core.Filter{}, core.Update{"$set": core.Update{"done": true}}, false)
		return err
	})
	require.NoError(t, err)

	count, err := d.Count(ctx, coll, core.Filter{"done": true})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	tx, err := d.Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.ErrorIs(t, tx.Commit(ctx), core.ErrTransactionDone)
}

func TransactionRollbackTest(t *testing.T, d core.Driver) {
	ctx := context.Background()
	const coll = "transaction_rollback"

	seed(t, d, coll, core.Document{core.IDField: "keep"})

	err := core.RunTransaction(ctx, d, func(txCtx context.Context) error {
		if _, err := d.DeleteMany(txCtx, coll, core.Filter{}); err != nil {
			return err
		}
		_, err := d.InsertOne(txCtx, coll, core.Document{core.IDField: "new"})
		return err
	})
	require.NoError(t, err)

	count, err := d.Count(ctx, coll, core.Filter{core.IDField: "new"})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	err = core.RunTransaction(ctx, d, func(txCtx context.Context) error {
		if _, err := d.DeleteMany(txCtx, coll, core.Filter{}); err != nil {
			return err
		}
		_, err := d.InsertMany(txCtx, coll, []core.Document{{core.IDField: "x"}, {core.IDField: "x"}})
		return err
	})
	require.ErrorIs(t, err, core.ErrDuplicateKey)

	docs, err := d.Find(ctx, coll, core.Filter{}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1, "rolled back deletes are restored")
	require.Equal(t, "new", docs[0].ID())
}
