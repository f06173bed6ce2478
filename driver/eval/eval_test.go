package eval

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMatch(t *testing.T) {
	id := primitive.NewObjectID()
	doc := map[string]any{
		"_id":     id,
		"name":    "Ana",
		"age":     int32(31),
		"tags":    []any{"admin", "staff"},
		"address": map[string]any{"city": "Lisbon"},
		"posts":   []any{map[string]any{"title": "a", "likes": 3}, map[string]any{"title": "b", "likes": 9}},
		"deleted": nil,
		"joined":  time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC),
	}

	tests := []struct {
		name   string
		filter map[string]any
		want   bool
	}{
		{name: "empty", filter: map[string]any{}, want: true},
		{name: "equality", filter: map[string]any{"name": "Ana"}, want: true},
		{name: "numeric_across_types", filter: map[string]any{"age": 31.0}, want: true},
		{name: "array_membership", filter: map[string]any{"tags": "staff"}, want: true},
		{name: "whole_array", filter: map[string]any{"tags": []any{"admin", "staff"}}, want: true},
		{name: "dotted_path", filter: map[string]any{"address.city": "Lisbon"}, want: true},
		{name: "dotted_through_list", filter: map[string]any{"posts.title": "b"}, want: true},
		{name: "null_matches_null", filter: map[string]any{"deleted": nil}, want: true},
		{name: "null_matches_missing", filter: map[string]any{"archived": nil}, want: true},
		{name: "ne_null_on_null", filter: map[string]any{"deleted": map[string]any{"$ne": nil}}, want: false},
		{name: "object_id", filter: map[string]any{"_id": id}, want: true},
		{name: "in", filter: map[string]any{"_id": map[string]any{"$in": []any{primitive.NewObjectID(), id}}}, want: true},
		{name: "nin", filter: map[string]any{"name": map[string]any{"$nin": []any{"Ana"}}}, want: false},
		{name: "gt", filter: map[string]any{"age": map[string]any{"$gt": 30}}, want: true},
		{name: "range", filter: map[string]any{"age": map[string]any{"$gte": 31, "$lt": 32}}, want: true},
		{name: "gt_type_bracketing", filter: map[string]any{"name": map[string]any{"$gt": 1}}, want: false},
		{name: "list_element_compare", filter: map[string]any{"posts.likes": map[string]any{"$gt": 5}}, want: true},
		{name: "date_millis", filter: map[string]any{"joined": primitive.NewDateTimeFromTime(time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC))}, want: true},
		{name: "regex", filter: map[string]any{"name": primitive.Regex{Pattern: "^an", Options: "i"}}, want: true},
		{name: "regex_operator", filter: map[string]any{"name": map[string]any{"$regex": "^A", "$options": ""}}, want: true},
		{name: "exists", filter: map[string]any{"address": map[string]any{"$exists": true}}, want: true},
		{name: "not_exists", filter: map[string]any{"archived": map[string]any{"$exists": false}}, want: true},
		{name: "not", filter: map[string]any{"age": map[string]any{"$not": map[string]any{"$gt": 40}}}, want: true},
		{name: "and", filter: map[string]any{"$and": []any{map[string]any{"name": "Ana"}, map[string]any{"age": 30}}}, want: false},
		{name: "or", filter: map[string]any{"$or": []any{map[string]any{"name": "Bob"}, map[string]any{"age": 31}}}, want: true},
		{name: "nor", filter: map[string]any{"$nor": []any{map[string]any{"name": "Bob"}}}, want: true},
		{name: "size", filter: map[string]any{"tags": map[string]any{"$size": 2}}, want: true},
		{name: "all", filter: map[string]any{"tags": map[string]any{"$all": []any{"staff", "admin"}}}, want: true},
		{name: "elem_match", filter: map[string]any{"posts": map[string]any{"$elemMatch": map[string]any{"likes": map[string]any{"$gt": 8}}}}, want: true},
		{name: "embedded_document", filter: map[string]any{"address": map[string]any{"city": "Lisbon"}}, want: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Match(doc, test.filter)
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func TestMatchUnsupported(t *testing.T) {
	_, err := Match(map[string]any{"a": 1}, map[string]any{"a": map[string]any{"$near": 1}})
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Match(map[string]any{"a": 1}, map[string]any{"$where": "true"})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestApply(t *testing.T) {
	doc := map[string]any{
		"_id":   "x",
		"count": 1,
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"v": 1},
	}
	err := Apply(doc, map[string]any{
		"$set":      map[string]any{"meta.owner": "ana", "name": "n"},
		"$inc":      map[string]any{"count": 2},
		"$push":     map[string]any{"tags": map[string]any{"$each": []any{"c", "d"}}},
		"$unset":    map[string]any{"meta.v": ""},
		"$addToSet": map[string]any{"extra": "e"},
	}, false)
	require.NoError(t, err)

	want := map[string]any{
		"_id":   "x",
		"count": int64(3),
		"tags":  []any{"a", "b", "c", "d"},
		"meta":  map[string]any{"owner": "ana"},
		"name":  "n",
		"extra": []any{"e"},
	}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Fatalf("unexpected document (-want +got):\n%s", diff)
	}
}

func TestApplyPull(t *testing.T) {
	doc := map[string]any{"nums": []any{1, 5, 9}, "items": []any{map[string]any{"k": 1}, map[string]any{"k": 2}}}
	err := Apply(doc, map[string]any{"$pull": map[string]any{
		"nums":  map[string]any{"$gte": 5},
		"items": map[string]any{"k": 2},
	}}, false)
	require.NoError(t, err)
	require.Equal(t, []any{1}, doc["nums"])
	require.Equal(t, []any{map[string]any{"k": 1}}, doc["items"])
}

func TestApplySetOnInsert(t *testing.T) {
	doc := map[string]any{}
	update := map[string]any{"$setOnInsert": map[string]any{"created": true}}

	require.NoError(t, Apply(doc, update, false))
	require.NotContains(t, doc, "created")

	require.NoError(t, Apply(doc, update, true))
	require.Equal(t, true, doc["created"])
}

func TestApplyImmutableID(t *testing.T) {
	doc := map[string]any{"_id": 1}
	err := Apply(doc, map[string]any{"$set": map[string]any{"_id": 2}}, false)
	require.ErrorIs(t, err, ErrImmutableID)

	err = Apply(map[string]any{"_id": 1}, map[string]any{"$set": map[string]any{"_id": 1.0}}, false)
	require.NoError(t, err)
}

func TestApplyUnsupported(t *testing.T) {
	err := Apply(map[string]any{}, map[string]any{"$bit": map[string]any{"a": 1}}, false)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestReplace(t *testing.T) {
	got, err := Replace(map[string]any{"_id": 7, "a": 1}, map[string]any{"b": 2})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"_id": 7, "b": 2}, got)

	_, err = Replace(map[string]any{"_id": 7}, map[string]any{"_id": 8})
	require.ErrorIs(t, err, ErrImmutableID)
}

func TestSeed(t *testing.T) {
	got := Seed(map[string]any{
		"name": "ana",
		"age":  map[string]any{"$gt": 3},
		"role": map[string]any{"$eq": "admin"},
		"$and": []any{map[string]any{"team.id": 4}},
	})
	require.Equal(t, map[string]any{
		"name": "ana",
		"role": "admin",
		"team": map[string]any{"id": 4},
	}, got)
}

func TestSort(t *testing.T) {
	docs := []map[string]any{
		{"n": 2, "s": "b"},
		{"n": 1, "s": "z"},
		{"s": "a"},
		{"n": 2, "s": "a"},
	}
	Sort(docs, []SortKey{{Field: "n", Order: -1}, {Field: "s", Order: 1}})
	require.Equal(t, []map[string]any{
		{"n": 2, "s": "a"},
		{"n": 2, "s": "b"},
		{"n": 1, "s": "z"},
		{"s": "a"},
	}, docs)
}

func TestWindow(t *testing.T) {
	in := []int{1, 2, 3, 4, 5}
	require.Equal(t, []int{2, 3}, Window(in, 1, 2))
	require.Equal(t, []int{1, 2, 3, 4, 5}, Window(in, 0, 0))
	require.Empty(t, Window(in, 10, 0))
}

func TestProject(t *testing.T) {
	doc := map[string]any{"_id": 1, "a": 1, "b": map[string]any{"c": 2, "d": 3}}

	require.Equal(t, map[string]any{"_id": 1, "a": 1}, Project(doc, map[string]any{"a": 1}))
	require.Equal(t, map[string]any{"a": 1}, Project(doc, map[string]any{"a": true, "_id": 0}))
	require.Equal(t, map[string]any{"_id": 1, "b": map[string]any{"c": 2}}, Project(doc, map[string]any{"b.c": 1}))
	require.Equal(t, map[string]any{"_id": 1, "b": map[string]any{"c": 2, "d": 3}}, Project(doc, map[string]any{"a": 0}))
}
