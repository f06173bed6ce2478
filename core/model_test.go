package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/goleak"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/memory"
	"github.com/blujedis/knect-mongo-sub000/driver/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newRegistry returns a registry over a fresh in-memory store wrapped in a
// FaultyDriver, closed when the test ends.
func newRegistry(t *testing.T) (*core.Registry, *mocks.FaultyDriver) {
	t.Helper()
	d := mocks.NewFaultyDriver(memory.New())
	r := core.NewRegistry(d)
	t.Cleanup(func() {
		require.NoError(t, r.Close(context.Background()))
	})
	return r, d
}

// blog defines the user, post and comment models used across the tests. A
// user references posts by id and a post references its author by id.
type blog struct {
	users    *core.Model
	posts    *core.Model
	comments *core.Model
}

func newBlog(t *testing.T, r *core.Registry) blog {
	t.Helper()
	users, err := r.Define("user", "users",
		core.WithJoin("posts", core.Join{Collection: "posts", Cascade: true}),
		core.WithJoin("comments", core.Join{Collection: "comments", Key: "authorId"}),
	)
	require.NoError(t, err)
	posts, err := r.Define("post", "posts",
		core.WithJoin("author", core.Join{Collection: "users"}),
	)
	require.NoError(t, err)
	comments, err := r.Define("comment", "comments")
	require.NoError(t, err)
	return blog{users: users, posts: posts, comments: comments}
}

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	users, err := r.Define("user", "users")
	require.NoError(t, err)

	created, err := users.Create(ctx, []core.Document{
		{"name": "ana", "age": 31},
		{"name": "bob", "age": 17},
		{"name": "cid", "age": 45},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)
	for _, doc := range created {
		require.IsType(t, primitive.ObjectID{}, doc.ID())
	}

	adults, err := users.Find(ctx, core.Where("age").Gte(18), core.SortBy("age", -1))
	require.NoError(t, err)
	require.Len(t, adults, 2)
	require.Equal(t, "cid", adults[0]["name"])

	byID, err := users.FindOne(ctx, created[1].ID().(primitive.ObjectID).Hex())
	require.NoError(t, err)
	require.Equal(t, "bob", byID["name"])

	_, err = users.FindOne(ctx, core.Filter{"name": "dan"})
	require.ErrorIs(t, err, core.ErrNotFound)

	none, err := users.Find(ctx, core.Filter{"name": "dan"})
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)

	n, err := users.Count(ctx, core.Where("name").Like("%a%"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	empty, err := users.Create(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	users, err := r.Define("user", "users")
	require.NoError(t, err)

	_, err = users.Create(ctx, []core.Document{{"name": "ana", "visits": 1}, {"name": "bob", "visits": 1}})
	require.NoError(t, err)

	res, err := users.Update(ctx, nil, core.Update{"$inc": core.Document{"visits": 1}})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.MatchedCount)

	res, err = users.UpdateOne(ctx, core.Filter{"name": "ana"}, core.Document{"role": "admin"})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.ModifiedCount)

	ana, err := users.FindUpdate(ctx, core.Filter{"name": "ana"}, core.Update{"$inc": core.Document{"visits": 1}})
	require.NoError(t, err)
	require.EqualValues(t, 3, ana["visits"])
	require.Equal(t, "admin", ana["role"])

	before, err := users.FindUpdate(ctx, core.Filter{"name": "ana"}, core.Document{"role": "owner"}, core.ReturnOriginal())
	require.NoError(t, err)
	require.Equal(t, "admin", before["role"])

	replaced, err := users.FindReplace(ctx, core.Filter{"name": "bob"}, core.Document{"name": "bobby"})
	require.NoError(t, err)
	require.Equal(t, core.Document{core.IDField: replaced.ID(), "name": "bobby"}, replaced)

	_, err = users.FindUpdate(ctx, core.Filter{"name": "nobody"}, core.Document{"a": 1})
	require.ErrorIs(t, err, core.ErrNotFound)

	deleted, err := users.FindDelete(ctx, core.Filter{"name": "bobby"})
	require.NoError(t, err)
	require.Equal(t, "bobby", deleted["name"])

	del, err := users.Delete(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, del.DeletedCount)

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestValidationRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	r, d := newRegistry(t)
	users, err := r.Define("user", "users", core.WithValidator(core.NewRuleValidator(map[string]any{
		"email": "required,email",
	})))
	require.NoError(t, err)

	_, err = users.Create(ctx, []core.Document{{"email": "ana@example.com"}, {"email": "nope"}})
	require.ErrorIs(t, err, core.ErrValidation)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "email", verr.Path)
	require.Equal(t, "email", verr.Violations[0].Rule)

	require.Empty(t, d.CallsTo(mocks.OpInsertMany), "nothing reaches the store")
	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	users, err := r.Define("user", "users", core.SoftDelete("deletedAt"))
	require.NoError(t, err)

	_, err = users.Create(ctx, []core.Document{{"name": "ana"}, {"name": "bob"}})
	require.NoError(t, err)

	res, err := users.DeleteOne(ctx, core.Filter{"name": "ana"})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.DeletedCount)

	visible, err := users.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, "bob", visible[0]["name"])

	all, err := users.Find(ctx, nil, core.WithDeleted())
	require.NoError(t, err)
	require.Len(t, all, 2)

	gone, err := users.Find(ctx, nil, core.OnlyDeleted())
	require.NoError(t, err)
	require.Len(t, gone, 1)
	require.IsType(t, time.Time{}, gone[0]["deletedAt"])

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// a second delete does not stamp the document again
	res, err = users.Delete(ctx, core.Filter{"name": "ana"})
	require.NoError(t, err)
	require.Zero(t, res.DeletedCount)

	stamped, err := users.FindDelete(ctx, core.Filter{"name": "bob"})
	require.NoError(t, err)
	require.NotNil(t, stamped["deletedAt"])
	n, err = users.Count(ctx, nil, core.WithDeleted())
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestTimestamps(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	users, err := r.Define("user", "users", core.Timestamps("createdAt", "updatedAt"))
	require.NoError(t, err)

	created, err := users.CreateOne(ctx, core.Document{"name": "ana"})
	require.NoError(t, err)
	createdAt, ok := created["createdAt"].(time.Time)
	require.True(t, ok)
	require.Equal(t, createdAt, created["updatedAt"])

	update := core.Document{"name": "ana maria"}
	updated, err := users.FindUpdate(ctx, created.ID(), update)
	require.NoError(t, err)
	require.Equal(t, createdAt, updated["createdAt"])
	updatedAt, ok := updated["updatedAt"].(time.Time)
	require.True(t, ok)
	require.False(t, updatedAt.Before(createdAt))
	require.Equal(t, core.Document{"name": "ana maria"}, update, "the caller's update is not stamped")
}

func TestRegistry(t *testing.T) {
	r, _ := newRegistry(t)

	first, err := r.Define("user", "users", core.WithJoin("posts", core.Join{Collection: "posts"}))
	require.NoError(t, err)
	again, err := r.Define("user", "accounts")
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, "users", again.Collection())

	got, ok := r.Model("user")
	require.True(t, ok)
	require.Same(t, first, got)
	_, ok = r.Model("post")
	require.False(t, ok)

	_, err = r.Define("", "users")
	require.ErrorIs(t, err, core.ErrConfiguration)
	_, err = r.Define("post", "")
	require.ErrorIs(t, err, core.ErrConfiguration)
	_, err = r.Define("post", "posts", core.WithJoin("author", core.Join{}))
	require.ErrorIs(t, err, core.ErrConfiguration)
	_, err = r.Register("post", nil)
	require.ErrorIs(t, err, core.ErrConfiguration)

	posts, err := r.Register("post", core.MustSchema("posts"))
	require.NoError(t, err)
	require.Equal(t, "post", posts.Namespace())
	require.Equal(t, []string{"post", "user"}, r.Namespaces())
}

func TestSchemaJoinsAreCopies(t *testing.T) {
	schema := core.MustSchema("users", core.WithJoin("posts", core.Join{
		Collection: "posts",
		Options:    &core.FindOptions{Limit: 5},
	}))

	joins := schema.Joins()
	joins["posts"].Options.Limit = 50
	delete(joins, "posts")

	join, ok := schema.Join("posts")
	require.True(t, ok)
	require.Equal(t, core.IDField, join.Key)
	require.EqualValues(t, 5, join.Options.Limit)
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, _ := newRegistry(t)
	b, _ := newRegistry(t)

	_, err := a.Define("user", "users")
	require.NoError(t, err)
	_, ok := b.Model("user")
	require.False(t, ok)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	users, err := r.Define("user", "users")
	require.NoError(t, err)

	received := make(chan core.EventPayload, 4)
	r.Events().On(core.EventInsert, func(p core.EventPayload) { received <- p })
	r.Events().On(core.EventDelete, func(p core.EventPayload) { received <- p })

	_, err = users.Create(ctx, []core.Document{{"name": "ana"}, {"name": "bob"}})
	require.NoError(t, err)
	_, err = users.Delete(ctx, core.Filter{"name": "bob"})
	require.NoError(t, err)
	r.Events().Wait()
	close(received)

	byEvent := map[core.Event]core.EventPayload{}
	for p := range received {
		byEvent[p.Event] = p
	}
	require.Len(t, byEvent, 2)
	require.Equal(t, "users", byEvent[core.EventInsert].Collection)
	require.EqualValues(t, 2, byEvent[core.EventInsert].Count)
	require.Equal(t, core.MethodDelete, byEvent[core.EventDelete].Method)
	require.EqualValues(t, 1, byEvent[core.EventDelete].Count)
}

func TestDecode(t *testing.T) {
	type user struct {
		ID   primitive.ObjectID `bson:"_id"`
		Name string             `bson:"name"`
		Age  int                `bson:"age"`
	}
	ctx := context.Background()
	r, _ := newRegistry(t)
	users, err := r.Define("user", "users")
	require.NoError(t, err)

	doc, err := core.Encode(user{ID: primitive.NewObjectID(), Name: "ana", Age: 31})
	require.NoError(t, err)
	_, err = users.CreateOne(ctx, doc)
	require.NoError(t, err)

	found, err := users.Find(ctx, nil)
	require.NoError(t, err)
	decoded, err := core.DecodeAll[user](found)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, "ana", decoded[0].Name)
	require.Equal(t, 31, decoded[0].Age)
}

func TestCloneDocument(t *testing.T) {
	src := core.Document{
		"tags":  []any{"a", core.Document{"b": 1}},
		"inner": map[string]any{"c": []byte("xy")},
	}
	cp := core.CloneDocument(src)
	cp["tags"].([]any)[1].(core.Document)["b"] = 2
	cp["inner"].(map[string]any)["c"].([]byte)[0] = 'z'

	require.Equal(t, 1, src["tags"].([]any)[1].(core.Document)["b"])
	require.Equal(t, []byte("xy"), src["inner"].(map[string]any)["c"])
	require.Nil(t, core.CloneDocument(nil))
}

func TestEventPayloadsAreCopies(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	users, err := r.Define("user", "users")
	require.NoError(t, err)

	received := make(chan core.EventPayload, 1)
	r.Events().On(core.EventInsert, func(p core.EventPayload) {
		for _, doc := range p.Documents {
			for k, v := range doc {
				_, _ = k, v
			}
		}
		received <- p
	})

	inst := users.New(core.Document{"name": "ana"})
	require.NoError(t, inst.Create(ctx))
	for i := 0; i < 100; i++ {
		inst.Set("age", i)
	}
	r.Events().Wait()

	p := <-received
	require.Len(t, p.Documents, 1)
	require.Equal(t, "ana", p.Documents[0]["name"])
	require.NotContains(t, p.Documents[0], "age")

	p.Documents[0]["name"] = "bob"
	require.Equal(t, "ana", inst.Get("name"))
}
