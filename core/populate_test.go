package core_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/memory"
	"github.com/blujedis/knect-mongo-sub000/driver/mocks"
)

// seedBlog stores a user with two posts and one comment and returns the user
// as stored, with raw references.
func seedBlog(t *testing.T, b blog) core.Document {
	t.Helper()
	ctx := context.Background()

	userID := primitive.NewObjectID()
	posts, err := b.posts.Create(ctx, []core.Document{
		{"title": "first", "author": userID},
		{"title": "second", "author": userID},
	})
	require.NoError(t, err)
	_, err = b.comments.CreateOne(ctx, core.Document{"body": "nice", "authorId": userID})
	require.NoError(t, err)

	user, err := b.users.CreateOne(ctx, core.Document{
		core.IDField: userID,
		"name":       "ana",
		// hex strings are normalized when the join is resolved
		"posts":    []any{posts[0].ID().(primitive.ObjectID).Hex(), posts[1].ID()},
		"comments": userID,
	})
	require.NoError(t, err)
	return user
}

func TestPopulate(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	b := newBlog(t, r)
	user := seedBlog(t, b)

	err := b.users.PopulateOne(ctx, user, core.Joins("posts", "comments"))
	require.NoError(t, err)

	posts, ok := user["posts"].([]core.Document)
	require.True(t, ok)
	require.Len(t, posts, 2)
	require.ElementsMatch(t, []any{"first", "second"}, []any{posts[0]["title"], posts[1]["title"]})

	comment, ok := user["comments"].(core.Document)
	require.True(t, ok, "a scalar reference receives a single document")
	require.Equal(t, "nice", comment["body"])

	// and back
	require.NoError(t, b.users.Unpopulate(user, core.Joins("posts", "comments")))
	require.ElementsMatch(t, []any{posts[0].ID(), posts[1].ID()}, user["posts"])
	require.Equal(t, user.ID(), user["comments"])
}

func TestPopulateScalarReference(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	b := newBlog(t, r)
	user := seedBlog(t, b)

	posts, err := b.posts.Find(ctx, nil, core.Populate(core.Joins("author")))
	require.NoError(t, err)
	require.Len(t, posts, 2)
	for _, post := range posts {
		author, ok := post["author"].(core.Document)
		require.True(t, ok)
		require.Equal(t, user.ID(), author.ID())
	}
}

func TestPopulateSkipsUnknownAndEmpty(t *testing.T) {
	ctx := context.Background()
	r, d := newRegistry(t)
	b := newBlog(t, r)

	doc := core.Document{"name": "bob", "posts": nil, "likes": []any{"x"}}
	require.NoError(t, b.users.PopulateOne(ctx, doc, core.Joins("posts", "likes", "comments")))
	require.Equal(t, core.Document{"name": "bob", "posts": nil, "likes": []any{"x"}}, doc)
	require.Empty(t, d.CallsTo(mocks.OpFind))

	doc = core.Document{"posts": []any{}}
	require.NoError(t, b.users.PopulateOne(ctx, doc, core.Joins("posts")))
	require.Equal(t, []core.Document{}, doc["posts"])
}

func TestPopulateMissingReference(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	b := newBlog(t, r)
	user := seedBlog(t, b)

	missing := primitive.NewObjectID()
	raw := user["posts"].([]any)
	lossy := core.Document{"posts": append([]any{missing}, raw...), "author": missing}

	require.NoError(t, b.users.PopulateOne(ctx, lossy, core.Joins("posts")))
	require.Len(t, lossy["posts"], 2, "missing references are dropped")

	strict := core.Document{"posts": append([]any{missing}, raw...)}
	err := b.users.PopulateOne(ctx, strict, core.Joins("posts").Strict())
	require.ErrorIs(t, err, core.ErrMissingReference)
	var perr *core.PopulateError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "posts", perr.Join)
	require.Equal(t, "posts", perr.Collection)
	require.Equal(t, missing, strict["posts"].([]any)[0], "a failed populate leaves the document untouched")

	post := core.Document{"author": missing}
	require.NoError(t, b.posts.PopulateOne(ctx, post, core.Joins("author")))
	require.Contains(t, post, "author")
	require.Nil(t, post["author"])
}

func TestPopulateFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	r, d := newRegistry(t)
	b := newBlog(t, r)
	first := seedBlog(t, b)
	second := seedBlog(t, b)

	boom := errors.New("boom")
	d.FailOn("comments", mocks.OpFind, boom)

	docs := []core.Document{core.CloneDocument(first), core.CloneDocument(second)}
	err := b.users.Populate(ctx, docs, core.Joins("posts", "comments"))
	require.ErrorIs(t, err, boom)
	var perr *core.PopulateError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "comments", perr.Join)

	require.Equal(t, first, docs[0])
	require.Equal(t, second, docs[1])

	_, err = b.users.Find(ctx, nil, core.Populate(core.Joins("comments")))
	require.ErrorIs(t, err, boom)
}

func TestPopulateJoinMapAndAdHoc(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	b := newBlog(t, r)
	user := seedBlog(t, b)

	limited := core.CloneDocument(user)
	err := b.users.PopulateOne(ctx, limited, core.JoinMap(map[string]core.Join{
		"posts": {Collection: "posts", Options: &core.FindOptions{
			Sort:  []core.Sort{{FieldName: "title", Order: -1}},
			Limit: 1,
		}},
	}))
	require.NoError(t, err)
	posts := limited["posts"].([]core.Document)
	require.Len(t, posts, 1)
	require.Equal(t, "second", posts[0]["title"])

	doc := core.Document{"writer": user.ID()}
	require.NoError(t, b.posts.PopulateOne(ctx, doc, core.AdHoc("writer", core.Join{Collection: "users"})))
	require.Equal(t, "ana", doc["writer"].(core.Document)["name"])

	err = b.posts.PopulateOne(ctx, doc, core.AdHoc("writer", core.Join{}))
	require.ErrorIs(t, err, core.ErrConfiguration)
}

func TestPopulateInvalidReference(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	b := newBlog(t, r)

	err := b.users.PopulateOne(ctx, core.Document{"posts": []any{"not-an-id"}}, core.Joins("posts"))
	require.ErrorIs(t, err, core.ErrInvalidIdentifier)
}

// overlapDriver records the highest number of Find calls in flight at once.
type overlapDriver struct {
	core.Driver
	inflight atomic.Int32
	peak     atomic.Int32
}

func (d *overlapDriver) Find(ctx context.Context, collection string, filter core.Filter, options *core.FindOptions) ([]core.Document, error) {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return d.Driver.Find(ctx, collection, filter, options)
}

func TestPopulateInTransactionIsSequential(t *testing.T) {
	ctx := context.Background()
	d := &overlapDriver{Driver: memory.New()}
	r := core.NewRegistry(d)
	t.Cleanup(func() {
		require.NoError(t, r.Close(context.Background()))
	})
	b := newBlog(t, r)
	seedBlog(t, b)
	seedBlog(t, b)

	err := core.RunTransaction(ctx, d, func(txCtx context.Context) error {
		found, err := b.users.Find(txCtx, nil, core.Populate(core.Joins("posts", "comments")))
		if err != nil {
			return err
		}
		require.Len(t, found, 2)
		for _, user := range found {
			require.Len(t, user["posts"], 2)
			require.IsType(t, core.Document{}, user["comments"])
		}
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, d.peak.Load(), "no two fetches share the transaction at once")

	found, err := b.users.Find(ctx, nil, core.Populate(core.Joins("posts", "comments")))
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Greater(t, d.peak.Load(), int32(1), "outside a transaction fetches run concurrently")
}
