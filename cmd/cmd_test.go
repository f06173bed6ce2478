package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/sqldoc/sqlite"
)

// prepareHome points HOME at an empty directory so that no user config leaks
// into a test, and returns the config directory inside it.
func prepareHome(t *testing.T) string {
	t.Helper()
	_, err := os.Stat("/etc/knect/config.yaml")
	require.ErrorIs(t, err, os.ErrNotExist, "Config file at /etc/knect/config.yaml would disturb test result.")

	home := t.TempDir()
	t.Setenv("HOME", home)
	confdir := filepath.Join(home, ".knect")
	require.NoError(t, os.MkdirAll(confdir, 0o750))

	viper.Reset()
	t.Cleanup(viper.Reset)
	return confdir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

type fixture struct {
	uri   string
	user  primitive.ObjectID
	posts []primitive.ObjectID
}

// seedStore writes a user with two posts into a fresh sqlite file and a
// config declaring the user model.
func seedStore(t *testing.T) fixture {
	t.Helper()
	confdir := prepareHome(t)
	ctx := context.Background()

	f := fixture{
		uri:   "file:" + filepath.Join(t.TempDir(), "knect.db"),
		user:  primitive.NewObjectID(),
		posts: []primitive.ObjectID{primitive.NewObjectID(), primitive.NewObjectID()},
	}

	d, err := sqlite.Open(f.uri)
	require.NoError(t, err)
	require.NoError(t, d.Connect(ctx))
	_, err = d.InsertMany(ctx, "posts", []core.Document{
		{core.IDField: f.posts[0], "title": "first"},
		{core.IDField: f.posts[1], "title": "second"},
	})
	require.NoError(t, err)
	_, err = d.InsertOne(ctx, "users", core.Document{
		core.IDField: f.user,
		"name":       "ana",
		"posts":      []any{f.posts[0], f.posts[1]},
	})
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx))

	config := `
store:
  engine: sqlite
  uri: ` + f.uri + `
log:
  level: none
models:
  user:
    collection: users
    joins:
      posts:
        collection: posts
        cascade: true
`
	require.NoError(t, os.WriteFile(filepath.Join(confdir, "config.yaml"), []byte(config), 0o600))
	return f
}

func countPosts(t *testing.T, uri string) int64 {
	t.Helper()
	ctx := context.Background()
	d, err := sqlite.Open(uri)
	require.NoError(t, err)
	defer func() {
		_ = d.Close(ctx)
	}()
	n, err := d.Count(ctx, "posts", core.Filter{})
	require.NoError(t, err)
	return n
}

func TestPing(t *testing.T) {
	prepareHome(t)

	stdout, _, err := execute(t, "ping", "--log-level", "none")
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Equal(t, map[string]string{"engine": "memory", "status": "ok"}, out)
}

func TestInvalidEngine(t *testing.T) {
	prepareHome(t)

	_, _, err := execute(t, "ping", "--store-engine", "cassandra")
	require.ErrorContains(t, err, "invalid store engine type: cassandra")
}

func TestEngineFromEnv(t *testing.T) {
	prepareHome(t)
	t.Setenv("KNECT_STORE_ENGINE", "nosuch")

	_, _, err := execute(t, "ping")
	require.ErrorContains(t, err, "invalid store engine type: nosuch")
}

func TestFindPopulate(t *testing.T) {
	f := seedStore(t)

	stdout, _, err := execute(t, "find", "user", `{"name": "ana"}`, "--populate", "posts")
	require.NoError(t, err)

	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &docs))
	require.Len(t, docs, 1)
	require.Equal(t, f.user.Hex(), docs[0]["_id"])

	posts, ok := docs[0]["posts"].([]any)
	require.True(t, ok)
	require.Len(t, posts, 2)
	titles := []any{posts[0].(map[string]any)["title"], posts[1].(map[string]any)["title"]}
	require.ElementsMatch(t, []any{"first", "second"}, titles)
}

func TestFindByIdentifierAndCount(t *testing.T) {
	f := seedStore(t)

	stdout, _, err := execute(t, "find", "user", f.user.Hex())
	require.NoError(t, err)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &docs))
	require.Len(t, docs, 1)
	require.Len(t, docs[0]["posts"], 2, "joins are left raw without --populate")

	stdout, _, err = execute(t, "find", "posts", "--count")
	require.NoError(t, err)
	require.JSONEq(t, `{"count": 2}`, stdout)

	stdout, _, err = execute(t, "find", "posts", "--sort", "title:-1", "--limit", "1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &docs))
	require.Len(t, docs, 1)
	require.Equal(t, "second", docs[0]["title"])
}

func TestCascade(t *testing.T) {
	f := seedStore(t)

	stdout, _, err := execute(t, "cascade", "user", f.user.Hex(), "--dry-run")
	require.NoError(t, err)
	var reports []CascadeReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 1)
	require.EqualValues(t, 2, reports[0].Deleted["posts"])
	require.EqualValues(t, 2, countPosts(t, f.uri), "a dry run keeps the documents")

	stdout, _, err = execute(t, "cascade", "user", f.user.Hex(), "--join", "posts")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &reports))
	require.EqualValues(t, 2, reports[0].Deleted["posts"])
	require.Zero(t, countPosts(t, f.uri))
}

func TestMetrics(t *testing.T) {
	prepareHome(t)

	_, stderr, err := execute(t, "find", "users", "--metrics", "--log-level", "none")
	require.NoError(t, err)

	var counters map[string]float64
	require.NoError(t, json.Unmarshal([]byte(stderr), &counters))
	require.InDelta(t, 1, counters["knect_driver_operations_total{collection=users,operation=find,status=ok}"], 0)
}

func TestParseFilter(t *testing.T) {
	got, err := parseFilter("")
	require.NoError(t, err)
	require.Equal(t, core.Filter{}, got)

	got, err = parseFilter("abc")
	require.NoError(t, err)
	require.Equal(t, "abc", got)

	oid := primitive.NewObjectID()
	got, err = parseFilter(`{"_id": {"$oid": "` + oid.Hex() + `"}, "age": {"$gte": 18}}`)
	require.NoError(t, err)
	filter, ok := got.(core.Filter)
	require.True(t, ok)
	require.Equal(t, oid, filter["_id"])

	_, err = parseFilter(`{"broken"`)
	require.ErrorContains(t, err, "invalid filter")
}

func TestParseSort(t *testing.T) {
	opts, err := parseSort([]string{"age:-1", "name", "rank:asc"})
	require.NoError(t, err)
	q := core.NewQuery(opts...)
	require.Equal(t, []core.Sort{{FieldName: "age", Order: -1}, {FieldName: "name", Order: 1}, {FieldName: "rank", Order: 1}}, q.Sort)

	_, err = parseSort([]string{"age:sideways"})
	require.Error(t, err)
	_, err = parseSort([]string{":1"})
	require.Error(t, err)
}

func TestModelConfigOptions(t *testing.T) {
	cfg := ModelConfig{
		Collection: "users",
		SoftDelete: "deletedAt",
		Joins: map[string]JoinConfig{
			"posts": {Collection: "posts", Cascade: true, Limit: 5},
		},
		Rules: map[string]any{"name": "required"},
	}
	schema, err := core.NewSchema(cfg.Collection, cfg.options()...)
	require.NoError(t, err)

	join, ok := schema.Join("posts")
	require.True(t, ok)
	require.Equal(t, core.IDField, join.Key)
	require.True(t, join.Cascade)
	require.EqualValues(t, 5, join.Options.Limit)
	require.Equal(t, "deletedAt", schema.SoftDeleteField())
	require.False(t, schema.Validator().IsValid(core.Document{}))
}
