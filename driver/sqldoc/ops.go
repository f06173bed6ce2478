package sqldoc

import (
	"context"
	"fmt"
	"slices"

	sq "github.com/Masterminds/squirrel"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/eval"
)

type row struct {
	key string
	doc core.Document
}

// read runs fn with the table of collection, inside the transaction carried by
// ctx when there is one.
func (d *Driver) read(ctx context.Context, collection string, fn func(r runner, table string) error) error {
	r, inTx := d.reader(ctx)
	table, err := d.table(ctx, r, inTx, collection)
	if err != nil {
		return err
	}
	return fn(r, table)
}

// write runs fn with the table of collection inside a transaction.
func (d *Driver) write(ctx context.Context, collection string, fn func(r runner, table string) error) error {
	inTx := d.transactionFrom(ctx) != nil
	if !inTx {
		// create the table up front so the DDL is not tied to this write
		if _, err := d.table(ctx, d.db, false, collection); err != nil {
			return err
		}
	}
	return d.within(ctx, func(r runner) error {
		table, err := d.table(ctx, r, inTx, collection)
		if err != nil {
			return err
		}
		return fn(r, table)
	})
}

// load returns the rows of table matching filter, in insertion order or
// sorted by sortBy. lock selects the rows for update.
func (d *Driver) load(ctx context.Context, r runner, table string, filter core.Filter, sortBy []core.Sort, lock bool) ([]row, error) {
	sb := d.stbl.Select("id", "doc").From(table).OrderBy(d.dialect.OrderColumn())
	if keys, ok := idKeys(filter); ok {
		sb = sb.Where(sq.Eq{"id": keys})
	}
	if lock && d.dialect.LockSuffix() != "" {
		sb = sb.Suffix(d.dialect.LockSuffix())
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, d.dialect.HandleError(err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, d.dialect.HandleError(err)
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", table, key, err)
		}
		ok, err := eval.Match(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row{key: key, doc: doc})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, d.dialect.HandleError(err)
	}

	if len(sortBy) > 0 {
		keys := make([]eval.SortKey, 0, len(sortBy))
		for _, s := range sortBy {
			keys = append(keys, eval.SortKey{Field: s.FieldName, Order: s.Order})
		}
		slices.SortStableFunc(out, func(a, b row) int {
			return eval.Compare(a.doc, b.doc, keys)
		})
	}
	return out, nil
}

func (d *Driver) insertRows(ctx context.Context, r runner, table string, docs []core.Document) error {
	if len(docs) == 0 {
		return nil
	}
	ib := d.stbl.Insert(table).Columns("id", "doc")
	for _, doc := range docs {
		raw, err := encode(doc)
		if err != nil {
			return err
		}
		ib = ib.Values(idKey(doc.ID()), raw)
	}
	query, args, err := ib.ToSql()
	if err != nil {
		return err
	}
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		return d.dialect.HandleError(err)
	}
	return nil
}

func (d *Driver) updateRow(ctx context.Context, r runner, table string, key string, doc core.Document) error {
	raw, err := encode(doc)
	if err != nil {
		return err
	}
	query, args, err := d.stbl.Update(table).Set("doc", raw).Where(sq.Eq{"id": key}).ToSql()
	if err != nil {
		return err
	}
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		return d.dialect.HandleError(err)
	}
	return nil
}

func (d *Driver) deleteRows(ctx context.Context, r runner, table string, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	query, args, err := d.stbl.Delete(table).Where(sq.Eq{"id": keys}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, d.dialect.HandleError(err)
	}
	return res.RowsAffected()
}

// withIDs copies docs and assigns an ObjectID to those without identifier.
func withIDs(docs []core.Document) ([]core.Document, []any) {
	out := make([]core.Document, 0, len(docs))
	ids := make([]any, 0, len(docs))
	for _, doc := range docs {
		copied := core.CloneDocument(doc)
		if copied == nil {
			copied = core.Document{}
		}
		if copied.ID() == nil {
			copied[core.IDField] = primitive.NewObjectID()
		}
		out = append(out, copied)
		ids = append(ids, copied.ID())
	}
	return out, ids
}

// FindOne returns the first matching document, or nil.
func (d *Driver) FindOne(ctx context.Context, collection string, filter core.Filter, options *core.FindOptions) (core.Document, error) {
	opts := core.FindOptions{}
	if options != nil {
		opts = *options
	}
	opts.Limit = 1
	docs, err := d.Find(ctx, collection, filter, &opts)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// Find returns every matching document.
func (d *Driver) Find(ctx context.Context, collection string, filter core.Filter, options *core.FindOptions) ([]core.Document, error) {
	ctx, span := startTrace(ctx, "Find")
	defer span.End()

	opts := core.FindOptions{}
	if options != nil {
		opts = *options
	}
	var out []core.Document
	err := d.read(ctx, collection, func(r runner, table string) error {
		rows, err := d.load(ctx, r, table, filter, opts.Sort, false)
		if err != nil {
			return err
		}
		rows = eval.Window(rows, opts.Skip, opts.Limit)
		out = make([]core.Document, 0, len(rows))
		for _, row := range rows {
			out = append(out, core.Document(eval.Project(row.doc, opts.Projection)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertOne inserts a document, assigning an ObjectID when it has no
// identifier.
func (d *Driver) InsertOne(ctx context.Context, collection string, document core.Document) (*core.InsertResult, error) {
	return d.InsertMany(ctx, collection, []core.Document{document})
}

// InsertMany inserts documents in one statement; a duplicate identifier
// fails the whole batch with core.ErrDuplicateKey.
func (d *Driver) InsertMany(ctx context.Context, collection string, documents []core.Document) (*core.InsertResult, error) {
	ctx, span := startTrace(ctx, "InsertMany")
	defer span.End()

	docs, ids := withIDs(documents)
	err := d.write(ctx, collection, func(r runner, table string) error {
		return d.insertRows(ctx, r, table, docs)
	})
	if err != nil {
		return nil, err
	}
	return &core.InsertResult{InsertedIDs: ids}, nil
}

func (d *Driver) update(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert, many bool) (*core.UpdateResult, error) {
	ctx, span := startTrace(ctx, "Update")
	defer span.End()

	result := &core.UpdateResult{}
	err := d.write(ctx, collection, func(r runner, table string) error {
		rows, err := d.load(ctx, r, table, filter, nil, true)
		if err != nil {
			return err
		}
		if !many && len(rows) > 1 {
			rows = rows[:1]
		}
		if len(rows) == 0 {
			if !upsert {
				return nil
			}
			seed := core.Document(eval.Seed(filter))
			if err := eval.Apply(seed, update, true); err != nil {
				return err
			}
			docs, ids := withIDs([]core.Document{seed})
			if err := d.insertRows(ctx, r, table, docs); err != nil {
				return err
			}
			result.UpsertedCount = 1
			result.UpsertedID = ids[0]
			return nil
		}
		for _, row := range rows {
			next := core.CloneDocument(row.doc)
			if err := eval.Apply(next, update, false); err != nil {
				return err
			}
			result.MatchedCount++
			if eval.Equal(map[string]any(row.doc), map[string]any(next)) {
				continue
			}
			if err := d.updateRow(ctx, r, table, row.key, next); err != nil {
				return err
			}
			result.ModifiedCount++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateOne applies update to the first matching document.
func (d *Driver) UpdateOne(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	return d.update(ctx, collection, filter, update, upsert, false)
}

// UpdateMany applies update to every matching document.
func (d *Driver) UpdateMany(ctx context.Context, collection string, filter core.Filter, update core.Update, upsert bool) (*core.UpdateResult, error) {
	return d.update(ctx, collection, filter, update, upsert, true)
}

func (d *Driver) delete(ctx context.Context, collection string, filter core.Filter, many bool) (*core.DeleteResult, error) {
	ctx, span := startTrace(ctx, "Delete")
	defer span.End()

	result := &core.DeleteResult{}
	err := d.write(ctx, collection, func(r runner, table string) error {
		rows, err := d.load(ctx, r, table, filter, nil, true)
		if err != nil {
			return err
		}
		if !many && len(rows) > 1 {
			rows = rows[:1]
		}
		keys := make([]string, 0, len(rows))
		for _, row := range rows {
			keys = append(keys, row.key)
		}
		result.DeletedCount, err = d.deleteRows(ctx, r, table, keys)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteOne removes the first matching document.
func (d *Driver) DeleteOne(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	return d.delete(ctx, collection, filter, false)
}

// DeleteMany removes every matching document.
func (d *Driver) DeleteMany(ctx context.Context, collection string, filter core.Filter) (*core.DeleteResult, error) {
	return d.delete(ctx, collection, filter, true)
}

func modifyOptions(options *core.FindAndModifyOptions) core.FindAndModifyOptions {
	if options == nil {
		return core.FindAndModifyOptions{}
	}
	return *options
}

// FindOneAndUpdate updates the first matching document (in sort order) and
// returns it as it was before, or after when ReturnAfter is set.
func (d *Driver) FindOneAndUpdate(ctx context.Context, collection string, filter core.Filter, update core.Update, options *core.FindAndModifyOptions) (core.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndUpdate")
	defer span.End()

	opts := modifyOptions(options)
	var out core.Document
	err := d.write(ctx, collection, func(r runner, table string) error {
		rows, err := d.load(ctx, r, table, filter, opts.Sort, true)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			if !opts.Upsert {
				return nil
			}
			seed := core.Document(eval.Seed(filter))
			if err := eval.Apply(seed, update, true); err != nil {
				return err
			}
			docs, _ := withIDs([]core.Document{seed})
			if err := d.insertRows(ctx, r, table, docs); err != nil {
				return err
			}
			if opts.ReturnAfter {
				out = docs[0]
			}
			return nil
		}

		current := rows[0]
		next := core.CloneDocument(current.doc)
		if err := eval.Apply(next, update, false); err != nil {
			return err
		}
		if !eval.Equal(map[string]any(current.doc), map[string]any(next)) {
			if err := d.updateRow(ctx, r, table, current.key, next); err != nil {
				return err
			}
		}
		out = current.doc
		if opts.ReturnAfter {
			out = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindOneAndReplace replaces the first matching document, keeping its
// identifier.
func (d *Driver) FindOneAndReplace(ctx context.Context, collection string, filter core.Filter, replacement core.Document, options *core.FindAndModifyOptions) (core.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndReplace")
	defer span.End()

	opts := modifyOptions(options)
	var out core.Document
	err := d.write(ctx, collection, func(r runner, table string) error {
		rows, err := d.load(ctx, r, table, filter, opts.Sort, true)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			if !opts.Upsert {
				return nil
			}
			doc := core.CloneDocument(replacement)
			if doc == nil {
				doc = core.Document{}
			}
			if seed := eval.Seed(filter); doc.ID() == nil && seed[core.IDField] != nil {
				doc[core.IDField] = seed[core.IDField]
			}
			docs, _ := withIDs([]core.Document{doc})
			if err := d.insertRows(ctx, r, table, docs); err != nil {
				return err
			}
			if opts.ReturnAfter {
				out = docs[0]
			}
			return nil
		}

		current := rows[0]
		next, err := eval.Replace(current.doc, core.CloneDocument(replacement))
		if err != nil {
			return err
		}
		if err := d.updateRow(ctx, r, table, current.key, next); err != nil {
			return err
		}
		out = current.doc
		if opts.ReturnAfter {
			out = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindOneAndDelete removes the first matching document (in sort order) and
// returns it.
func (d *Driver) FindOneAndDelete(ctx context.Context, collection string, filter core.Filter, options *core.FindAndModifyOptions) (core.Document, error) {
	ctx, span := startTrace(ctx, "FindOneAndDelete")
	defer span.End()

	opts := modifyOptions(options)
	var out core.Document
	err := d.write(ctx, collection, func(r runner, table string) error {
		rows, err := d.load(ctx, r, table, filter, opts.Sort, true)
		if err != nil || len(rows) == 0 {
			return err
		}
		if _, err := d.deleteRows(ctx, r, table, []string{rows[0].key}); err != nil {
			return err
		}
		out = rows[0].doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of matching documents.
func (d *Driver) Count(ctx context.Context, collection string, filter core.Filter) (int64, error) {
	var n int64
	err := d.read(ctx, collection, func(r runner, table string) error {
		rows, err := d.load(ctx, r, table, filter, nil, false)
		n = int64(len(rows))
		return err
	})
	return n, err
}
