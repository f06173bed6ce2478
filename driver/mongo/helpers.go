package driver

import (
	"errors"
	"fmt"
	"maps"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/eval"
)

// Server error code for updates that touch an immutable field such as _id.
const codeImmutableField = 66

const labelTransientTransaction = "TransientTransactionError"

// mapError translates server errors into the core error vocabulary.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", core.ErrDuplicateKey, err)
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.HasErrorCode(codeImmutableField) {
			return fmt.Errorf("%w: %v", core.ErrImmutableID, err)
		}
		if serverErr.HasErrorLabel(labelTransientTransaction) {
			return fmt.Errorf("%w: %v", core.ErrTransactionConflict, err)
		}
	}
	return err
}

// sortDocument converts core sort rules into an ordered bson.D.
func sortDocument(rules []core.Sort) bson.D {
	if len(rules) == 0 {
		return nil
	}
	out := make(bson.D, 0, len(rules))
	for _, rule := range rules {
		order := 1
		if rule.Order < 0 {
			order = -1
		}
		out = append(out, bson.E{Key: rule.FieldName, Value: order})
	}
	return out
}

func findOptions(opts *core.FindOptions) *options.FindOptions {
	out := options.Find()
	if opts == nil {
		return out
	}
	if s := sortDocument(opts.Sort); s != nil {
		out.SetSort(s)
	}
	if opts.Limit > 0 {
		out.SetLimit(opts.Limit)
	}
	if opts.Skip > 0 {
		out.SetSkip(opts.Skip)
	}
	if len(opts.Projection) > 0 {
		out.SetProjection(opts.Projection)
	}
	return out
}

func findOneOptions(opts *core.FindOptions) *options.FindOneOptions {
	out := options.FindOne()
	if opts == nil {
		return out
	}
	if s := sortDocument(opts.Sort); s != nil {
		out.SetSort(s)
	}
	if opts.Skip > 0 {
		out.SetSkip(opts.Skip)
	}
	if len(opts.Projection) > 0 {
		out.SetProjection(opts.Projection)
	}
	return out
}

func returnDocument(opts *core.FindAndModifyOptions) options.ReturnDocument {
	if opts != nil && opts.ReturnAfter {
		return options.After
	}
	return options.Before
}

func findOneAndUpdateOptions(opts *core.FindAndModifyOptions) *options.FindOneAndUpdateOptions {
	out := options.FindOneAndUpdate().SetReturnDocument(returnDocument(opts))
	if opts == nil {
		return out
	}
	if s := sortDocument(opts.Sort); s != nil {
		out.SetSort(s)
	}
	return out.SetUpsert(opts.Upsert)
}

func findOneAndReplaceOptions(opts *core.FindAndModifyOptions) *options.FindOneAndReplaceOptions {
	out := options.FindOneAndReplace().SetReturnDocument(returnDocument(opts))
	if opts == nil {
		return out
	}
	if s := sortDocument(opts.Sort); s != nil {
		out.SetSort(s)
	}
	return out.SetUpsert(opts.Upsert)
}

func findOneAndDeleteOptions(opts *core.FindAndModifyOptions) *options.FindOneAndDeleteOptions {
	out := options.FindOneAndDelete()
	if opts == nil {
		return out
	}
	if s := sortDocument(opts.Sort); s != nil {
		out.SetSort(s)
	}
	return out
}

// updateDocument drops an empty $set when other operators carry the change.
// An update made only of an empty $set is kept so the server still counts
// the matched documents.
func updateDocument(update core.Update) core.Update {
	set, ok := update["$set"]
	if !ok || len(update) == 1 {
		return update
	}
	if fields, isMap := eval.AsMap(set); !isMap || len(fields) > 0 {
		return update
	}
	out := maps.Clone(update)
	delete(out, "$set")
	return out
}

// filterDocument returns an empty filter for nil, which the driver rejects.
func filterDocument(filter core.Filter) core.Filter {
	if filter == nil {
		return core.Filter{}
	}
	return filter
}

func toDocument(m bson.M) core.Document {
	if m == nil {
		return nil
	}
	return core.Document(m)
}

func toDocuments(ms []bson.M) []core.Document {
	out := make([]core.Document, len(ms))
	for i, m := range ms {
		out[i] = core.Document(m)
	}
	return out
}

// withIDs copies documents, assigning an ObjectID to those without _id, and
// returns the copies with their identifiers in order.
func withIDs(documents []core.Document) ([]any, []any) {
	docs := make([]any, len(documents))
	ids := make([]any, len(documents))
	for i, doc := range documents {
		id, ok := doc[core.IDField]
		if !ok {
			id = primitive.NewObjectID()
			doc = maps.Clone(doc)
			doc[core.IDField] = id
		}
		docs[i] = doc
		ids[i] = id
	}
	return docs, ids
}

// writtenBefore reports how many documents of an ordered batch of size n were
// stored before err stopped it.
func writtenBefore(err error, n int) int {
	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) || len(bulkErr.WriteErrors) == 0 {
		return 0
	}
	first := n
	for _, we := range bulkErr.WriteErrors {
		first = min(first, we.Index)
	}
	return first
}
