// Package core provides the fundamental building blocks of knect.
// This file contains helpers for decoding, cloning and coercing loosely
// typed document values.
package core

import (
	"reflect"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Decode maps a document into out, which must be a pointer to a struct or map.
// Fields are matched through their bson tags.
//
// Example:
//
//	var u User
//	_ = core.Decode(doc, &u)
func Decode(doc Document, out any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

// DecodeAll decodes a list of documents into values of type T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := Decode(doc, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode turns a struct (or map) into a Document through its bson tags.
func Encode(v any) (Document, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return Document(m), nil
}

// CloneDocument returns a deep copy of doc. Nested documents and lists are
// copied; scalar values (ids, times, numbers) are shared as they are immutable.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Document:
		return CloneDocument(x)
	case map[string]any:
		return map[string]any(CloneDocument(x))
	case primitive.M:
		return primitive.M(CloneDocument(Document(x)))
	case Filter:
		return Filter(CloneDocument(Document(x)))
	case Update:
		return Update(CloneDocument(Document(x)))
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	case primitive.A:
		out := make(primitive.A, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	case []Document:
		out := make([]Document, len(x))
		for i, item := range x {
			out[i] = CloneDocument(item)
		}
		return out
	case primitive.D:
		out := make(primitive.D, len(x))
		for i, e := range x {
			out[i] = primitive.E{Key: e.Key, Value: cloneValue(e.Value)}
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	}
	return v
}

// asList reports whether v is a list value and returns its elements.
// Byte slices are scalars.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case primitive.A:
		return []any(l), true
	case []Document:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	case []byte, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// asDocument reports whether v is a mapping and returns it as a Document.
func asDocument(v any) (Document, bool) {
	switch m := v.(type) {
	case Document:
		return m, true
	case map[string]any:
		return Document(m), true
	case primitive.M:
		return Document(m), true
	case Filter:
		return Document(m), true
	case Update:
		return Document(m), true
	case primitive.D:
		out := make(Document, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

// andFilters combines filters using $and. Empty filters are dropped.
func andFilters(filters ...Filter) Filter {
	nonEmpty := make([]any, 0, len(filters))
	for _, f := range filters {
		if len(f) > 0 {
			nonEmpty = append(nonEmpty, f)
		}
	}
	switch len(nonEmpty) {
	case 0:
		return Filter{}
	case 1:
		return nonEmpty[0].(Filter)
	default:
		return Filter{"$and": nonEmpty}
	}
}

// toLikePattern converts a SQL-like pattern into a regular expression.
//
// It replaces % with .* and _ with a single-character wildcard, anchoring
// both ends.
//
// Example:
//
//	toLikePattern("%admin_") // "^.*admin.$"
func toLikePattern(input string) string {
	const percent = "\x00"
	const underscore = "\x01"
	safe := strings.ReplaceAll(input, "%", percent)
	safe = strings.ReplaceAll(safe, "_", underscore)
	safe = regexp.QuoteMeta(safe)
	safe = strings.ReplaceAll(safe, percent, ".*")
	safe = strings.ReplaceAll(safe, underscore, ".")
	return "^" + safe + "$"
}
