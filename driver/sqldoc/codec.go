package sqldoc

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/blujedis/knect-mongo-sub000/core"
	"github.com/blujedis/knect-mongo-sub000/driver/eval"
)

// encode renders doc as canonical extended JSON.
func encode(doc core.Document) (string, error) {
	raw, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decode parses canonical extended JSON back into a document.
func decode(raw string) (core.Document, error) {
	var m bson.M
	if err := bson.UnmarshalExtJSON([]byte(raw), true, &m); err != nil {
		return nil, err
	}
	return core.Document(m), nil
}

// idKey is the id column value of an identifier. Identifiers that compare
// equal in the store share a key.
func idKey(id any) string {
	return eval.Key(id)
}

// idKeys extracts id column values from an _id clause when it is a plain
// equality or an $in over plain values. ok is false when the clause cannot be
// pushed down.
func idKeys(filter core.Filter) (keys []string, ok bool) {
	clause, present := filter[core.IDField]
	if !present {
		return nil, false
	}
	ops, isMap := eval.AsMap(clause)
	if !isMap {
		if !pushable(clause) {
			return nil, false
		}
		return []string{idKey(clause)}, true
	}
	if len(ops) != 1 {
		return nil, false
	}
	if v, ok := ops["$eq"]; ok && pushable(v) {
		return []string{idKey(v)}, true
	}
	list, ok := eval.AsList(ops["$in"])
	if !ok {
		return nil, false
	}
	keys = make([]string, 0, len(list))
	for _, v := range list {
		if !pushable(v) {
			return nil, false
		}
		keys = append(keys, idKey(v))
	}
	return keys, true
}

// pushable reports whether an _id operand is matched by key equality alone.
// Null, regexes, documents and lists need the evaluator.
func pushable(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := eval.AsMap(v); ok {
		return false
	}
	if _, ok := eval.AsList(v); ok {
		return false
	}
	_, isRegex := v.(primitive.Regex)
	return !isRegex
}
