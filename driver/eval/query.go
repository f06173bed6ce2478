package eval

import (
	"maps"
	"slices"
	"strings"
)

// SortKey orders by one field. Order is 1 for ascending, -1 for descending.
type SortKey struct {
	Field string
	Order int
}

// Sort orders docs in place by keys. Documents missing a field sort as null;
// ties keep their original order.
func Sort(docs []map[string]any, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	slices.SortStableFunc(docs, func(a, b map[string]any) int {
		return Compare(a, b, keys)
	})
}

// Compare orders two documents by keys.
func Compare(a, b map[string]any, keys []SortKey) int {
	for _, k := range keys {
		c := sortCompare(sortValue(a, k), sortValue(b, k))
		if k.Order < 0 {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// sortValue picks the value a document sorts by: the smallest element for an
// ascending sort over a list, the largest for a descending one.
func sortValue(doc map[string]any, k SortKey) any {
	values, found := Lookup(doc, k.Field)
	if !found || len(values) == 0 {
		return nil
	}
	var candidates []any
	for _, v := range values {
		nv := normalize(v)
		if list, ok := nv.([]any); ok && len(list) > 0 {
			candidates = append(candidates, list...)
			continue
		}
		candidates = append(candidates, nv)
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		cmp := sortCompare(c, best)
		if (k.Order >= 0 && cmp < 0) || (k.Order < 0 && cmp > 0) {
			best = c
		}
	}
	return best
}

// Window applies skip and limit. Non-positive values disable them.
func Window[T any](docs []T, skip, limit int64) []T {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return docs[:0]
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

// Project returns the fields of doc selected by projection. A projection
// either includes fields (values 1 or true) or excludes them (0 or false);
// _id is included unless excluded explicitly.
func Project(doc map[string]any, projection map[string]any) map[string]any {
	if len(projection) == 0 {
		return doc
	}
	inclusive := false
	for field, v := range projection {
		if field != "_id" && truthy(v) {
			inclusive = true
			break
		}
	}

	if !inclusive {
		out := make(map[string]any, len(doc))
		maps.Copy(out, doc)
		for field := range projection {
			excludePath(out, strings.Split(field, "."))
		}
		return out
	}

	out := make(map[string]any, len(projection)+1)
	for field, v := range projection {
		if field == "_id" || !truthy(v) {
			continue
		}
		if value, ok := getPath(doc, field); ok {
			_ = SetPath(out, field, value)
		}
	}
	if id, ok := doc["_id"]; ok {
		if v, listed := projection["_id"]; !listed || truthy(v) {
			out["_id"] = id
		}
	}
	return out
}

// excludePath removes a dotted path from doc, copying the documents along the
// path so the source document is left untouched.
func excludePath(doc map[string]any, parts []string) {
	if len(parts) == 1 {
		delete(doc, parts[0])
		return
	}
	child, ok := AsMap(doc[parts[0]])
	if !ok {
		return
	}
	copied := make(map[string]any, len(child))
	maps.Copy(copied, child)
	doc[parts[0]] = copied
	excludePath(copied, parts[1:])
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	}
	n, ok := normalize(v).(float64)
	return !ok || n != 0
}
