package eval

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/blujedis/knect-mongo-sub000/core"
)

// ErrImmutableID is returned when an update would change a document's _id.
var ErrImmutableID = core.ErrImmutableID

// Apply applies an operator update to doc in place. inserting enables
// $setOnInsert. The update must only contain operator keys; use Replace for
// whole-document replacement.
func Apply(doc map[string]any, update map[string]any, inserting bool) error {
	original, hadID := doc["_id"]

	for _, op := range slices.Sorted(maps.Keys(update)) {
		fields, ok := AsMap(update[op])
		if !ok {
			return fmt.Errorf("%s expects a document", op)
		}
		for _, path := range slices.Sorted(maps.Keys(fields)) {
			if err := applyOperator(doc, op, path, fields[path], inserting); err != nil {
				return fmt.Errorf("%s %s: %w", op, path, err)
			}
		}
	}

	if hadID {
		if id, ok := doc["_id"]; !ok || !Equal(id, original) {
			return ErrImmutableID
		}
	}
	return nil
}

func applyOperator(doc map[string]any, op, path string, arg any, inserting bool) error {
	switch op {
	case "$set":
		return SetPath(doc, path, arg)
	case "$setOnInsert":
		if !inserting {
			return nil
		}
		return SetPath(doc, path, arg)
	case "$unset":
		unsetPath(doc, path)
		return nil
	case "$inc":
		current, _ := getPath(doc, path)
		sum, err := addNumbers(current, arg)
		if err != nil {
			return err
		}
		return SetPath(doc, path, sum)
	case "$min", "$max":
		current, ok := getPath(doc, path)
		if !ok {
			return SetPath(doc, path, arg)
		}
		c, comparable := compareNormalized(normalize(arg), normalize(current))
		if comparable && ((op == "$min" && c < 0) || (op == "$max" && c > 0)) {
			return SetPath(doc, path, arg)
		}
		return nil
	case "$push", "$addToSet":
		list, err := listAt(doc, path)
		if err != nil {
			return err
		}
		items := []any{arg}
		if m, ok := AsMap(arg); ok {
			if each, ok := m["$each"]; ok {
				if items, ok = AsList(each); !ok {
					return errors.New("$each expects a list")
				}
			}
		}
		for _, item := range items {
			if op == "$addToSet" && slices.ContainsFunc(list, func(v any) bool { return Equal(v, item) }) {
				continue
			}
			list = append(list, item)
		}
		return SetPath(doc, path, list)
	case "$pull":
		current, ok := getPath(doc, path)
		if !ok {
			return nil
		}
		list, ok := AsList(current)
		if !ok {
			return errors.New("cannot pull from a non-list field")
		}
		kept := make([]any, 0, len(list))
		for _, item := range list {
			var remove bool
			if cond, ok := AsMap(arg); ok {
				matched, err := matchElement(item, cond)
				if err != nil {
					return err
				}
				remove = matched
			} else {
				remove = matchEq([]any{item}, true, arg)
			}
			if !remove {
				kept = append(kept, item)
			}
		}
		return SetPath(doc, path, kept)
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, op)
}

// Replace returns replacement carrying the _id of current. A replacement that
// names a different _id is rejected.
func Replace(current, replacement map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(replacement)+1)
	maps.Copy(out, replacement)
	if id, ok := current["_id"]; ok {
		if rid, has := out["_id"]; has && !Equal(rid, id) {
			return nil, ErrImmutableID
		}
		out["_id"] = id
	}
	return out, nil
}

// SetPath assigns value at a dotted path, creating intermediate documents.
func SetPath(doc map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok || next == nil {
			child := map[string]any{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			converted, isMap := AsMap(next)
			if !isMap {
				return fmt.Errorf("cannot create field %q in non-document %q", path, part)
			}
			child = make(map[string]any, len(converted))
			maps.Copy(child, converted)
			cur[part] = child
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

func getPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		if m, ok := AsMap(cur); ok {
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
			continue
		}
		list, ok := AsList(cur)
		if !ok {
			return nil, false
		}
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= len(list) {
			return nil, false
		}
		cur = list[idx]
	}
	return cur, true
}

func unsetPath(doc map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := cur[part].(map[string]any)
		if !ok {
			return
		}
		cur = child
	}
	delete(cur, parts[len(parts)-1])
}

func listAt(doc map[string]any, path string) ([]any, error) {
	current, ok := getPath(doc, path)
	if !ok || current == nil {
		return nil, nil
	}
	list, ok := AsList(current)
	if !ok {
		return nil, errors.New("cannot push to a non-list field")
	}
	return slices.Clone(list), nil
}

// addNumbers adds two numeric values, keeping integers integral.
func addNumbers(current, delta any) (any, error) {
	di, dInt := asInt64(delta)
	df, dNum := normalize(delta).(float64)
	if !dNum {
		return nil, fmt.Errorf("cannot increment by non-numeric %T", delta)
	}
	if current == nil {
		return delta, nil
	}
	ci, cInt := asInt64(current)
	cf, cNum := normalize(current).(float64)
	if !cNum {
		return nil, fmt.Errorf("cannot increment non-numeric %T", current)
	}
	if cInt && dInt {
		return ci + di, nil
	}
	return cf + df, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

// Seed builds the document inserted by an upsert from the equality clauses of
// its filter ({a: 1}, {a: {$eq: 1}} and the members of $and).
func Seed(filter map[string]any) map[string]any {
	doc := map[string]any{}
	seedInto(doc, filter)
	return doc
}

func seedInto(doc map[string]any, filter map[string]any) {
	for key, operand := range filter {
		if key == "$and" {
			subs, _ := AsList(operand)
			for _, sub := range subs {
				if m, ok := AsMap(sub); ok {
					seedInto(doc, m)
				}
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			continue
		}
		if ops, ok := isOperatorDocument(operand); ok {
			if eq, ok := ops["$eq"]; ok {
				_ = SetPath(doc, key, eq)
			}
			continue
		}
		_ = SetPath(doc, key, operand)
	}
}
