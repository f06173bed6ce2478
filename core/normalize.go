// Package core provides the fundamental building blocks of knect.
// This file defines the query and update normalizers.
package core

import (
	"fmt"
	"strings"
)

// ToQuery canonicalizes a filter.
//
// A value that is not a mapping is taken as a bare identifier and becomes
// {"_id": id}. A mapping is copied and only its _id entry is normalized, either
// directly or inside the operand of $eq, $ne, $in and $nin. A *Condition is
// compiled first. nil selects everything.
func ToQuery(filter any) (Filter, error) {
	switch f := filter.(type) {
	case nil:
		return Filter{}, nil
	case *Condition:
		if f == nil {
			return Filter{}, nil
		}
		filter = f.Filter()
	}

	m, ok := asDocument(filter)
	if !ok {
		id, err := ToID(filter)
		if err != nil {
			return nil, err
		}
		return Filter{IDField: id}, nil
	}

	out := make(Filter, len(m))
	for k, v := range m {
		out[k] = v
	}
	raw, ok := out[IDField]
	if !ok {
		return out, nil
	}
	id, err := normalizeIDOperand(raw)
	if err != nil {
		return nil, err
	}
	out[IDField] = id
	return out, nil
}

func normalizeIDOperand(v any) (any, error) {
	ops, ok := asDocument(v)
	if !ok || !isOperatorDocument(ops) {
		return ToID(v)
	}
	out := make(Filter, len(ops))
	for op, operand := range ops {
		switch op {
		case "$eq", "$ne", "$in", "$nin":
			id, err := ToID(operand)
			if err != nil {
				return nil, err
			}
			out[op] = id
		default:
			out[op] = operand
		}
	}
	return out, nil
}

// ToUpdate canonicalizes an update so that it always uses operator syntax and
// always carries a $set entry. A plain partial document becomes
// {"$set": partial}. Applying ToUpdate twice yields the same result.
func ToUpdate(update any) (Update, error) {
	m, ok := asDocument(update)
	if !ok {
		return nil, fmt.Errorf("%w: expected a document, got %T", ErrInvalidUpdate, update)
	}
	if !hasOperator(m) {
		set := make(Document, len(m))
		for k, v := range m {
			set[k] = v
		}
		return Update{"$set": set}, nil
	}
	out := make(Update, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if _, ok := out["$set"]; !ok {
		out["$set"] = Document{}
	}
	return out, nil
}

func hasOperator(m Document) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func isOperatorDocument(m Document) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// setDocument returns the $set operand of a canonical update, creating it
// when absent.
func setDocument(u Update) Document {
	if set, ok := asDocument(u["$set"]); ok {
		u["$set"] = set
		return set
	}
	set := Document{}
	u["$set"] = set
	return set
}
