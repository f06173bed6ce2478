package eval

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrUnsupported is returned for operators the evaluator does not implement.
var ErrUnsupported = errors.New("unsupported operator")

// Match reports whether doc satisfies filter. An empty filter matches every
// document.
func Match(doc map[string]any, filter map[string]any) (bool, error) {
	for key, operand := range filter {
		ok, err := matchClause(doc, key, operand)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchClause(doc map[string]any, key string, operand any) (bool, error) {
	switch key {
	case "$and", "$or", "$nor":
		subs, ok := AsList(operand)
		if !ok || len(subs) == 0 {
			return false, fmt.Errorf("%s expects a non-empty list", key)
		}
		for _, sub := range subs {
			filter, ok := AsMap(sub)
			if !ok {
				return false, fmt.Errorf("%s expects a list of documents", key)
			}
			matched, err := Match(doc, filter)
			if err != nil {
				return false, err
			}
			switch {
			case key == "$and" && !matched:
				return false, nil
			case key == "$or" && matched:
				return true, nil
			case key == "$nor" && matched:
				return false, nil
			}
		}
		return key != "$or", nil
	}
	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("%w: %s", ErrUnsupported, key)
	}
	values, found := Lookup(doc, key)
	return matchField(values, found, operand)
}

// Lookup resolves a dotted path in doc. Paths traverse lists the way the store
// does: a numeric segment indexes, any other segment fans out over the
// documents in the list. found is false when no branch reaches the path.
func Lookup(doc map[string]any, path string) (values []any, found bool) {
	return resolve(doc, strings.Split(path, "."))
}

func resolve(v any, parts []string) ([]any, bool) {
	if len(parts) == 0 {
		return []any{v}, true
	}
	if m, ok := AsMap(v); ok {
		child, ok := m[parts[0]]
		if !ok {
			return nil, false
		}
		return resolve(child, parts[1:])
	}
	list, ok := AsList(v)
	if !ok {
		return nil, false
	}
	if idx, err := strconv.Atoi(parts[0]); err == nil {
		if idx < 0 || idx >= len(list) {
			return nil, false
		}
		return resolve(list[idx], parts[1:])
	}
	var out []any
	found := false
	for _, item := range list {
		if _, isMap := AsMap(item); !isMap {
			continue
		}
		vals, ok := resolve(item, parts)
		if ok {
			found = true
			out = append(out, vals...)
		}
	}
	return out, found
}

// isOperatorDocument reports whether v is a non-empty mapping whose keys are
// all operators.
func isOperatorDocument(v any) (map[string]any, bool) {
	m, ok := AsMap(v)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchField(values []any, found bool, operand any) (bool, error) {
	ops, ok := isOperatorDocument(operand)
	if !ok {
		return matchEq(values, found, operand), nil
	}
	for op, arg := range ops {
		matched, err := matchOperator(values, found, op, arg, ops)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

func matchOperator(values []any, found bool, op string, arg any, ops map[string]any) (bool, error) {
	switch op {
	case "$eq":
		return matchEq(values, found, arg), nil
	case "$ne":
		return !matchEq(values, found, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		return matchCompare(values, op, arg), nil
	case "$in", "$nin":
		list, ok := AsList(arg)
		if !ok {
			return false, fmt.Errorf("%s expects a list", op)
		}
		in := false
		for _, item := range list {
			if matchEq(values, found, item) {
				in = true
				break
			}
		}
		return in == (op == "$in"), nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			want = normalize(arg) != float64(0)
		}
		return found == want, nil
	case "$not":
		matched, err := matchField(values, found, arg)
		return !matched, err
	case "$regex":
		options, _ := ops["$options"].(string)
		re, err := compileRegex(arg, options)
		if err != nil {
			return false, err
		}
		return anyCandidate(values, func(v any) bool {
			s, ok := v.(string)
			return ok && re.MatchString(s)
		}), nil
	case "$options":
		if _, ok := ops["$regex"]; !ok {
			return false, errors.New("$options without $regex")
		}
		return true, nil
	case "$size":
		n, ok := normalize(arg).(float64)
		if !ok {
			return false, errors.New("$size expects a number")
		}
		for _, v := range values {
			if list, ok := AsList(v); ok && float64(len(list)) == n {
				return true, nil
			}
		}
		return false, nil
	case "$all":
		list, ok := AsList(arg)
		if !ok {
			return false, errors.New("$all expects a list")
		}
		for _, item := range list {
			if !matchEq(values, found, item) {
				return false, nil
			}
		}
		return len(list) > 0, nil
	case "$elemMatch":
		sub, ok := AsMap(arg)
		if !ok {
			return false, errors.New("$elemMatch expects a document")
		}
		for _, v := range values {
			list, ok := AsList(v)
			if !ok {
				continue
			}
			for _, item := range list {
				matched, err := matchElement(item, sub)
				if err != nil {
					return false, err
				}
				if matched {
					return true, nil
				}
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnsupported, op)
}

// matchElement matches a single list element against either an operator
// document ({$gt: 3}) or a sub-filter ({qty: {$gt: 3}}).
func matchElement(item any, cond map[string]any) (bool, error) {
	if _, ok := isOperatorDocument(cond); ok {
		return matchField([]any{item}, true, cond)
	}
	doc, ok := AsMap(item)
	if !ok {
		return false, nil
	}
	return Match(doc, cond)
}

// matchEq implements implicit equality: a null operand matches a missing or
// null field, a regex operand matches strings, and a list field matches when
// either the whole list or any element equals the operand.
func matchEq(values []any, found bool, operand any) bool {
	if operand == nil {
		if !found {
			return true
		}
		for _, v := range values {
			if v == nil {
				return true
			}
		}
		return false
	}
	if re, ok := operand.(primitive.Regex); ok {
		compiled, err := compileRegex(re.Pattern, re.Options)
		if err != nil {
			return false
		}
		return anyCandidate(values, func(v any) bool {
			s, ok := v.(string)
			return ok && compiled.MatchString(s)
		})
	}
	want := normalize(operand)
	for _, v := range values {
		nv := normalize(v)
		if equalNormalized(nv, want) {
			return true
		}
		if list, ok := nv.([]any); ok {
			for _, item := range list {
				if equalNormalized(item, want) {
					return true
				}
			}
		}
	}
	return false
}

func matchCompare(values []any, op string, arg any) bool {
	want := normalize(arg)
	return anyCandidate(values, func(v any) bool {
		c, ok := compareNormalized(normalize(v), want)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	})
}

// anyCandidate applies pred to every value and, for list values, to every
// element.
func anyCandidate(values []any, pred func(any) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
		if list, ok := AsList(v); ok {
			for _, item := range list {
				if pred(item) {
					return true
				}
			}
		}
	}
	return false
}

func compileRegex(pattern any, options string) (*regexp.Regexp, error) {
	var expr string
	switch p := pattern.(type) {
	case string:
		expr = p
	case primitive.Regex:
		expr = p.Pattern
		if options == "" {
			options = p.Options
		}
	default:
		return nil, fmt.Errorf("$regex expects a string, got %T", pattern)
	}
	var flags strings.Builder
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags.WriteRune(o)
		}
	}
	if flags.Len() > 0 {
		expr = "(?" + flags.String() + ")" + expr
	}
	return regexp.Compile(expr)
}
