// Package eval evaluates document-store filters, updates, sorts and
// projections against in-process documents. Drivers that cannot push a query
// down to their backend use it to get the same semantics as the document
// store: equality against arrays matches any element, null matches missing
// fields, and ordering comparisons only compare values of the same type.
package eval

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// instant is the normalized form of every date value, at the store's
// millisecond precision.
type instant int64

// class orders value types the way the document store sorts mixed types.
type class int

const (
	classNull class = iota
	classNumber
	classString
	classObject
	classArray
	classBinary
	classObjectID
	classBool
	classDate
	classRegex
	classOther
)

// normalize converts a value into a canonical in-memory form: every number
// becomes float64, every date an instant, every mapping map[string]any and
// every list []any (recursively).
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return x
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case string, bool, primitive.ObjectID, primitive.Regex, []byte:
		return x
	case time.Time:
		return instant(x.UnixMilli())
	case *time.Time:
		if x == nil {
			return nil
		}
		return instant(x.UnixMilli())
	case primitive.DateTime:
		return instant(int64(x))
	case primitive.Binary:
		return x.Data
	case primitive.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = normalize(e.Value)
		}
		return out
	}

	if m, ok := AsMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = normalize(val)
		}
		return out
	}
	if l, ok := AsList(v); ok {
		out := make([]any, len(l))
		for i, val := range l {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

// AsMap reports whether v is a mapping with string keys and returns it as a
// plain map. Named map types (documents, filters) are accepted.
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case primitive.M:
		return m, true
	case primitive.D:
		out := make(map[string]any, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	if rv.Type().ConvertibleTo(reflect.TypeOf(map[string]any(nil))) {
		return rv.Convert(reflect.TypeOf(map[string]any(nil))).Interface().(map[string]any), true
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// AsList reports whether v is a list and returns its elements. Byte slices
// are binary scalars, not lists.
func AsList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case primitive.A:
		return l, true
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

func classOf(v any) class {
	switch v.(type) {
	case nil:
		return classNull
	case float64:
		return classNumber
	case string:
		return classString
	case map[string]any:
		return classObject
	case []any:
		return classArray
	case []byte:
		return classBinary
	case primitive.ObjectID:
		return classObjectID
	case bool:
		return classBool
	case instant:
		return classDate
	case primitive.Regex:
		return classRegex
	}
	return classOther
}

// Equal reports whether two values are equal under store semantics
// (1 == 1.0, dates at millisecond precision, deep comparison of documents).
func Equal(a, b any) bool {
	return equalNormalized(normalize(a), normalize(b))
}

func equalNormalized(a, b any) bool {
	ca, cb := classOf(a), classOf(b)
	if ca != cb {
		return false
	}
	switch ca {
	case classObject:
		ma, mb := a.(map[string]any), b.(map[string]any)
		if len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !equalNormalized(va, vb) {
				return false
			}
		}
		return true
	case classArray:
		la, lb := a.([]any), b.([]any)
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !equalNormalized(la[i], lb[i]) {
				return false
			}
		}
		return true
	case classBinary:
		return bytes.Equal(a.([]byte), b.([]byte))
	default:
		return reflect.DeepEqual(a, b)
	}
}

// compareNormalized orders two normalized values of the same class. ok is
// false when the classes differ or the class has no order.
func compareNormalized(a, b any) (int, bool) {
	ca, cb := classOf(a), classOf(b)
	if ca != cb {
		return 0, false
	}
	switch ca {
	case classNull:
		return 0, true
	case classNumber:
		return cmpOrdered(a.(float64), b.(float64)), true
	case classString:
		return strings.Compare(a.(string), b.(string)), true
	case classObjectID:
		ia, ib := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(ia[:], ib[:]), true
	case classBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		default:
			return 1, true
		}
	case classDate:
		return cmpOrdered(a.(instant), b.(instant)), true
	case classBinary:
		return bytes.Compare(a.([]byte), b.([]byte)), true
	case classArray:
		la, lb := a.([]any), b.([]any)
		for i := 0; i < len(la) && i < len(lb); i++ {
			if c := sortCompare(la[i], lb[i]); c != 0 {
				return c, true
			}
		}
		return cmpOrdered(len(la), len(lb)), true
	case classObject:
		if equalNormalized(a, b) {
			return 0, true
		}
		return 0, false
	}
	return 0, false
}

// sortCompare gives a total order over normalized values: first by type
// class, then by value.
func sortCompare(a, b any) int {
	ca, cb := classOf(a), classOf(b)
	if ca != cb {
		return cmpOrdered(ca, cb)
	}
	c, _ := compareNormalized(a, b)
	return c
}

func cmpOrdered[T ~int | ~int64 | ~float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Key returns a string that is equal for two values exactly when Equal reports
// them equal. Drivers use it to index documents by _id.
func Key(v any) string {
	switch x := normalize(v).(type) {
	case nil:
		return "null"
	case float64:
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "s:" + x
	case primitive.ObjectID:
		return "o:" + x.Hex()
	case bool:
		return "b:" + strconv.FormatBool(x)
	case instant:
		return "d:" + strconv.FormatInt(int64(x), 10)
	case []byte:
		return "x:" + hex.EncodeToString(x)
	default:
		return fmt.Sprintf("v:%v", x)
	}
}
