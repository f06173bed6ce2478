// Package core provides the fundamental building blocks of knect.
// This file defines the identifier normalizer.
package core

import (
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ToID converts a loosely typed identifier into the store's canonical
// identifier type. Lists are converted element-wise and stay lists.
//
//   - primitive.ObjectID passes through unchanged
//   - a 24 character hex string is parsed
//   - an integer n becomes the ObjectID whose timestamp is n seconds
//
// Any other value fails with ErrInvalidIdentifier.
func ToID(value any) (any, error) {
	if list, ok := asList(value); ok {
		return ToIDList(list)
	}
	return toScalarID(value)
}

// ToIDList converts every element of values with ToID.
func ToIDList(values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		id, err := toScalarID(v)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

func toScalarID(value any) (primitive.ObjectID, error) {
	switch v := value.(type) {
	case primitive.ObjectID:
		return v, nil
	case *primitive.ObjectID:
		if v != nil {
			return *v, nil
		}
	case string:
		id, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrInvalidIdentifier, v)
		}
		return id, nil
	case int:
		return idFromSeconds(int64(v))
	case int32:
		return idFromSeconds(int64(v))
	case int64:
		return idFromSeconds(v)
	case uint32:
		return idFromSeconds(int64(v))
	case float64:
		if v == math.Trunc(v) {
			return idFromSeconds(int64(v))
		}
	}
	return primitive.NilObjectID, fmt.Errorf("%w: %v (%T)", ErrInvalidIdentifier, value, value)
}

func idFromSeconds(n int64) (primitive.ObjectID, error) {
	if n < 0 || n > math.MaxUint32 {
		return primitive.NilObjectID, fmt.Errorf("%w: %d out of range", ErrInvalidIdentifier, n)
	}
	return primitive.NewObjectIDFromTimestamp(time.Unix(n, 0)), nil
}

// NewID returns a fresh canonical identifier.
func NewID() primitive.ObjectID {
	return primitive.NewObjectID()
}
