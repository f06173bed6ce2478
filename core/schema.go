// Package core provides the fundamental building blocks of knect.
// This file defines the schema system: collections, joins, validation,
// soft delete and timestamp fields.
package core

import (
	"maps"
	"slices"

	"github.com/tiendc/go-deepcopy"
)

// Join is a declarative pointer from a field of one collection to a matching
// field of another collection. It drives Populate and Cascade.
type Join struct {
	// Collection is the target collection. Required.
	Collection string
	// Key is the field of the target collection matched against the source
	// values. Defaults to "_id".
	Key string
	// Options are passed through to the target read when populating.
	Options *FindOptions
	// Cascade marks the join as eligible for CascadeAll.
	Cascade bool
}

// Schema binds a collection to its joins, its validator and the optional
// soft delete and timestamp fields. A Schema is immutable once built.
type Schema struct {
	collection string
	joins      map[string]Join
	validator  Validator

	deletedAtField string
	createdAtField string
	updatedAtField string

	err error
}

// SchemaOption is a function used to configure a Schema.
type SchemaOption func(*Schema)

// WithJoin registers a join under the given field name.
func WithJoin(name string, join Join) SchemaOption {
	return func(s *Schema) {
		if s.err != nil {
			return
		}
		if name == "" {
			s.err = configurationErrorf("collection %q: join name is empty", s.collection)
			return
		}
		if join.Collection == "" {
			s.err = configurationErrorf("collection %q: join %q has no collection", s.collection, name)
			return
		}
		if join.Key == "" {
			join.Key = IDField
		}
		s.joins[name] = join
	}
}

// WithValidator sets the validator used by Create, Save and Validate.
func WithValidator(v Validator) SchemaOption {
	return func(s *Schema) { s.validator = v }
}

// SoftDelete makes deletes stamp field with the current time instead of
// removing documents. Reads hide stamped documents unless asked otherwise.
func SoftDelete(field string) SchemaOption {
	return func(s *Schema) { s.deletedAtField = field }
}

// Timestamps stamps createdAt on insert and updatedAt on every write. Either
// name may be empty to disable it.
func Timestamps(createdAt, updatedAt string) SchemaOption {
	return func(s *Schema) {
		s.createdAtField = createdAt
		s.updatedAtField = updatedAt
	}
}

// NewSchema builds a schema for collection. It fails with a
// ConfigurationError when the collection name is empty or a join is invalid.
func NewSchema(collection string, options ...SchemaOption) (*Schema, error) {
	if collection == "" {
		return nil, configurationErrorf("collection name is required")
	}
	s := &Schema{
		collection: collection,
		joins:      make(map[string]Join),
		validator:  NopValidator{},
	}
	for _, option := range options {
		option(s)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error.
func MustSchema(collection string, options ...SchemaOption) *Schema {
	s, err := NewSchema(collection, options...)
	if err != nil {
		panic(err)
	}
	return s
}

// Collection returns the collection name.
func (s *Schema) Collection() string { return s.collection }

// Validator returns the schema validator.
func (s *Schema) Validator() Validator { return s.validator }

// Join returns the join registered under name.
func (s *Schema) Join(name string) (Join, bool) {
	j, ok := s.joins[name]
	return j, ok
}

// Joins returns a deep copy of every registered join, options included.
func (s *Schema) Joins() map[string]Join {
	out := make(map[string]Join, len(s.joins))
	if err := deepcopy.Copy(&out, s.joins); err != nil {
		return maps.Clone(s.joins)
	}
	return out
}

// JoinNames returns the registered join names in sorted order.
func (s *Schema) JoinNames() []string {
	return slices.Sorted(maps.Keys(s.joins))
}

// CascadeJoins returns the joins marked for cascading.
func (s *Schema) CascadeJoins() map[string]Join {
	out := make(map[string]Join)
	for name, j := range s.joins {
		if j.Cascade {
			out[name] = j
		}
	}
	return out
}

// SoftDeleteField returns the soft delete field, or "" when disabled.
func (s *Schema) SoftDeleteField() string { return s.deletedAtField }
