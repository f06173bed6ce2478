// Package core provides the fundamental building blocks of knect.
// This file defines the read and modify options accepted by Model methods.
package core

// Query holds the read options of a Model find: the driver-level options plus
// population and soft-delete visibility.
type Query struct {
	FindOptions
	Populate    *JoinSpec
	WithDeleted bool
	OnlyDeleted bool
}

// FindOption configures a Query.
//
// Example:
//
//	docs, _ := users.Find(ctx, core.Where("active").Eq(true),
//		core.SortBy("createdAt", -1),
//		core.Limit(10),
//		core.Populate(core.Joins("posts")),
//	)
type FindOption func(*Query)

// NewQuery applies options to an empty Query.
func NewQuery(options ...FindOption) *Query {
	q := &Query{}
	for _, option := range options {
		option(q)
	}
	return q
}

// SortBy adds an ordering rule: 1 for ascending, -1 for descending.
func SortBy(field string, order int) FindOption {
	return func(q *Query) {
		q.Sort = append(q.Sort, Sort{FieldName: field, Order: order})
	}
}

// Limit sets the maximum number of results to return.
func Limit(limit int64) FindOption {
	return func(q *Query) { q.Limit = limit }
}

// Skip sets the number of results to skip.
func Skip(skip int64) FindOption {
	return func(q *Query) { q.Skip = skip }
}

// Project restricts results to the given fields (plus _id).
func Project(fields ...string) FindOption {
	return func(q *Query) {
		if q.Projection == nil {
			q.Projection = make(map[string]any)
		}
		for _, f := range fields {
			q.Projection[f] = 1
		}
	}
}

// Exclude removes the given fields from results.
func Exclude(fields ...string) FindOption {
	return func(q *Query) {
		if q.Projection == nil {
			q.Projection = make(map[string]any)
		}
		for _, f := range fields {
			q.Projection[f] = 0
		}
	}
}

// Populate resolves the given joins on every document found.
func Populate(spec JoinSpec) FindOption {
	return func(q *Query) { q.Populate = &spec }
}

// WithDeleted includes soft-deleted documents in the results.
func WithDeleted() FindOption {
	return func(q *Query) { q.WithDeleted = true }
}

// OnlyDeleted restricts the results to soft-deleted documents.
func OnlyDeleted() FindOption {
	return func(q *Query) { q.OnlyDeleted = true }
}

// ModifyOption configures the find-and-modify family.
type ModifyOption func(*FindAndModifyOptions)

func newModifyOptions(options []ModifyOption) *FindAndModifyOptions {
	o := &FindAndModifyOptions{ReturnAfter: true}
	for _, option := range options {
		option(o)
	}
	return o
}

// Upsert inserts a document when the filter matches nothing.
func Upsert() ModifyOption {
	return func(o *FindAndModifyOptions) { o.Upsert = true }
}

// ReturnOriginal returns the document as it was before the modification.
// By default the modified document is returned.
func ReturnOriginal() ModifyOption {
	return func(o *FindAndModifyOptions) { o.ReturnAfter = false }
}

// ModifySortBy picks which document is modified when several match.
func ModifySortBy(field string, order int) ModifyOption {
	return func(o *FindAndModifyOptions) {
		o.Sort = append(o.Sort, Sort{FieldName: field, Order: order})
	}
}
