// Package core provides the fundamental building blocks of knect.
// This file defines the fluent condition builder that compiles to store filters.
package core

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Condition is a fluent way to build a Filter.
//
// A condition targets a field with an operator and a value, or nests
// Children under AND, OR, NOT. Every filter-taking Model method accepts a
// *Condition wherever it accepts a Filter.
//
// Example:
//
//	cond := core.Where("age").Gt(18).And(core.Where("status").Eq("active"))
//	// {"$and": [{"age": {"$gt": 18}}, {"status": {"$eq": "active"}}]}
type Condition struct {
	FieldName string
	Operator  *Operator
	Value     any
	Children  []*Condition
}

// Where starts a condition on field.
func Where(field string) *Condition {
	return &Condition{FieldName: field}
}

// And combines this condition with additional conditions using the logical AND operator.
func (c *Condition) And(conditions ...*Condition) *Condition {
	return &Condition{
		Operator: &OpAnd,
		Children: append([]*Condition{c}, conditions...),
	}
}

// Or combines this condition with additional conditions using the logical OR operator.
func (c *Condition) Or(conditions ...*Condition) *Condition {
	return &Condition{
		Operator: &OpOr,
		Children: append([]*Condition{c}, conditions...),
	}
}

// Not negates this condition.
func (c *Condition) Not() *Condition {
	return &Condition{
		Operator: &OpNot,
		Children: []*Condition{c},
	}
}

// Nil matches a null or missing field.
func (c *Condition) Nil() *Condition {
	c.Operator = &OpNil
	c.Value = nil
	return c
}

// Eq sets this condition to check for equality ($eq).
func (c *Condition) Eq(v any) *Condition {
	c.Operator = &OpEq
	c.Value = v
	return c
}

// Ne sets this condition to check for inequality ($ne). Documents missing
// the field also match.
func (c *Condition) Ne(v any) *Condition {
	c.Operator = &OpNe
	c.Value = v
	return c
}

// Gt sets this condition to check for "greater than" ($gt).
func (c *Condition) Gt(v any) *Condition {
	c.Operator = &OpGt
	c.Value = v
	return c
}

// Gte sets this condition to check for "greater than or equal" ($gte).
func (c *Condition) Gte(v any) *Condition {
	c.Operator = &OpGte
	c.Value = v
	return c
}

// Lt sets this condition to check for "less than" ($lt).
func (c *Condition) Lt(v any) *Condition {
	c.Operator = &OpLt
	c.Value = v
	return c
}

// Lte sets this condition to check for "less than or equal" ($lte).
func (c *Condition) Lte(v any) *Condition {
	c.Operator = &OpLte
	c.Value = v
	return c
}

// Like performs a case-insensitive SQL LIKE style match (% and _ wildcards).
func (c *Condition) Like(pattern string) *Condition {
	c.Operator = &OpLike
	c.Value = pattern
	return c
}

// In checks whether the field value is contained in the provided list.
func (c *Condition) In(values ...any) *Condition {
	c.Operator = &OpIn
	c.Value = values
	return c
}

// Nin checks whether the field value is absent from the provided list.
func (c *Condition) Nin(values ...any) *Condition {
	c.Operator = &OpNin
	c.Value = values
	return c
}

// Filter compiles the condition tree into the store's filter syntax.
// A condition without an operator selects everything.
func (c *Condition) Filter() Filter {
	if c == nil || c.Operator == nil {
		return Filter{}
	}
	if len(c.Children) > 0 {
		switch *c.Operator {
		case OpAnd, OpOr, OpNot:
		default:
			return Filter{}
		}
		// a child without an operator constrains nothing: it is dropped, and
		// it makes an OR select everything
		children := make([]any, 0, len(c.Children))
		for _, child := range c.Children {
			f := child.Filter()
			if len(f) == 0 {
				if *c.Operator == OpOr {
					return Filter{}
				}
				continue
			}
			children = append(children, f)
		}
		if len(children) == 0 {
			return Filter{}
		}
		return Filter{string(*c.Operator): children}
	}

	switch *c.Operator {
	case OpNil:
		return Filter{c.FieldName: nil}
	case OpLike:
		pattern, _ := c.Value.(string)
		return Filter{c.FieldName: primitive.Regex{Pattern: toLikePattern(pattern), Options: "i"}}
	case OpIn, OpNin:
		values, ok := asList(c.Value)
		if !ok {
			values = []any{c.Value}
		}
		return Filter{c.FieldName: Filter{string(*c.Operator): values}}
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		return Filter{c.FieldName: Filter{string(*c.Operator): c.Value}}
	default:
		return Filter{}
	}
}
