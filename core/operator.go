// Package core provides the fundamental building blocks of knect.
// This file defines the set of supported operators used in conditions.
package core

// Operator is a comparison or logical operator used in a Condition. Its value
// is the store's operator token.
type Operator string

const (
	// Logical operators
	opAnd Operator = "$and"
	opOr  Operator = "$or"
	opNot Operator = "$nor"

	// Value-based operators
	opNil  Operator = "$nil"   // field is null or missing
	opEq   Operator = "$eq"    // field = value
	opNe   Operator = "$ne"    // field != value
	opGt   Operator = "$gt"    // field > value
	opGte  Operator = "$gte"   // field >= value
	opLt   Operator = "$lt"    // field < value
	opLte  Operator = "$lte"   // field <= value
	opLike Operator = "$regex" // SQL LIKE pattern, compiled to a regex
	opIn   Operator = "$in"    // field in value list
	opNin  Operator = "$nin"   // field not in value list
)

// Public operator aliases, used when constructing conditions by hand.
//
// Example:
//
//	cond := &core.Condition{FieldName: "age", Operator: &core.OpGt, Value: 18}
var (
	OpAnd  = opAnd
	OpOr   = opOr
	OpNot  = opNot
	OpNil  = opNil
	OpEq   = opEq
	OpNe   = opNe
	OpGt   = opGt
	OpGte  = opGte
	OpLt   = opLt
	OpLte  = opLte
	OpLike = opLike
	OpIn   = opIn
	OpNin  = opNin
)
