// Package core provides the fundamental building blocks of knect.
// This file defines the hook categories, the hookable methods and the
// signatures of pre and post hooks.
package core

import "context"

// Category names a family of operations hooks can be registered for.
type Category string

const (
	CategoryFind   Category = "find"
	CategoryCreate Category = "create"
	CategoryUpdate Category = "update"
	CategoryDelete Category = "delete"
)

// Method is a hookable Model primitive.
type Method string

const (
	MethodFind        Method = "find"
	MethodCreate      Method = "create"
	MethodUpdate      Method = "update"
	MethodFindUpdate  Method = "findUpdate"
	MethodFindReplace Method = "findReplace"
	MethodDelete      Method = "delete"
	MethodFindDelete  Method = "findDelete"
)

// categoryMethods resolves a category to the primitives it controls.
var categoryMethods = map[Category][]Method{
	CategoryFind:   {MethodFind},
	CategoryCreate: {MethodCreate},
	CategoryUpdate: {MethodUpdate, MethodFindUpdate, MethodFindReplace},
	CategoryDelete: {MethodDelete, MethodFindDelete},
}

// MethodsOf returns the primitives controlled by category, or nil when the
// category is unknown.
func MethodsOf(category Category) []Method {
	return append([]Method(nil), categoryMethods[category]...)
}

// Call carries the arguments of a hooked primitive. Pre hooks may mutate it
// before the primitive runs.
type Call struct {
	Method     Method
	Collection string

	// Filter selects the documents (find, update, delete, findX).
	Filter Filter
	// Update is the canonical update (update, findUpdate).
	Update Update
	// Documents are the documents to insert (create).
	Documents []Document
	// Replacement is the new document (findReplace).
	Replacement Document

	// Query holds the read options of a find.
	Query *Query
	// Modify holds the options of the find-and-modify family.
	Modify *FindAndModifyOptions
	// Many is set for the multi-document form of find, update and delete.
	Many bool
}

// Result carries the outcome of a hooked primitive. Post hooks may mutate it.
type Result struct {
	// Documents holds the documents found (find) or inserted (create).
	Documents []Document
	// Document holds the document returned by the find-and-modify family.
	Document Document

	Insert *InsertResult
	Update *UpdateResult
	Delete *DeleteResult
}

// Next continues a hook chain.
type Next func(ctx context.Context) error

// PreHook runs before a primitive. It must call next to let the chain
// proceed; returning nil without calling next halts the call with ErrHalted.
type PreHook func(ctx context.Context, call *Call, next Next) error

// PostHook runs after a primitive succeeded. Not calling next skips the
// remaining post hooks; the result is still returned.
type PostHook func(ctx context.Context, call *Call, result *Result, next Next) error
