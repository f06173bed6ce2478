// Package core provides the fundamental building blocks of knect.
// This file defines the sentinel and typed errors returned by the package.
package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by single-document reads that match nothing.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidIdentifier is returned when a value cannot become an identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrInvalidUpdate is returned when an update is not a document.
	ErrInvalidUpdate = errors.New("invalid update")
	// ErrHalted is returned when a pre hook ends the chain without calling
	// its continuation. The primitive did not run.
	ErrHalted = errors.New("operation halted by pre hook")
	// ErrMissingReference is reported by strict populates when a referenced
	// document does not exist.
	ErrMissingReference = errors.New("missing reference")
	// ErrConfiguration is matched by every ConfigurationError.
	ErrConfiguration = errors.New("configuration error")
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrIdentityConflict is matched by every IdentityConflictError.
	ErrIdentityConflict = errors.New("identity conflict")
)

// ConfigurationError reports a bad schema or registration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configurationErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// Violation is a single failed rule.
type Violation struct {
	Path    string
	Rule    string
	Message string
}

// ValidationError reports a document that failed schema validation. Path is
// the first offending field.
type ValidationError struct {
	Value      any
	Path       string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IdentityConflictError is returned before any store call when a create
// targets a document that already has an identifier, or an update targets one
// that has none.
type IdentityConflictError struct {
	Collection string
	ID         any
	Reason     string
}

func (e *IdentityConflictError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("identity conflict in %q (id %v): %s", e.Collection, e.ID, e.Reason)
	}
	return fmt.Sprintf("identity conflict in %q: %s", e.Collection, e.Reason)
}

func (e *IdentityConflictError) Is(target error) bool {
	return target == ErrIdentityConflict
}

// PopulateError wraps the first failure of a populate call.
type PopulateError struct {
	Join       string
	Collection string
	Err        error
}

func (e *PopulateError) Error() string {
	return fmt.Sprintf("populate %q from %q: %v", e.Join, e.Collection, e.Err)
}

func (e *PopulateError) Unwrap() error { return e.Err }

// CascadeError wraps the first failure of a cascade call. When it is
// returned, the cascade transaction has been rolled back.
type CascadeError struct {
	Join       string
	Collection string
	Err        error
}

func (e *CascadeError) Error() string {
	if e.Join == "" {
		return fmt.Sprintf("cascade: %v", e.Err)
	}
	return fmt.Sprintf("cascade %q into %q: %v", e.Join, e.Collection, e.Err)
}

func (e *CascadeError) Unwrap() error { return e.Err }
