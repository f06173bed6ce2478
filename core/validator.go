// Package core provides the fundamental building blocks of knect.
// This file defines the document validators.
package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-playground/validator/v10"
)

// Validator checks documents against a schema.
type Validator interface {
	// Validate returns the (possibly normalized) document, or a
	// *ValidationError describing why it is invalid.
	Validate(doc Document) (Document, error)
	// IsValid reports whether Validate would succeed.
	IsValid(doc Document) bool
}

// NopValidator accepts every document unchanged.
type NopValidator struct{}

func (NopValidator) Validate(doc Document) (Document, error) { return doc, nil }

func (NopValidator) IsValid(Document) bool { return true }

// RuleValidator validates documents with go-playground/validator rules keyed
// by field name. Nested documents take a nested rule map.
//
// Example:
//
//	v := core.NewRuleValidator(map[string]any{
//		"email": "required,email",
//		"age":   "omitempty,gte=0",
//	})
type RuleValidator struct {
	validate *validator.Validate
	rules    map[string]any
}

var _ Validator = (*RuleValidator)(nil)

// NewRuleValidator returns a validator enforcing rules.
func NewRuleValidator(rules map[string]any) *RuleValidator {
	return &RuleValidator{
		validate: validator.New(),
		rules:    rules,
	}
}

func (v *RuleValidator) Validate(doc Document) (Document, error) {
	problems := v.validate.ValidateMapCtx(context.Background(), map[string]any(doc), v.rules)
	if len(problems) == 0 {
		return doc, nil
	}
	verr := &ValidationError{Value: doc}
	collectViolations(verr, "", problems)
	if len(verr.Violations) > 0 {
		verr.Path = verr.Violations[0].Path
	}
	return nil, verr
}

func (v *RuleValidator) IsValid(doc Document) bool {
	_, err := v.Validate(doc)
	return err == nil
}

func collectViolations(verr *ValidationError, prefix string, problems map[string]any) {
	for _, field := range slices.Sorted(maps.Keys(problems)) {
		path := field
		if prefix != "" {
			path = prefix + "." + field
		}
		switch p := problems[field].(type) {
		case map[string]any:
			collectViolations(verr, path, p)
		case error:
			var fieldErrs validator.ValidationErrors
			if errors.As(p, &fieldErrs) {
				for _, fe := range fieldErrs {
					verr.Violations = append(verr.Violations, Violation{
						Path:    path,
						Rule:    fe.Tag(),
						Message: fmt.Sprintf("%s failed on the '%s' rule", path, fe.Tag()),
					})
				}
				continue
			}
			verr.Violations = append(verr.Violations, Violation{Path: path, Message: fmt.Sprintf("%s: %v", path, p)})
		}
	}
}
