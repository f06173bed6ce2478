// Package core provides the fundamental building blocks of knect.
// This file defines the cascade engine, which deletes the documents a source
// document references, inside a single transaction.
package core

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CascadeResult reports, per join name, the deletes a cascade issued for one
// source document.
type CascadeResult struct {
	Doc Document
	Ops map[string][]DeleteResult
}

// Cascade deletes, for every document and join, all target documents whose
// join key is among the document's foreign values.
//
// The whole call runs in a single transaction: either every delete survives
// or, on the first failure, the transaction is rolled back and a
// *CascadeError is returned. When ctx already carries a transaction the call
// joins it and leaves commit to its owner.
func (m *Model) Cascade(ctx context.Context, docs []Document, spec JoinSpec) ([]CascadeResult, error) {
	ctx, span := tracer.Start(ctx, "knect.cascade", trace.WithAttributes(
		attribute.String("knect.collection", m.Collection()),
		attribute.Int("knect.documents", len(docs)),
	))
	defer span.End()

	results, err := m.cascade(ctx, docs, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return results, nil
}

// CascadeOne is Cascade for a single document.
func (m *Model) CascadeOne(ctx context.Context, doc Document, spec JoinSpec) (*CascadeResult, error) {
	results, err := m.Cascade(ctx, []Document{doc}, spec)
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// CascadeAll cascades through every join of the schema marked Cascade.
func (m *Model) CascadeAll(ctx context.Context, docs []Document) ([]CascadeResult, error) {
	joins := m.schema.CascadeJoins()
	if len(joins) == 0 {
		results := make([]CascadeResult, len(docs))
		for i, doc := range docs {
			results[i] = CascadeResult{Doc: doc, Ops: map[string][]DeleteResult{}}
		}
		return results, nil
	}
	return m.Cascade(ctx, docs, JoinMap(joins))
}

func (m *Model) cascade(ctx context.Context, docs []Document, spec JoinSpec) ([]CascadeResult, error) {
	entries, err := spec.resolve(m.schema)
	if err != nil {
		return nil, err
	}

	results := make([]CascadeResult, len(docs))
	// deletes share one session, which does not support concurrent use
	err = runTransaction(ctx, m.driver, m.logger, func(txCtx context.Context) error {
		for i, doc := range docs {
			res := CascadeResult{Doc: doc, Ops: make(map[string][]DeleteResult)}
			for _, e := range entries {
				values, _, ok, err := foreignValues(doc, e)
				if err != nil {
					return &CascadeError{Join: e.name, Collection: e.join.Collection, Err: err}
				}
				if !ok {
					continue
				}
				filter := Filter{e.join.Key: Filter{"$in": values}}
				del, err := m.driver.DeleteMany(txCtx, e.join.Collection, filter)
				if err != nil {
					return &CascadeError{Join: e.name, Collection: e.join.Collection, Err: err}
				}
				res.Ops[e.name] = append(res.Ops[e.name], *del)
				m.logger.DebugWithContext(txCtx, "cascade delete",
					zap.String("join", e.name),
					zap.String("target", e.join.Collection),
					zap.Int64("deleted", del.DeletedCount),
				)
			}
			results[i] = res
		}
		return nil
	})
	if err != nil {
		var cerr *CascadeError
		if !errors.As(err, &cerr) {
			// transaction start or commit failed
			err = &CascadeError{Err: err}
		}
		return nil, err
	}
	return results, nil
}
