// Package core provides the fundamental building blocks of knect.
// This file defines join specifications and the join resolver (populate).
package core

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// JoinSpec selects the joins a Populate or Cascade call works on. Build one
// with Joins, JoinMap or AdHoc.
type JoinSpec struct {
	names  []string
	joins  map[string]Join
	strict bool
}

// Joins selects registered joins by name. Names the schema does not know are
// skipped.
func Joins(names ...string) JoinSpec {
	return JoinSpec{names: names}
}

// JoinMap uses the given joins as they are, registered or not.
func JoinMap(joins map[string]Join) JoinSpec {
	return JoinSpec{joins: joins}
}

// AdHoc uses a single join that need not be registered in the schema.
func AdHoc(name string, join Join) JoinSpec {
	return JoinSpec{joins: map[string]Join{name: join}}
}

// Strict makes Populate fail with ErrMissingReference when a referenced
// document does not exist, instead of silently returning fewer documents.
func (s JoinSpec) Strict() JoinSpec {
	s.strict = true
	return s
}

type joinEntry struct {
	name string
	join Join
}

// resolve turns the spec into an ordered list of joins.
func (s JoinSpec) resolve(schema *Schema) ([]joinEntry, error) {
	if s.joins != nil {
		entries := make([]joinEntry, 0, len(s.joins))
		for _, name := range slices.Sorted(maps.Keys(s.joins)) {
			j := s.joins[name]
			if j.Collection == "" {
				return nil, configurationErrorf("join %q has no collection", name)
			}
			if j.Key == "" {
				j.Key = IDField
			}
			entries = append(entries, joinEntry{name: name, join: j})
		}
		return entries, nil
	}

	entries := make([]joinEntry, 0, len(s.names))
	seen := make(map[string]bool, len(s.names))
	for _, name := range s.names {
		j, ok := schema.Join(name)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, joinEntry{name: name, join: j})
	}
	return entries, nil
}

// foreignValues reads the source property of doc. It reports false when the
// property is absent or null, in which case the pair is skipped.
func foreignValues(doc Document, e joinEntry) (values []any, isList bool, ok bool, err error) {
	raw, found := doc[e.name]
	if !found || raw == nil {
		return nil, false, false, nil
	}
	values, isList = asList(raw)
	if !isList {
		values = []any{raw}
	}
	if e.join.Key == IDField {
		if values, err = ToIDList(values); err != nil {
			return nil, false, false, err
		}
	}
	return values, isList, true, nil
}

type populateTask struct {
	doc    Document
	entry  joinEntry
	values []any
	isList bool
}

// Populate replaces the foreign values held in the join fields of docs with
// the referenced documents. A list field receives the full result list (in
// store order, not input order); a scalar field receives the first match, or
// nil when there is none.
//
// Fetches run concurrently. If any of them fails the call returns a
// *PopulateError and none of the documents is modified.
func (m *Model) Populate(ctx context.Context, docs []Document, spec JoinSpec) error {
	ctx, span := tracer.Start(ctx, "knect.populate", trace.WithAttributes(
		attribute.String("knect.collection", m.Collection()),
		attribute.Int("knect.documents", len(docs)),
	))
	defer span.End()

	err := m.populate(ctx, docs, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// PopulateOne is Populate for a single document.
func (m *Model) PopulateOne(ctx context.Context, doc Document, spec JoinSpec) error {
	return m.Populate(ctx, []Document{doc}, spec)
}

func (m *Model) populate(ctx context.Context, docs []Document, spec JoinSpec) error {
	entries, err := spec.resolve(m.schema)
	if err != nil {
		return err
	}

	var tasks []populateTask
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		for _, e := range entries {
			values, isList, ok, err := foreignValues(doc, e)
			if err != nil {
				return &PopulateError{Join: e.name, Collection: e.join.Collection, Err: err}
			}
			if !ok {
				continue
			}
			tasks = append(tasks, populateTask{doc: doc, entry: e, values: values, isList: isList})
		}
	}

	replacements := make([]any, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	if TransactionFrom(ctx) != nil {
		// a transaction session does not support concurrent use
		g.SetLimit(1)
	}
	for i, t := range tasks {
		g.Go(func() error {
			found, err := m.fetchJoin(gctx, t, spec.strict)
			if err != nil {
				return &PopulateError{Join: t.entry.name, Collection: t.entry.join.Collection, Err: err}
			}
			switch {
			case t.isList:
				replacements[i] = found
			case len(found) > 0:
				replacements[i] = found[0]
			default:
				replacements[i] = nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, t := range tasks {
		t.doc[t.entry.name] = replacements[i]
	}
	return nil
}

func (m *Model) fetchJoin(ctx context.Context, t populateTask, strict bool) ([]Document, error) {
	if len(t.values) == 0 {
		return []Document{}, nil
	}
	filter := Filter{t.entry.join.Key: Filter{"$in": t.values}}
	found, err := m.driver.Find(ctx, t.entry.join.Collection, filter, t.entry.join.Options)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []Document{}
	}
	if strict {
		if missing := missingReferences(t.values, found, t.entry.join.Key); len(missing) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrMissingReference, missing)
		}
	}
	return found, nil
}

func missingReferences(values []any, found []Document, key string) []any {
	matched := make(map[string]bool, len(found))
	for _, doc := range found {
		v := doc[key]
		if list, ok := asList(v); ok {
			for _, item := range list {
				matched[fmt.Sprint(item)] = true
			}
			continue
		}
		matched[fmt.Sprint(v)] = true
	}
	var missing []any
	for _, v := range values {
		if !matched[fmt.Sprint(v)] {
			missing = append(missing, v)
		}
	}
	return missing
}

// Unpopulate restores raw identifiers in the given join fields of doc,
// replacing embedded documents with the value of the join key.
func (m *Model) Unpopulate(doc Document, spec JoinSpec) error {
	entries, err := spec.resolve(m.schema)
	if err != nil {
		return err
	}
	for _, e := range entries {
		raw, ok := doc[e.name]
		if !ok || raw == nil {
			continue
		}
		if list, isList := asList(raw); isList {
			keys := make([]any, 0, len(list))
			for _, item := range list {
				keys = append(keys, keyOf(item, e.join.Key))
			}
			doc[e.name] = keys
			continue
		}
		doc[e.name] = keyOf(raw, e.join.Key)
	}
	return nil
}

func keyOf(v any, key string) any {
	if sub, ok := asDocument(v); ok {
		return sub[key]
	}
	return v
}
