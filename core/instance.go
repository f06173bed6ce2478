// Package core provides the fundamental building blocks of knect.
// This file defines Instance, a live wrapper around one document.
package core

import (
	"context"
	"sync"
)

// Instance is a live wrapper around one document and the Model that owns it.
// Its methods delegate to the Model and refresh the wrapped document from the
// store's answer.
type Instance struct {
	model *Model

	mu  sync.RWMutex
	doc Document
}

// New wraps doc in an Instance bound to m. A nil doc starts empty.
func (m *Model) New(doc Document) *Instance {
	if doc == nil {
		doc = Document{}
	}
	return &Instance{model: m, doc: doc}
}

// Model returns the owning Model.
func (i *Instance) Model() *Model { return i.model }

// ID returns the identifier, or nil for an unsaved instance.
func (i *Instance) ID() any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.doc.ID()
}

// Get returns a field of the wrapped document.
func (i *Instance) Get(field string) any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.doc[field]
}

// Set assigns a field of the wrapped document.
func (i *Instance) Set(field string, value any) *Instance {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.doc[field] = value
	return i
}

// Doc returns a deep copy of the wrapped document.
func (i *Instance) Doc() Document {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return CloneDocument(i.doc)
}

// replace keeps the current document when doc is nil.
func (i *Instance) replace(doc Document) {
	if doc == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.doc = doc
}

// Save creates the document when it has no identifier and updates it by
// identifier otherwise.
func (i *Instance) Save(ctx context.Context) error {
	if i.ID() == nil {
		return i.Create(ctx)
	}
	return i.Update(ctx)
}

// Create inserts the document. It refuses a document that already carries an
// identifier.
func (i *Instance) Create(ctx context.Context) error {
	snapshot := i.Doc()
	if id := snapshot.ID(); id != nil {
		return &IdentityConflictError{Collection: i.model.Collection(), ID: id, Reason: "document already has an identifier"}
	}
	created, err := i.model.CreateOne(ctx, snapshot)
	if err != nil {
		return err
	}
	i.replace(created)
	return nil
}

// Update writes every field but the identifier to the stored document and
// refreshes the instance from the result.
func (i *Instance) Update(ctx context.Context) error {
	snapshot := i.Doc()
	id := snapshot.ID()
	if id == nil {
		return &IdentityConflictError{Collection: i.model.Collection(), Reason: "document has no identifier"}
	}
	delete(snapshot, IDField)
	valid, err := i.model.schema.validator.Validate(snapshot)
	if err != nil {
		return err
	}
	updated, err := i.model.FindUpdate(ctx, Filter{IDField: id}, Update{"$set": valid})
	if err != nil {
		return err
	}
	i.replace(updated)
	return nil
}

// Delete finds and deletes the document by identifier.
func (i *Instance) Delete(ctx context.Context) error {
	id := i.ID()
	if id == nil {
		return &IdentityConflictError{Collection: i.model.Collection(), Reason: "document has no identifier"}
	}
	deleted, err := i.model.FindDelete(ctx, Filter{IDField: id})
	if err != nil {
		return err
	}
	i.replace(deleted)
	return nil
}

// Populate resolves the named registered joins on this document. Without
// names every registered join is resolved.
func (i *Instance) Populate(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = i.model.schema.JoinNames()
	}
	doc := i.Doc()
	if err := i.model.PopulateOne(ctx, doc, Joins(names...)); err != nil {
		return err
	}
	i.replace(doc)
	return nil
}

// Cascade deletes the documents referenced by the named joins. Without names
// the joins marked Cascade are used.
func (i *Instance) Cascade(ctx context.Context, names ...string) (*CascadeResult, error) {
	doc := i.Doc()
	if len(names) == 0 {
		results, err := i.model.CascadeAll(ctx, []Document{doc})
		if err != nil {
			return nil, err
		}
		return &results[0], nil
	}
	return i.model.CascadeOne(ctx, doc, Joins(names...))
}

// Validate checks the current document against the schema.
func (i *Instance) Validate() (Document, error) {
	return i.model.schema.validator.Validate(i.Doc())
}

// IsValid reports whether the current document passes validation.
func (i *Instance) IsValid() bool {
	return i.model.schema.validator.IsValid(i.Doc())
}
