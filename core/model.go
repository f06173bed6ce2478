// Package core provides the fundamental building blocks of knect.
// This file defines the Model, the per-collection facade over a driver. A
// Model runs hooked primitives, soft deletes, timestamps and event emission.
package core

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/blujedis/knect-mongo-sub000/logger"
)

var tracer = otel.Tracer("knect/core")

// Model is the per-collection facade. It binds a Schema to a Driver, runs the
// hookable primitives (find, create, update, findUpdate, findReplace, delete,
// findDelete) through the Model's hook chain, and offers populate and cascade
// on top.
//
// A Model is safe for concurrent use once its hooks are registered.
type Model struct {
	namespace string
	schema    *Schema
	driver    Driver
	logger    logger.Logger
	events    *Events
	hooks     *hookChain
	now       func() time.Time
}

// NewModel creates a standalone Model bound to a schema and driver. Models
// that share a driver are usually obtained through a Registry instead.
//
// Example:
//
//	users := core.NewModel(userSchema, driver)
func NewModel(schema *Schema, driver Driver) *Model {
	return newModel(schema.Collection(), schema, driver, logger.NewNoopLogger(), nil)
}

func newModel(namespace string, schema *Schema, driver Driver, log logger.Logger, events *Events) *Model {
	return &Model{
		namespace: namespace,
		schema:    schema,
		driver:    driver,
		logger:    log.With(zap.String("collection", schema.Collection())),
		events:    events,
		hooks:     newHookChain(),
		now:       time.Now,
	}
}

// Namespace returns the name the Model was registered under.
func (m *Model) Namespace() string { return m.namespace }

// Collection returns the collection name.
func (m *Model) Collection() string { return m.schema.Collection() }

// Schema returns the bound schema.
func (m *Model) Schema() *Schema { return m.schema }

// Driver returns the underlying driver.
func (m *Model) Driver() Driver { return m.driver }

// Pre registers a hook that runs before every primitive of category.
// Unknown categories fail with a ConfigurationError.
func (m *Model) Pre(category Category, hook PreHook) error {
	return m.hooks.addPre(category, hook)
}

// Post registers a hook that runs after every primitive of category.
// Unknown categories fail with a ConfigurationError.
func (m *Model) Post(category Category, hook PostHook) error {
	return m.hooks.addPost(category, hook)
}

//region public surface

// Find returns every document matching filter (possibly none).
func (m *Model) Find(ctx context.Context, filter any, options ...FindOption) ([]Document, error) {
	q, err := ToQuery(filter)
	if err != nil {
		return nil, err
	}
	res, err := m.call(ctx, &Call{Method: MethodFind, Filter: q, Query: NewQuery(options...), Many: true}, m.find)
	if err != nil {
		return nil, err
	}
	return res.Documents, nil
}

// FindOne returns the first document matching filter, or ErrNotFound.
func (m *Model) FindOne(ctx context.Context, filter any, options ...FindOption) (Document, error) {
	q, err := ToQuery(filter)
	if err != nil {
		return nil, err
	}
	res, err := m.call(ctx, &Call{Method: MethodFind, Filter: q, Query: NewQuery(options...)}, m.find)
	if err != nil {
		return nil, err
	}
	if len(res.Documents) == 0 || res.Documents[0] == nil {
		return nil, ErrNotFound
	}
	return res.Documents[0], nil
}

// FindModel is FindOne wrapped in an Instance.
func (m *Model) FindModel(ctx context.Context, filter any, options ...FindOption) (*Instance, error) {
	doc, err := m.FindOne(ctx, filter, options...)
	if err != nil {
		return nil, err
	}
	return m.New(doc), nil
}

// FindUpdate updates the first document matching filter and returns it (as
// modified, unless ReturnOriginal is given). ErrNotFound when nothing matched.
func (m *Model) FindUpdate(ctx context.Context, filter any, update any, options ...ModifyOption) (Document, error) {
	q, err := ToQuery(filter)
	if err != nil {
		return nil, err
	}
	u, err := ToUpdate(update)
	if err != nil {
		return nil, err
	}
	res, err := m.call(ctx, &Call{Method: MethodFindUpdate, Filter: q, Update: u, Modify: newModifyOptions(options)}, m.findUpdate)
	return singleDocument(res, err)
}

// FindReplace replaces the first document matching filter.
func (m *Model) FindReplace(ctx context.Context, filter any, replacement Document, options ...ModifyOption) (Document, error) {
	q, err := ToQuery(filter)
	if err != nil {
		return nil, err
	}
	res, err := m.call(ctx, &Call{Method: MethodFindReplace, Filter: q, Replacement: replacement, Modify: newModifyOptions(options)}, m.findReplace)
	return singleDocument(res, err)
}

// FindDelete deletes the first document matching filter and returns it.
func (m *Model) FindDelete(ctx context.Context, filter any, options ...ModifyOption) (Document, error) {
	q, err := ToQuery(filter)
	if err != nil {
		return nil, err
	}
	res, err := m.call(ctx, &Call{Method: MethodFindDelete, Filter: q, Modify: newModifyOptions(options)}, m.findDelete)
	return singleDocument(res, err)
}

// Create validates and inserts docs. Nothing is inserted unless every
// document is valid. The inserted documents are returned with their ids.
func (m *Model) Create(ctx context.Context, docs []Document) ([]Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	res, err := m.call(ctx, &Call{Method: MethodCreate, Documents: docs, Many: true}, m.create)
	if err != nil {
		return nil, err
	}
	return res.Documents, nil
}

// CreateOne validates and inserts a single document. ErrNotFound when a post
// hook leaves no document in the result.
func (m *Model) CreateOne(ctx context.Context, doc Document) (Document, error) {
	res, err := m.call(ctx, &Call{Method: MethodCreate, Documents: []Document{doc}}, m.create)
	if err != nil {
		return nil, err
	}
	if len(res.Documents) == 0 || res.Documents[0] == nil {
		return nil, ErrNotFound
	}
	return res.Documents[0], nil
}

// Update applies update to every document matching filter.
func (m *Model) Update(ctx context.Context, filter any, update any) (*UpdateResult, error) {
	return m.update(ctx, filter, update, true)
}

// UpdateOne applies update to the first document matching filter.
func (m *Model) UpdateOne(ctx context.Context, filter any, update any) (*UpdateResult, error) {
	return m.update(ctx, filter, update, false)
}

// Delete removes (or soft deletes) every document matching filter.
func (m *Model) Delete(ctx context.Context, filter any) (*DeleteResult, error) {
	return m.delete(ctx, filter, true)
}

// DeleteOne removes (or soft deletes) the first document matching filter.
func (m *Model) DeleteOne(ctx context.Context, filter any) (*DeleteResult, error) {
	return m.delete(ctx, filter, false)
}

// Count returns the number of visible documents matching filter. It is not
// hookable.
func (m *Model) Count(ctx context.Context, filter any, options ...FindOption) (int64, error) {
	q, err := ToQuery(filter)
	if err != nil {
		return 0, err
	}
	return m.driver.Count(ctx, m.Collection(), m.visible(q, NewQuery(options...)))
}

//endregion

//region primitives

// call runs a primitive through the hook chain inside a span.
func (m *Model) call(ctx context.Context, call *Call, exec primitiveFunc) (*Result, error) {
	call.Collection = m.Collection()
	ctx, span := tracer.Start(ctx, "knect."+string(call.Method), trace.WithAttributes(
		attribute.String("knect.collection", call.Collection),
		attribute.Bool("knect.many", call.Many),
	))
	defer span.End()

	res, err := m.hooks.run(ctx, call, exec)
	if err != nil {
		if !errors.Is(err, ErrHalted) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		m.logger.DebugWithContext(ctx, "primitive failed", zap.String("method", string(call.Method)), zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (m *Model) find(ctx context.Context, call *Call) (*Result, error) {
	query := call.Query
	if query == nil {
		query = &Query{}
	}
	filter := m.visible(call.Filter, query)

	var docs []Document
	if call.Many {
		found, err := m.driver.Find(ctx, m.Collection(), filter, &query.FindOptions)
		if err != nil {
			return nil, err
		}
		docs = found
	} else {
		doc, err := m.driver.FindOne(ctx, m.Collection(), filter, &query.FindOptions)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = []Document{doc}
		}
	}
	if docs == nil {
		docs = []Document{}
	}

	if query.Populate != nil && len(docs) > 0 {
		if err := m.Populate(ctx, docs, *query.Populate); err != nil {
			return nil, err
		}
	}
	m.emit(EventPayload{Event: EventFind, Method: call.Method, Filter: filter, Documents: docs, Count: int64(len(docs))})
	return &Result{Documents: docs}, nil
}

func (m *Model) create(ctx context.Context, call *Call) (*Result, error) {
	now := m.now()
	docs := make([]Document, 0, len(call.Documents))
	for _, doc := range call.Documents {
		valid, err := m.schema.validator.Validate(doc)
		if err != nil {
			return nil, err
		}
		out := make(Document, len(valid)+2)
		for k, v := range valid {
			out[k] = v
		}
		m.stampCreate(out, now)
		docs = append(docs, out)
	}

	var (
		res *InsertResult
		err error
	)
	if len(docs) == 1 {
		res, err = m.driver.InsertOne(ctx, m.Collection(), docs[0])
	} else {
		res, err = m.driver.InsertMany(ctx, m.Collection(), docs)
	}
	if err != nil {
		return nil, err
	}
	for i, id := range res.InsertedIDs {
		if i < len(docs) {
			docs[i][IDField] = id
		}
	}
	m.emit(EventPayload{Event: EventInsert, Method: call.Method, Documents: docs, Count: int64(len(docs))})
	return &Result{Documents: docs, Insert: res}, nil
}

func (m *Model) update(ctx context.Context, filter any, update any, many bool) (*UpdateResult, error) {
	q, err := ToQuery(filter)
	if err != nil {
		return nil, err
	}
	u, err := ToUpdate(update)
	if err != nil {
		return nil, err
	}
	res, err := m.call(ctx, &Call{Method: MethodUpdate, Filter: q, Update: u, Many: many}, m.updatePrimitive)
	if err != nil {
		return nil, err
	}
	if res.Update == nil {
		return &UpdateResult{}, nil
	}
	return res.Update, nil
}

func (m *Model) updatePrimitive(ctx context.Context, call *Call) (*Result, error) {
	filter := m.visible(call.Filter, nil)
	update := m.stampUpdate(call.Update, m.now())

	var (
		res *UpdateResult
		err error
	)
	if call.Many {
		res, err = m.driver.UpdateMany(ctx, m.Collection(), filter, update, false)
	} else {
		res, err = m.driver.UpdateOne(ctx, m.Collection(), filter, update, false)
	}
	if err != nil {
		return nil, err
	}
	m.emit(EventPayload{Event: EventUpdate, Method: call.Method, Filter: filter, Update: update, Count: res.ModifiedCount})
	return &Result{Update: res}, nil
}

func (m *Model) findUpdate(ctx context.Context, call *Call) (*Result, error) {
	filter := m.visible(call.Filter, nil)
	update := m.stampUpdate(call.Update, m.now())
	doc, err := m.driver.FindOneAndUpdate(ctx, m.Collection(), filter, update, modifyOrDefault(call.Modify))
	if err != nil {
		return nil, err
	}
	if doc != nil {
		m.emit(EventPayload{Event: EventUpdate, Method: call.Method, Filter: filter, Update: update, Documents: []Document{doc}, Count: 1})
	}
	return &Result{Document: doc}, nil
}

func (m *Model) findReplace(ctx context.Context, call *Call) (*Result, error) {
	filter := m.visible(call.Filter, nil)
	replacement := make(Document, len(call.Replacement)+1)
	for k, v := range call.Replacement {
		replacement[k] = v
	}
	if m.schema.updatedAtField != "" {
		replacement[m.schema.updatedAtField] = m.now()
	}
	doc, err := m.driver.FindOneAndReplace(ctx, m.Collection(), filter, replacement, modifyOrDefault(call.Modify))
	if err != nil {
		return nil, err
	}
	if doc != nil {
		m.emit(EventPayload{Event: EventUpdate, Method: call.Method, Filter: filter, Documents: []Document{doc}, Count: 1})
	}
	return &Result{Document: doc}, nil
}

func (m *Model) delete(ctx context.Context, filter any, many bool) (*DeleteResult, error) {
	q, err := ToQuery(filter)
	if err != nil {
		return nil, err
	}
	res, err := m.call(ctx, &Call{Method: MethodDelete, Filter: q, Many: many}, m.deletePrimitive)
	if err != nil {
		return nil, err
	}
	if res.Delete == nil {
		return &DeleteResult{}, nil
	}
	return res.Delete, nil
}

func (m *Model) deletePrimitive(ctx context.Context, call *Call) (*Result, error) {
	filter := m.visible(call.Filter, nil)

	if field := m.schema.deletedAtField; field != "" {
		update := m.stampUpdate(Update{"$set": Document{field: m.now()}}, m.now())
		var (
			res *UpdateResult
			err error
		)
		if call.Many {
			res, err = m.driver.UpdateMany(ctx, m.Collection(), filter, update, false)
		} else {
			res, err = m.driver.UpdateOne(ctx, m.Collection(), filter, update, false)
		}
		if err != nil {
			return nil, err
		}
		m.emit(EventPayload{Event: EventUpdate, Method: call.Method, Filter: filter, Update: update, Count: res.ModifiedCount})
		return &Result{Delete: &DeleteResult{DeletedCount: res.ModifiedCount}}, nil
	}

	var (
		res *DeleteResult
		err error
	)
	if call.Many {
		res, err = m.driver.DeleteMany(ctx, m.Collection(), filter)
	} else {
		res, err = m.driver.DeleteOne(ctx, m.Collection(), filter)
	}
	if err != nil {
		return nil, err
	}
	m.emit(EventPayload{Event: EventDelete, Method: call.Method, Filter: filter, Count: res.DeletedCount})
	return &Result{Delete: res}, nil
}

func (m *Model) findDelete(ctx context.Context, call *Call) (*Result, error) {
	filter := m.visible(call.Filter, nil)

	if field := m.schema.deletedAtField; field != "" {
		update := m.stampUpdate(Update{"$set": Document{field: m.now()}}, m.now())
		doc, err := m.driver.FindOneAndUpdate(ctx, m.Collection(), filter, update, modifyOrDefault(call.Modify))
		if err != nil {
			return nil, err
		}
		if doc != nil {
			m.emit(EventPayload{Event: EventUpdate, Method: call.Method, Filter: filter, Update: update, Documents: []Document{doc}, Count: 1})
		}
		return &Result{Document: doc}, nil
	}

	doc, err := m.driver.FindOneAndDelete(ctx, m.Collection(), filter, modifyOrDefault(call.Modify))
	if err != nil {
		return nil, err
	}
	if doc != nil {
		m.emit(EventPayload{Event: EventDelete, Method: call.Method, Filter: filter, Documents: []Document{doc}, Count: 1})
	}
	return &Result{Document: doc}, nil
}

//endregion

//region helpers

// visible applies soft delete rules to filter. A nil query hides deleted
// documents.
func (m *Model) visible(filter Filter, q *Query) Filter {
	field := m.schema.deletedAtField
	if field == "" {
		return filter
	}
	if q != nil && q.OnlyDeleted {
		return andFilters(filter, Filter{field: Filter{"$ne": nil}})
	}
	if q != nil && q.WithDeleted {
		return filter
	}
	return andFilters(filter, Filter{field: nil})
}

func (m *Model) stampCreate(doc Document, now time.Time) {
	if f := m.schema.createdAtField; f != "" {
		if _, ok := doc[f]; !ok {
			doc[f] = now
		}
	}
	if f := m.schema.updatedAtField; f != "" {
		if _, ok := doc[f]; !ok {
			doc[f] = now
		}
	}
}

// stampUpdate returns a copy of u with updatedAt set, leaving the caller's
// $set document untouched.
func (m *Model) stampUpdate(u Update, now time.Time) Update {
	out := make(Update, len(u))
	for k, v := range u {
		out[k] = v
	}
	set := make(Document)
	for k, v := range setDocument(Update{"$set": out["$set"]}) {
		set[k] = v
	}
	if f := m.schema.updatedAtField; f != "" {
		set[f] = now
	}
	out["$set"] = set
	return out
}

func (m *Model) emit(payload EventPayload) {
	if m.events == nil {
		return
	}
	payload.Collection = m.Collection()
	m.events.Emit(payload)
}

func modifyOrDefault(o *FindAndModifyOptions) *FindAndModifyOptions {
	if o == nil {
		return &FindAndModifyOptions{ReturnAfter: true}
	}
	return o
}

func singleDocument(res *Result, err error) (Document, error) {
	if err != nil {
		return nil, err
	}
	if res.Document == nil {
		return nil, ErrNotFound
	}
	return res.Document, nil
}

//endregion
