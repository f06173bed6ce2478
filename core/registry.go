// Package core provides the fundamental building blocks of knect.
// This file defines the Registry, which owns a driver and its Models.
package core

import (
	"context"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/blujedis/knect-mongo-sub000/logger"
)

// Registry owns a driver and the Models defined against it. Models are cached
// by namespace: defining a namespace twice returns the first Model.
//
// Independent registries share nothing, so tests can build as many as they
// need.
type Registry struct {
	driver Driver
	logger logger.Logger
	events *Events

	mu     sync.RWMutex
	models map[string]*Model
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger handed to every Model.
func WithLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns a Registry over driver.
//
// Example:
//
//	registry := core.NewRegistry(driver, core.WithLogger(log))
//	users, err := registry.Define("user", "user",
//		core.WithJoin("posts", core.Join{Collection: "post"}),
//	)
func NewRegistry(driver Driver, options ...RegistryOption) *Registry {
	r := &Registry{
		driver: driver,
		logger: logger.NewNoopLogger(),
		events: NewEvents(),
		models: make(map[string]*Model),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Define returns the Model registered under namespace, building its schema
// from collection and options on first use only.
func (r *Registry) Define(namespace, collection string, options ...SchemaOption) (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[namespace]; ok {
		r.logger.Debug("namespace already defined", zap.String("namespace", namespace))
		return m, nil
	}
	if namespace == "" {
		return nil, configurationErrorf("namespace is required")
	}
	schema, err := NewSchema(collection, options...)
	if err != nil {
		return nil, err
	}
	m := newModel(namespace, schema, r.driver, r.logger, r.events)
	r.models[namespace] = m
	r.logger.Debug("model defined", zap.String("namespace", namespace), zap.Strings("joins", schema.JoinNames()))
	return m, nil
}

// Register is Define for an already built schema.
func (r *Registry) Register(namespace string, schema *Schema) (*Model, error) {
	if schema == nil {
		return nil, configurationErrorf("namespace %q: schema is nil", namespace)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[namespace]; ok {
		return m, nil
	}
	if namespace == "" {
		return nil, configurationErrorf("namespace is required")
	}
	m := newModel(namespace, schema, r.driver, r.logger, r.events)
	r.models[namespace] = m
	return m, nil
}

// Model returns the Model registered under namespace.
func (r *Registry) Model(namespace string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[namespace]
	return m, ok
}

// Namespaces returns every registered namespace in sorted order.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.models))
}

// Driver returns the shared driver.
func (r *Registry) Driver() Driver { return r.driver }

// Events returns the registry's event dispatcher.
func (r *Registry) Events() *Events { return r.events }

// Close waits for pending event handlers and closes the driver.
func (r *Registry) Close(ctx context.Context) error {
	r.events.Wait()
	return r.driver.Close(ctx)
}
