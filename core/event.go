// Package core provides the fundamental building blocks of knect.
// This file defines the event bus Models publish lifecycle events to.
package core

import "sync"

// Event represents a lifecycle event emitted by a Model after a successful
// primitive.
type Event string

const (
	// EventInsert is emitted after documents are inserted.
	EventInsert Event = "insert"
	// EventUpdate is emitted after documents are updated, replaced or soft deleted.
	EventUpdate Event = "update"
	// EventDelete is emitted after documents are removed.
	EventDelete Event = "delete"
	// EventFind is emitted after documents are read.
	EventFind Event = "find"
)

// EventHandler defines the callback signature for event listeners.
type EventHandler func(payload EventPayload)

// EventPayload describes what happened.
type EventPayload struct {
	Event      Event
	Collection string
	Method     Method
	Filter     Filter
	Documents  []Document
	Update     Update
	Count      int64
}

// Events manages event handlers and dispatches payloads to them. Each
// Registry owns one.
type Events struct {
	mutex       sync.RWMutex
	handlerList map[Event][]EventHandler
	wg          sync.WaitGroup
}

// NewEvents returns an empty dispatcher.
func NewEvents() *Events {
	return &Events{handlerList: make(map[Event][]EventHandler)}
}

// On registers an EventHandler for a specific Event.
//
// Example:
//
//	registry.Events().On(core.EventInsert, func(p core.EventPayload) {
//		log.Printf("%d documents inserted into %s", len(p.Documents), p.Collection)
//	})
func (e *Events) On(event Event, handler EventHandler) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.handlerList[event] = append(e.handlerList[event], handler)
}

// Emit triggers all registered handlers for payload.Event.
//
// Handlers are executed asynchronously in separate goroutines. Each handler
// receives its own deep copy of the payload, so the caller may keep using
// the documents it emitted.
func (e *Events) Emit(payload EventPayload) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	for _, h := range e.handlerList[payload.Event] {
		e.wg.Add(1)
		go func(h EventHandler, p EventPayload) {
			defer e.wg.Done()
			h(p)
		}(h, payload.clone())
	}
}

func (p EventPayload) clone() EventPayload {
	if p.Filter != nil {
		p.Filter = Filter(CloneDocument(Document(p.Filter)))
	}
	if p.Update != nil {
		p.Update = Update(CloneDocument(Document(p.Update)))
	}
	if p.Documents != nil {
		docs := make([]Document, len(p.Documents))
		for i, doc := range p.Documents {
			docs[i] = CloneDocument(doc)
		}
		p.Documents = docs
	}
	return p
}

// Wait blocks until every handler started so far has returned.
func (e *Events) Wait() {
	e.wg.Wait()
}
