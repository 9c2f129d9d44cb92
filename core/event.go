// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// It defines abstractions for document types, fields, relationships,
// queries, events, and stores.
package core

import "sync"

// Event represents a lifecycle event emitted by the mapping layer.
//
// Events are triggered after insert, update, delete, and find
// operations. They allow users to register custom handlers to observe
// or react to changes in the persistence layer.
type Event string

const (
	// EventInsert is emitted after a document is inserted.
	EventInsert Event = "insert"
	// EventUpdate is emitted after a document is updated.
	EventUpdate Event = "update"
	// EventDelete is emitted after a document is deleted.
	EventDelete Event = "delete"
	// EventFind is emitted after documents are retrieved.
	EventFind Event = "find"
	// EventBulkUpdate is emitted once after a bulk update, since the
	// per-document EventUpdate does not cover store-side bulk writes.
	EventBulkUpdate Event = "bulk_update"
)

// EventHandler defines the callback signature for event listeners.
// The payload argument varies depending on the event type
// (InsertPayload, UpdatePayload, DeletePayload, FindPayload,
// BulkUpdatePayload).
type EventHandler func(payload any)

// EventDispatcher manages a list of event handlers and dispatches them
// when the corresponding events are emitted.
type EventDispatcher struct {
	mutex       sync.RWMutex
	handlerList map[Event][]EventHandler
}

// globalDispatcher is the shared event dispatcher.
var globalDispatcher = &EventDispatcher{
	handlerList: make(map[Event][]EventHandler),
}

// On registers an EventHandler for a specific Event.
//
// Example:
//
//	On(core.EventInsert, func(payload any) {
//	    if p, ok := payload.(core.InsertPayload); ok {
//	        log.Printf("%s inserted: %v", p.Type.Name, p.Doc.PKString())
//	    }
//	})
func On(event Event, handler EventHandler) {
	globalDispatcher.mutex.Lock()
	defer globalDispatcher.mutex.Unlock()
	globalDispatcher.handlerList[event] = append(globalDispatcher.handlerList[event], handler)
}

// Emit triggers all registered handlers for the given Event.
//
// Handlers run synchronously in registration order, so a handler that
// writes documents observes them in the same final state the emitting
// operation left them in.
func Emit(event Event, payload any) {
	globalDispatcher.mutex.RLock()
	handlers := append([]EventHandler(nil), globalDispatcher.handlerList[event]...)
	globalDispatcher.mutex.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

// ResetEvents removes every registered handler. Only tests should
// call it.
func ResetEvents() {
	globalDispatcher.mutex.Lock()
	defer globalDispatcher.mutex.Unlock()
	globalDispatcher.handlerList = make(map[Event][]EventHandler)
}

// InsertPayload represents the payload passed to EventInsert handlers.
type InsertPayload struct {
	Type *DocumentType
	Doc  *Document
}

// UpdatePayload represents the payload passed to EventUpdate handlers.
type UpdatePayload struct {
	Type *DocumentType
	Doc  *Document
}

// DeletePayload represents the payload passed to EventDelete handlers.
type DeletePayload struct {
	Type *DocumentType
	Doc  *Document
}

// FindPayload represents the payload passed to EventFind handlers.
type FindPayload struct {
	Type    *DocumentType
	DocList []*Document
}

// BulkUpdatePayload represents the payload passed to EventBulkUpdate
// handlers. It contains the documents touched and the applied
// parameters.
type BulkUpdatePayload struct {
	Type   *DocumentType
	Docs   []*Document
	Params Params
}
