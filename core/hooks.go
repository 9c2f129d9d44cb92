// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines lifecycle hooks that allow custom logic to be
// executed before or after persistence operations such as insert,
// update and delete.
package core

// PreHook represents a lifecycle hook that runs before a persistence
// operation.
//
// Hooks are identified by string tokens (e.g. "pre:insert") and can be
// registered per document type. They allow validation, transformation,
// or side effects to be applied before the operation is executed.
type PreHook string

// PostHook represents a lifecycle hook that runs after a persistence
// operation.
//
// Hooks are identified by string tokens (e.g. "post:update") and can be
// registered per document type. They allow actions such as logging,
// cache invalidation, or event publishing after the operation succeeds.
type PostHook string

const (
	// PreInsert is executed before a document is inserted.
	PreInsert PreHook = "pre:insert"
	// PreUpdate is executed before a document is updated.
	PreUpdate PreHook = "pre:update"
	// PreDelete is executed before a document is deleted.
	PreDelete PreHook = "pre:delete"

	// PostInsert is executed after a document is inserted.
	PostInsert PostHook = "post:insert"
	// PostUpdate is executed after a document is updated.
	PostUpdate PostHook = "post:update"
	// PostDelete is executed after a document is deleted.
	PostDelete PostHook = "post:delete"
)

// RegisterPreHook registers a pre-operation hook for the type.
func (t *DocumentType) RegisterPreHook(hook PreHook, fn func(*Document) error) {
	t.preHooks[hook] = append(t.preHooks[hook], fn)
}

// RegisterPostHook registers a post-operation hook for the type.
func (t *DocumentType) RegisterPostHook(hook PostHook, fn func(*Document) error) {
	t.postHooks[hook] = append(t.postHooks[hook], fn)
}

func (t *DocumentType) runPre(hook PreHook, doc *Document) error {
	for _, fn := range t.preHooks[hook] {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (t *DocumentType) runPost(hook PostHook, doc *Document) error {
	for _, fn := range t.postHooks[hook] {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}
