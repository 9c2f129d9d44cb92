// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines the contract for storage backends: the Store
// interface with the handful of primitives the core consumes, the
// Cursor handle over native result sets, and delete-rule registration.
package core

import "context"

// Cursor is an opaque handle over the store's native result set.
// Shaping methods return derived cursors and never mutate the
// receiver's iteration semantics.
type Cursor interface {
	// Only restricts the result to the given fields. Fails with
	// ErrInvalidQuery when the store rejects the projection.
	Only(fields ...string) (Cursor, error)
	// Exclude removes the given fields from the result. Fails with
	// ErrInvalidQuery when combined incompatibly with Only.
	Exclude(fields ...string) (Cursor, error)
	// OrderBy sorts by the given field names; a "-" prefix means
	// descending. An empty list is a no-op.
	OrderBy(fields ...string) Cursor
	// Slice applies an absolute start offset and a limit.
	Slice(start, limit int) Cursor
	// Count returns the number of matching documents, honoring the
	// applied slice when withLimitAndSkip is true.
	Count(ctx context.Context, withLimitAndSkip bool) (int64, error)
	// Explain returns the store's query-plan explanation.
	Explain(ctx context.Context) (map[string]any, error)
	// All materializes the result set into document instances.
	All(ctx context.Context) ([]*Document, error)
}

// DeleteRule links a dependent field to the action applied when a
// document of the origin type is deleted.
type DeleteRule struct {
	// OriginType names the type whose deletion triggers the rule.
	OriginType string
	// Dependent is the type holding the reference to the origin.
	Dependent *DocumentType
	// Field is the dependent's referencing field name.
	Field string
	// Action is the propagation behavior.
	Action DeleteAction
}

// Store is the storage-engine collaborator. Each backend (mongo,
// memory) implements this interface to handle querying, persistence
// and delete-rule propagation.
type Store interface {
	// Query executes a flat parameter predicate against the type's
	// collection. Parameter keys may carry a lookup-operator suffix
	// (for example "age__gte"); values are already normalized by the
	// collection pipeline. Fails with ErrBadValue when a value cannot
	// be coerced to the target field's type.
	Query(ctx context.Context, t *DocumentType, params map[string]any) (Cursor, error)
	// Save persists a document. When forceInsert is true the write is
	// insert-only so uniqueness constraints are enforced as creation.
	// Uniqueness violations are wrapped with ErrDuplicateKey.
	Save(ctx context.Context, t *DocumentType, doc *Document, forceInsert bool) error
	// Delete removes a document and applies the registered delete
	// rules to its dependents. Fails with ErrDeleteDenied when a deny
	// rule blocks the removal.
	Delete(ctx context.Context, t *DocumentType, doc *Document) error
	// RegisterDeleteRule records a delete-propagation rule, typically
	// during the registry link pass.
	RegisterDeleteRule(rule DeleteRule)
}
