// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines the Model, which binds a document type to a store
// and exposes the mutation lifecycle (save, update, delete, validate)
// and the collection query pipeline (get collection, get item).
package core

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Model is a repository-like handle for one document type. It wraps a
// DocumentType, a Store and an optional search Indexer, exposing
// high-level operations the resource framework calls.
type Model struct {
	typ      *DocumentType
	store    Store
	indexer  Indexer
	registry *Registry
	log      *zap.Logger
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithIndexer attaches the search-index collaborator. Mutations of
// index-enabled types notify it after commit.
func WithIndexer(ix Indexer) ModelOption {
	return func(m *Model) { m.indexer = ix }
}

// WithLogger sets the model's logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) ModelOption {
	return func(m *Model) { m.log = log }
}

// WithRegistry binds the model to a registry other than the
// process-wide default. Mostly useful in tests.
func WithRegistry(r *Registry) ModelOption {
	return func(m *Model) { m.registry = r }
}

// NewModel creates a Model bound to a document type and a store.
func NewModel(t *DocumentType, store Store, opts ...ModelOption) *Model {
	m := &Model{
		typ:      t,
		store:    store,
		registry: defaultRegistry,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Type returns the model's document type.
func (m *Model) Type() *DocumentType { return m.typ }

func (m *Model) modelFor(t *DocumentType) *Model {
	return &Model{typ: t, store: m.store, indexer: m.indexer, registry: m.registry, log: m.log}
}

// Save persists the document. Creation forces an insert-style write so
// uniqueness constraints are enforced as true creation; a duplicate-key
// violation surfaces as Conflict naming the type, any other storage
// error is re-raised unchanged. On success the queued backreference
// hooks are drained in FIFO order, the queue is cleared, and the search
// index is notified.
func (m *Model) Save(ctx context.Context, doc *Document) error {
	wasCreated := doc.created
	op := OperationUpdate
	if wasCreated {
		op = OperationInsert
	}
	return dispatchOperation(ctx, op, doc, func() error {
		if wasCreated {
			if err := m.typ.runPre(PreInsert, doc); err != nil {
				return err
			}
		} else {
			if err := m.typ.runPre(PreUpdate, doc); err != nil {
				return err
			}
		}
		if err := m.applyOnUpdate(doc); err != nil {
			return err
		}
		if err := doc.Validate(); err != nil {
			return err
		}

		if err := m.store.Save(ctx, m.typ, doc, wasCreated); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return &ConflictError{TypeName: m.typ.Name, Data: err}
			}
			return err
		}
		doc.created = false

		if err := m.runBackrefHooks(ctx, doc); err != nil {
			// The queue stays undrained; the caller decides whether to
			// retry the save.
			return err
		}
		doc.clearHooks()

		if err := m.notifyIndex(ctx, doc, wasCreated); err != nil {
			return err
		}
		doc.clearChanged()

		if wasCreated {
			if err := m.typ.runPost(PostInsert, doc); err != nil {
				return err
			}
			Emit(EventInsert, InsertPayload{Type: m.typ, Doc: doc})
		} else {
			if err := m.typ.runPost(PostUpdate, doc); err != nil {
				return err
			}
			Emit(EventUpdate, UpdatePayload{Type: m.typ, Doc: doc})
		}
		return nil
	})
}

// applyOnUpdate applies field on-update values, only when the document
// already exists in storage.
func (m *Model) applyOnUpdate(doc *Document) error {
	if doc.created {
		return nil
	}
	for _, name := range m.typ.fieldOrder {
		f := m.typ.fields[name]
		if f.OnUpdate == nil {
			continue
		}
		value := f.OnUpdate
		if fn, ok := value.(func() any); ok {
			value = fn()
		}
		if err := doc.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// runBackrefHooks drains the document's hook queue in registration
// order. Each command is interpreted against the target's current
// state; targets that actually changed are saved through their own
// model, with hook re-registration disabled by the mirror write itself.
func (m *Model) runBackrefHooks(ctx context.Context, doc *Document) error {
	for _, hook := range doc.hooks {
		changed, err := applyHook(hook, doc)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		tm := m.modelFor(hook.target.typ)
		if err := tm.Save(ctx, hook.target); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) notifyIndex(ctx context.Context, doc *Document, created bool) error {
	if !m.typ.IndexEnabled || m.indexer == nil {
		return nil
	}
	if created || doc.IsModified() {
		return m.indexer.Index(ctx, m.typ.Name, doc.ToDict())
	}
	return nil
}

// Update applies a flat parameter mapping to the document and saves
// it. The primary key is immutable after creation and is skipped.
// List- and dict-typed fields are routed through the incremental
// update helper instead of plain replacement.
func (m *Model) Update(ctx context.Context, doc *Document, params Params) error {
	params = params.Copy()
	if err := normalizeBoolParams(params); err != nil {
		return err
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	if err := m.typ.CheckFieldsAllowed(names); err != nil {
		return err
	}
	for name, value := range params {
		if name == m.typ.pkName {
			continue
		}
		if f := m.typ.Field(name); f != nil && f.IsIterable() {
			if err := doc.UpdateIterable(name, value, true); err != nil {
				return err
			}
			continue
		}
		if err := doc.Set(name, value); err != nil {
			return err
		}
	}
	return m.Save(ctx, doc)
}

// Delete removes the document. The store applies the registered delete
// rules to dependents; a deny rule surfaces as the store's error. The
// search index is notified with the primary key after removal.
func (m *Model) Delete(ctx context.Context, doc *Document) error {
	return dispatchOperation(ctx, OperationDelete, doc, func() error {
		if err := m.typ.runPre(PreDelete, doc); err != nil {
			return err
		}
		if err := m.store.Delete(ctx, m.typ, doc); err != nil {
			return err
		}
		if m.typ.IndexEnabled && m.indexer != nil {
			if err := m.indexer.Delete(ctx, m.typ.Name, doc.PKString()); err != nil {
				return err
			}
		}
		if err := m.typ.runPost(PostDelete, doc); err != nil {
			return err
		}
		Emit(EventDelete, DeletePayload{Type: m.typ, Doc: doc})
		return nil
	})
}

// DeleteMany deletes every given document and returns the count.
func (m *Model) DeleteMany(ctx context.Context, docs []*Document) (int, error) {
	for i, doc := range docs {
		if err := m.Delete(ctx, doc); err != nil {
			return i, err
		}
	}
	return len(docs), nil
}

// UpdateMany applies the same parameters to every given document and
// emits a single bulk-update event, since per-object events do not
// cover store-side bulk writes.
func (m *Model) UpdateMany(ctx context.Context, docs []*Document, params Params) (int, error) {
	for i, doc := range docs {
		if err := m.Update(ctx, doc, params); err != nil {
			return i, err
		}
	}
	Emit(EventBulkUpdate, BulkUpdatePayload{Type: m.typ, Docs: docs, Params: params})
	return len(docs), nil
}

// GetCollection turns a flat parameter mapping into a validated,
// paginated, sorted, field-projected query. Control parameters:
// _limit, _page, _start, _sort, _fields, _strict, _count, _explain,
// _raise_on_empty, query_set (an externally supplied base filter).
// Fails with BadRequest for bad parameter values.
func (m *Model) GetCollection(ctx context.Context, params Params) (*Result, error) {
	var res *Result
	err := dispatchOperation(ctx, OperationFind, params, func() error {
		var err error
		res, err = m.getCollection(ctx, params)
		return err
	})
	return res, err
}

func (m *Model) getCollection(ctx context.Context, params Params) (*Result, error) {
	params = params.Copy()
	m.log.Debug("get collection",
		zap.String("type", m.typ.Name), zap.Any("params", map[string]any(params)))

	params.pop("__confirmation")
	strict := params.popBool("_strict", true)
	itemRequest := params.popBool("_item_request", false)

	sortRaw, _ := params.pop("_sort")
	sortFields := splitValues(sortRaw)
	fieldsRaw, _ := params.pop("_fields")
	fields := splitValues(fieldsRaw)
	limit, haveLimit := params.pop("_limit")
	page, _ := params.pop("_page")
	start, _ := params.pop("_start")
	countOnly := popPresenceFlag(params, "_count")
	explain := popPresenceFlag(params, "_explain")
	raiseOnEmpty := params.popBool("_raise_on_empty", false)

	// An externally supplied base query merges in under the caller's
	// params, which take precedence.
	if base, ok := params.pop("query_set"); ok {
		if baseParams, ok := base.(Params); ok {
			for k, v := range baseParams {
				if _, exists := params[k]; !exists {
					params[k] = v
				}
			}
		}
	}

	dropLegacyParams(params)

	if strict {
		check := make([]string, 0, len(params)+len(fields)+len(sortFields))
		for name := range params {
			check = append(check, name)
		}
		for _, name := range fields {
			check = append(check, stripOrderPrefix(name))
		}
		for _, name := range sortFields {
			check = append(check, stripOrderPrefix(name))
		}
		if err := m.typ.CheckFieldsAllowed(check); err != nil {
			return nil, err
		}
	} else {
		allowed := m.typ.FieldsToQuery()
		for name := range params {
			if !allowed[stripOrderPrefix(splitBase(name))] {
				delete(params, name)
			}
		}
	}

	normalizeListParams(params)
	if err := normalizeBoolParams(params); err != nil {
		return nil, err
	}
	dropMatchAll(params)

	cursor, err := m.store.Query(ctx, m.typ, params)
	if err != nil {
		return nil, m.translateQueryError(err, itemRequest, params)
	}
	total, err := cursor.Count(ctx, false)
	if err != nil {
		return nil, m.translateQueryError(err, itemRequest, params)
	}
	if countOnly {
		return &Result{Total: total, CountOnly: true}, nil
	}

	// Field projection has to be the first shaping step on the cursor.
	only, exclude := splitProjection(fields)
	if len(only) > 0 {
		if cursor, err = cursor.Only(only...); err != nil {
			return nil, BadRequestf("bad _fields param: %v", err)
		}
	}
	if len(exclude) > 0 {
		if cursor, err = cursor.Exclude(exclude...); err != nil {
			return nil, BadRequestf("bad _fields param: %v", err)
		}
	}

	cursor = cursor.OrderBy(sortFields...)

	// Pagination only applies with an explicit limit; a stray _page or
	// _start is ignored.
	startN := 0
	if haveLimit {
		var limitN int
		startN, limitN, err = processLimit(start, page, limit)
		if err != nil {
			return nil, err
		}
		cursor = cursor.Slice(startN, limitN)
	}

	sliced, err := cursor.Count(ctx, true)
	if err != nil {
		return nil, m.translateQueryError(err, itemRequest, params)
	}
	if sliced == 0 {
		msg := fmt.Sprintf("'%s(%v)' resource not found", m.typ.Name, map[string]any(params))
		if raiseOnEmpty {
			return nil, &NotFoundError{Msg: msg}
		}
		m.log.Debug(msg)
	}

	if explain {
		plan, err := cursor.Explain(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Plan: plan, Total: total, Start: startN, Fields: fields}, nil
	}

	return &Result{cursor: cursor, Total: total, Start: startN, Fields: fields}, nil
}

// popPresenceFlag treats the presence of the key as the request
// itself, regardless of value, matching the legacy query convention
// for _count and _explain.
func popPresenceFlag(params Params, key string) bool {
	_, ok := params.pop(key)
	return ok
}

func splitBase(name string) string {
	for i := 0; i+1 < len(name); i++ {
		if name[i] == '_' && name[i+1] == '_' {
			return name[:i]
		}
	}
	return name
}

func (m *Model) translateQueryError(err error, itemRequest bool, params Params) error {
	switch {
	case errors.Is(err, ErrBadValue):
		if itemRequest {
			return &NotFoundError{
				Msg:         fmt.Sprintf("'%s(%v)' resource not found", m.typ.Name, map[string]any(params)),
				Explanation: err.Error(),
			}
		}
		return &BadRequestError{Msg: err.Error(), Data: err}
	case errors.Is(err, ErrInvalidQuery):
		return &BadRequestError{Msg: err.Error(), Data: err}
	}
	return err
}

// GetItem is GetCollection with the limit forced to one and
// raise-on-empty defaulting to true; it returns the single matching
// document or fails with NotFound.
func (m *Model) GetItem(ctx context.Context, params Params) (*Document, error) {
	params = params.Copy()
	if _, ok := params["_raise_on_empty"]; !ok {
		params["_raise_on_empty"] = true
	}
	params["_limit"] = 1
	params["_item_request"] = true
	res, err := m.GetCollection(ctx, params)
	if err != nil {
		return nil, err
	}
	doc, err := res.First(ctx)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, NotFoundf("'%s' resource not found", m.typ.Name)
	}
	Emit(EventFind, FindPayload{Type: m.typ, DocList: []*Document{doc}})
	return doc, nil
}

// GetOrCreate returns the single document matching params, or creates
// one from defaults merged with params. More than one match is a
// BadRequest: the parameters are insufficient to identify a document.
func (m *Model) GetOrCreate(ctx context.Context, params Params, defaults Params) (*Document, bool, error) {
	res, err := m.GetCollection(ctx, params.Copy())
	if err != nil {
		return nil, false, err
	}
	docs, err := res.All(ctx)
	if err != nil {
		return nil, false, err
	}
	switch len(docs) {
	case 1:
		return docs[0], false, nil
	case 0:
		values := make(map[string]any, len(defaults)+len(params))
		for k, v := range defaults {
			values[k] = v
		}
		for k, v := range params {
			values[k] = v
		}
		doc, err := m.typ.New(values)
		if err != nil {
			return nil, false, err
		}
		if err := m.Save(ctx, doc); err != nil {
			return nil, false, err
		}
		return doc, true, nil
	default:
		return nil, false, BadRequestf("bad or insufficient params")
	}
}

// GetByIDs queries the collection by primary keys.
func (m *Model) GetByIDs(ctx context.Context, ids []string, params Params) (*Result, error) {
	params = params.Copy()
	params[m.typ.pkName+"__in"] = ids
	return m.GetCollection(ctx, params)
}

// FilterObjects re-queries a sequence of instances with additional
// parameters, constraining by the instances' primary keys.
func (m *Model) FilterObjects(ctx context.Context, docs []*Document, params Params) (*Result, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if pk := doc.PK(); pk != nil {
			ids = append(ids, stringifyID(pk))
		}
	}
	return m.GetByIDs(ctx, ids, params)
}

// AutogenerateFor wires an event handler that creates a document of
// this model's type whenever a document of the origin type is
// inserted, with the setTo field pointing at the new origin document.
func (m *Model) AutogenerateFor(origin *DocumentType, setTo string) {
	On(EventInsert, func(payload any) {
		p, ok := payload.(InsertPayload)
		if !ok || p.Type != origin {
			return
		}
		doc, err := m.typ.New(map[string]any{setTo: p.Doc})
		if err != nil {
			m.log.Error("autogenerate failed", zap.String("type", m.typ.Name), zap.Error(err))
			return
		}
		if err := m.Save(context.Background(), doc); err != nil {
			m.log.Error("autogenerate failed", zap.String("type", m.typ.Name), zap.Error(err))
		}
	})
}
