// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines document instances: field-value state, the created
// flag and changed-field tracking, the queued backreference mutation
// hooks drained after save, incremental list/dict updates, and the
// JSON-ready rendering.
package core

import (
	"fmt"
	"reflect"
	"strings"
)

// hookOp tags a queued backreference mutation.
type hookOp int

const (
	hookAdd hookOp = iota
	hookRemove
)

// backrefHook is a queued mirror-field mutation. It is a small command
// value: the operation, the live target document, and the mirror field
// name on the target. Draining interprets the command against the
// target's state at execution time, not at registration time.
type backrefHook struct {
	op     hookOp
	target *Document
	mirror string
}

// Document is an instance of a document type: a mapping of field names
// to current values plus mutation bookkeeping.
type Document struct {
	typ     *DocumentType
	data    map[string]any
	created bool
	changed map[string]struct{}
	hooks   []backrefHook
	// syncBackref gates hook registration on assignment. Mirror-side
	// writes run with it disabled so a backref update never re-queues
	// hooks, which would recurse forever on one-to-one links.
	syncBackref bool
}

// New builds an in-memory document (created = true) from initial
// values. Assignments route through Set, so relationship values queue
// their backreference hooks exactly as later mutations would.
func (t *DocumentType) New(values map[string]any) (*Document, error) {
	d := &Document{
		typ:         t,
		data:        make(map[string]any),
		created:     true,
		changed:     make(map[string]struct{}),
		syncBackref: true,
	}
	for _, name := range t.fieldOrder {
		if f := t.fields[name]; f.Default != nil {
			d.data[name] = f.Default
		}
	}
	for name, value := range values {
		if err := d.Set(name, value); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Load rebuilds a document from stored values (created = false).
// Unknown keys are filtered out so loading stays lenient about stale
// data, and stored values are coerced back to their Go representation.
func (t *DocumentType) Load(values map[string]any) *Document {
	d := &Document{
		typ:         t,
		data:        make(map[string]any),
		created:     false,
		changed:     make(map[string]struct{}),
		syncBackref: true,
	}
	for name, value := range values {
		f, ok := t.fields[name]
		if !ok {
			if t.DynamicSchema {
				d.data[name] = value
			}
			continue
		}
		read, err := f.CoerceForRead(value)
		if err != nil {
			// Keep the raw value rather than losing data on a stale
			// representation.
			read = value
		}
		d.data[name] = read
	}
	return d
}

// Type returns the document's type.
func (d *Document) Type() *DocumentType { return d.typ }

// PK returns the primary-key value, or nil when unset.
func (d *Document) PK() any { return d.data[d.typ.pkName] }

// PKString renders the primary key in its string form.
func (d *Document) PKString() string { return stringifyID(d.PK()) }

// SetPK assigns the primary-key value. Used by stores on insert.
func (d *Document) SetPK(value any) { d.data[d.typ.pkName] = value }

// IsCreated reports whether the document has never been saved.
func (d *Document) IsCreated() bool { return d.created }

// IsModified reports whether the document has changed fields.
func (d *Document) IsModified() bool { return len(d.changed) > 0 }

// Get returns the current value of a field.
func (d *Document) Get(name string) any { return d.data[name] }

// Values returns a copy of the current field values.
func (d *Document) Values() map[string]any {
	out := make(map[string]any, len(d.data))
	for k, v := range d.data {
		out[k] = v
	}
	return out
}

// PendingHooks returns the number of queued backreference hooks.
func (d *Document) PendingHooks() int { return len(d.hooks) }

// Set assigns a field value. For relationship fields with an active
// mirror link it also queues the backreference hooks that keep the
// other side in sync after the next successful save.
func (d *Document) Set(name string, value any) error {
	f, ok := d.typ.fields[name]
	if !ok {
		if d.typ.DynamicSchema {
			d.assign(name, value)
			return nil
		}
		return fmt.Errorf("type %q has no field %q", d.typ.Name, name)
	}
	value = f.Apply(value)

	switch f.Kind {
	case KindReference:
		return d.setReference(f, name, value)
	case KindRelationship:
		return d.setRelationship(f, name, value)
	}
	d.assign(name, value)
	return nil
}

// setReference implements to-one assignment. Re-assigning the current
// value is a no-op: no hook is queued, which both avoids redundant
// cascades and breaks the mutation loop when the mirror side's hook
// re-assigns the same value.
func (d *Document) setReference(f *Field, name string, value any) error {
	old := d.data[name]
	d.assign(name, value)

	if !d.syncBackref || f.MirrorName == "" {
		return nil
	}
	if sameRef(value, old) {
		return nil
	}
	if oldDoc, ok := old.(*Document); ok && oldDoc != nil {
		d.hooks = append(d.hooks, backrefHook{op: hookRemove, target: oldDoc, mirror: f.MirrorName})
	}
	if newDoc, ok := value.(*Document); ok && newDoc != nil {
		d.hooks = append(d.hooks, backrefHook{op: hookAdd, target: newDoc, mirror: f.MirrorName})
	}
	return nil
}

// setRelationship implements to-many assignment: the new list is
// compared against the current one as sets, and one hook is queued per
// added and per removed element.
func (d *Document) setRelationship(f *Field, name string, value any) error {
	current := refList(d.data[name])
	next := refList(value)
	d.assign(name, value)

	if !d.syncBackref || f.MirrorName == "" {
		return nil
	}
	if sameRefSet(current, next) {
		return nil
	}

	added := refDifference(next, current)
	removed := refDifference(current, next)

	// Heterogeneous partial-document lists are not expected: hooks are
	// only queued when every changed element is a live document.
	if len(added) > 0 && allDocuments(added) {
		for _, v := range added {
			d.hooks = append(d.hooks, backrefHook{op: hookAdd, target: v.(*Document), mirror: f.MirrorName})
		}
	}
	if len(removed) > 0 && allDocuments(removed) {
		for _, v := range removed {
			d.hooks = append(d.hooks, backrefHook{op: hookRemove, target: v.(*Document), mirror: f.MirrorName})
		}
	}
	return nil
}

func (d *Document) assign(name string, value any) {
	if old, ok := d.data[name]; !ok || !reflect.DeepEqual(old, value) {
		d.changed[name] = struct{}{}
	}
	d.data[name] = value
}

// setNoSync assigns without hook registration; used when draining the
// mirror side of a relationship edit.
func (d *Document) setNoSync(name string, value any) error {
	d.syncBackref = false
	defer func() { d.syncBackref = true }()
	return d.Set(name, value)
}

// applyHook interprets one queued command against the target's current
// state. The mirror field's own kind decides list versus scalar
// semantics. Returns whether the target was actually changed.
func applyHook(h backrefHook, origin *Document) (bool, error) {
	target := h.target
	mirror := target.typ.Field(h.mirror)
	if mirror == nil {
		return false, fmt.Errorf("type %q has no mirror field %q", target.typ.Name, h.mirror)
	}

	if mirror.Kind == KindRelationship {
		current := refList(target.Get(h.mirror))
		switch h.op {
		case hookAdd:
			if containsRef(current, origin) {
				return false, nil
			}
			return true, target.setNoSync(h.mirror, append(current, origin))
		case hookRemove:
			if !containsRef(current, origin) {
				return false, nil
			}
			next := make([]any, 0, len(current))
			for _, v := range current {
				if !sameRef(v, origin) {
					next = append(next, v)
				}
			}
			return true, target.setNoSync(h.mirror, next)
		}
		return false, nil
	}

	current := target.Get(h.mirror)
	switch h.op {
	case hookAdd:
		if sameRef(current, origin) {
			return false, nil
		}
		return true, target.setNoSync(h.mirror, origin)
	case hookRemove:
		if !sameRef(current, origin) {
			return false, nil
		}
		return true, target.setNoSync(h.mirror, nil)
	}
	return false, nil
}

// clearHooks empties the hook queue. Called unconditionally after a
// successful drain so stale hooks never re-execute.
func (d *Document) clearHooks() { d.hooks = nil }

func (d *Document) clearChanged() { d.changed = make(map[string]struct{}) }

// Validate checks required fields and per-field constraints. Failures
// are reported as BadRequest carrying the original detail; no internal
// error type escapes this boundary.
func (d *Document) Validate() error {
	for _, name := range d.typ.fieldOrder {
		f := d.typ.fields[name]
		value := d.data[name]
		if value == nil {
			if f.Required {
				return BadRequestf("Resource `%s`: field `%s` is required", d.typ.Name, name)
			}
			continue
		}
		if f.Kind.IsRelational() {
			continue
		}
		if err := f.Validate(value); err != nil {
			return &BadRequestError{
				Msg:  fmt.Sprintf("Resource `%s`: field `%s`: %v", d.typ.Name, name, err),
				Data: err,
			}
		}
	}
	return nil
}

// StorageData converts the document into the representation handed to
// the store: values coerced per field, relationship values reduced to
// the related documents' primary keys.
func (d *Document) StorageData() (map[string]any, error) {
	out := make(map[string]any, len(d.data))
	for name, value := range d.data {
		f, ok := d.typ.fields[name]
		if !ok {
			out[name] = value
			continue
		}
		if value == nil {
			out[name] = nil
			continue
		}
		switch f.Kind {
		case KindReference:
			id, err := refID(value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			out[name] = id
		case KindRelationship:
			items := refList(value)
			ids := make([]any, 0, len(items))
			for _, item := range items {
				id, err := refID(item)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", name, err)
				}
				ids = append(ids, id)
			}
			out[name] = ids
		default:
			coerced, err := f.CoerceForStorage(value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			out[name] = coerced
		}
	}
	return out, nil
}

// ToDict renders the document as a JSON-ready mapping using the type's
// default nesting depth.
func (d *Document) ToDict() map[string]any { return d.ToDictDepth(d.typ.NestingDepth) }

// ToDictDepth renders the document with explicit nesting depth.
// Relationship fields render as bare identifiers, or as nested
// documents up to depth hops when registered as nested relationships.
// Foreign-key compatibility fields are omitted. The primary key is
// always additionally rendered, in string form, under "_pk".
func (d *Document) ToDictDepth(depth int) map[string]any {
	depthReached := depth <= 0
	out := make(map[string]any, len(d.typ.fieldOrder)+2)
	for _, name := range d.typ.fieldOrder {
		f := d.typ.fields[name]
		if f.Kind == KindForeignKey {
			continue
		}
		value := d.data[name]
		if value != nil {
			nested := contains(d.typ.NestedRelationships, name) && !depthReached
			encode := func(v any) any {
				if doc, ok := v.(*Document); ok {
					if nested {
						return doc.ToDictDepth(depth - 1)
					}
					return doc.PK()
				}
				return v
			}
			switch f.Kind {
			case KindReference:
				value = encode(value)
			case KindRelationship:
				items := refList(value)
				rendered := make([]any, len(items))
				for i, item := range items {
					rendered[i] = encode(item)
				}
				value = rendered
			}
		}
		out[name] = value
	}
	out["_type"] = d.typ.Name
	out["_pk"] = d.PKString()
	return out
}

// RelatedDocs pairs a related document type with the instances held by
// one relationship field.
type RelatedDocs struct {
	Type *DocumentType
	Docs []*Document
}

// RelatedDocuments returns the live documents referenced by the
// instance's relationship fields. With nestedOnly, only fields whose
// mirror is registered as a nested relationship on the related type
// are included.
func (d *Document) RelatedDocuments(nestedOnly bool) []RelatedDocs {
	var out []RelatedDocs
	for _, name := range d.typ.fieldOrder {
		f := d.typ.fields[name]
		if !f.Kind.IsRelational() {
			continue
		}
		values := refList(d.data[name])
		var docs []*Document
		for _, v := range values {
			if doc, ok := v.(*Document); ok {
				docs = append(docs, doc)
			}
		}
		if len(docs) == 0 {
			continue
		}
		if nestedOnly && f.MirrorName != "" &&
			!contains(docs[0].typ.NestedRelationships, f.MirrorName) {
			continue
		}
		out = append(out, RelatedDocs{Type: docs[0].typ, Docs: docs})
	}
	return out
}

// NullValues returns the null value of every field except the primary
// key: nil for scalars, an empty list for relationship fields.
func (t *DocumentType) NullValues() map[string]any {
	out := make(map[string]any, len(t.fieldOrder))
	for _, name := range t.fieldOrder {
		if name == t.pkName {
			continue
		}
		if t.fields[name].Kind == KindRelationship {
			out[name] = []any{}
			continue
		}
		out[name] = nil
	}
	return out
}

// UpdateIterable applies an incremental update to a list- or
// dict-typed field. Keys prefixed with "-" remove; unprefixed keys set
// or append; keys prefixed with "__" are internal directives and are
// ignored. A nil input clears everything.
func (d *Document) UpdateIterable(name string, params any, unique bool) error {
	f, ok := d.typ.fields[name]
	if !ok {
		return fmt.Errorf("type %q has no field %q", d.typ.Name, name)
	}
	switch f.Kind {
	case KindDict:
		return d.updateDict(name, params)
	case KindList:
		return d.updateList(name, params, unique)
	}
	return fmt.Errorf("field %q of %q is not a list or dict field", name, d.typ.Name)
}

func (d *Document) updateDict(name string, params any) error {
	current := map[string]any{}
	if v, ok := d.data[name].(map[string]any); ok {
		for k, val := range v {
			current[k] = val
		}
	}
	updates, _ := params.(map[string]any)
	if params == nil || len(updates) == 0 {
		if len(current) == 0 {
			return nil
		}
		updates = make(map[string]any, len(current))
		for k, v := range current {
			updates["-"+k] = v
		}
	}
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	positive, negative := splitUpdateKeys(keys)

	// Removals first, then sets, against a copy; the attribute is
	// reassigned so change tracking sees the new mapping.
	for _, k := range negative {
		delete(current, k)
	}
	for _, k := range positive {
		current[k] = updates[k]
	}
	return d.Set(name, current)
}

func (d *Document) updateList(name string, params any, unique bool) error {
	current := stringList(d.data[name])
	var keys []string
	switch p := params.(type) {
	case nil:
		if len(current) == 0 {
			return nil
		}
		for _, v := range current {
			keys = append(keys, "-"+v)
		}
	case map[string]any:
		for k := range p {
			keys = append(keys, k)
		}
	case []string:
		keys = p
	case []any:
		for _, v := range p {
			keys = append(keys, fmt.Sprintf("%v", v))
		}
	default:
		return BadRequestf("invalid params for list field `%s`", name)
	}

	positive, negative := splitUpdateKeys(keys)
	if len(positive)+len(negative) == 0 {
		return BadRequestf("missing params")
	}

	next := make([]string, len(current))
	copy(next, current)
	if len(positive) > 0 {
		for _, v := range positive {
			if unique && contains(next, v) {
				continue
			}
			next = append(next, v)
		}
	}
	if len(negative) > 0 {
		removed := make(map[string]bool, len(negative))
		for _, v := range negative {
			removed[v] = true
		}
		kept := next[:0]
		for _, v := range next {
			if !removed[v] {
				kept = append(kept, v)
			}
		}
		next = kept
	}
	return d.Set(name, toAnyList(next))
}

// splitUpdateKeys separates removal keys ("-" prefix, prefix stripped)
// from set keys, dropping internal "__" directives.
func splitUpdateKeys(keys []string) (positive, negative []string) {
	for _, key := range keys {
		if strings.HasPrefix(key, "__") {
			continue
		}
		if strings.HasPrefix(key, "-") {
			negative = append(negative, key[1:])
			continue
		}
		positive = append(positive, strings.TrimSpace(key))
	}
	return positive, negative
}

// Reference identity helpers. Reference values may be live documents or
// bare identifiers; identity is the primary key when available, pointer
// identity for unsaved documents.

func refKey(v any) string {
	switch ref := v.(type) {
	case nil:
		return ""
	case *Document:
		if ref == nil {
			return ""
		}
		if pk := ref.PK(); pk != nil {
			return "pk:" + stringifyID(pk)
		}
		return fmt.Sprintf("ptr:%p", ref)
	default:
		return "pk:" + stringifyID(v)
	}
}

func sameRef(a, b any) bool { return refKey(a) == refKey(b) }

func refID(v any) (any, error) {
	if doc, ok := v.(*Document); ok {
		if pk := doc.PK(); pk != nil {
			return pk, nil
		}
		return nil, fmt.Errorf("cannot reference unsaved `%s` document", doc.typ.Name)
	}
	return v, nil
}

func refList(v any) []any {
	switch list := v.(type) {
	case nil:
		return nil
	case []any:
		return list
	case []*Document:
		out := make([]any, len(list))
		for i, d := range list {
			out[i] = d
		}
		return out
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func sameRefSet(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[string]int, len(a))
	for _, v := range a {
		keys[refKey(v)]++
	}
	for _, v := range b {
		keys[refKey(v)]--
	}
	for _, n := range keys {
		if n != 0 {
			return false
		}
	}
	return true
}

// refDifference returns the elements of a that are not in b, compared
// by reference identity.
func refDifference(a, b []any) []any {
	inB := make(map[string]bool, len(b))
	for _, v := range b {
		inB[refKey(v)] = true
	}
	var out []any
	seen := make(map[string]bool)
	for _, v := range a {
		key := refKey(v)
		if !inB[key] && !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

func containsRef(list []any, v any) bool {
	key := refKey(v)
	for _, item := range list {
		if refKey(item) == key {
			return true
		}
	}
	return false
}

func allDocuments(list []any) bool {
	for _, v := range list {
		if _, ok := v.(*Document); !ok {
			return false
		}
	}
	return true
}

// stringifyID renders an identifier in its string form, honoring
// hex-encoded identifier types.
func stringifyID(v any) string {
	if v == nil {
		return ""
	}
	if hexer, ok := v.(interface{ Hex() string }); ok {
		return hexer.Hex()
	}
	return fmt.Sprintf("%v", v)
}

func stringList(v any) []string {
	switch list := v.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			out[i] = fmt.Sprintf("%v", item)
		}
		return out
	}
	return nil
}

func toAnyList(list []string) []any {
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = v
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
