// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines document types, the process-wide type registry and
// the link pass that synthesizes backreference mirror fields, wires the
// symmetric mirror-name pointers and registers delete rules.
package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DocumentType is a named, ordered mapping of field names to field
// descriptors, plus the metadata collection operations need.
type DocumentType struct {
	Name           string
	CollectionName string
	Abstract       bool
	// DynamicSchema marks union types whose documents may carry
	// undeclared fields; the strict field-allowlist check skips them.
	DynamicSchema bool
	// NestedRelationships names the relationship fields rendered as
	// full nested documents instead of bare identifiers.
	NestedRelationships []string
	// NestingDepth bounds relationship nesting in rendered output.
	NestingDepth int
	// IndexEnabled marks types whose mutations notify the search index.
	IndexEnabled bool

	fields     map[string]*Field
	fieldOrder []string
	pkName     string

	preHooks  map[PreHook][]func(*Document) error
	postHooks map[PostHook][]func(*Document) error
}

// TypeOption configures a DocumentType under construction.
type TypeOption func(*DocumentType)

// WithField attaches a field under the given attribute name. Panics on
// a duplicate name: field maps are declaration-time data and a clash is
// a programming error.
func WithField(name string, f *Field) TypeOption {
	return func(t *DocumentType) {
		if _, ok := t.fields[name]; ok {
			panic(fmt.Sprintf("core: field %q declared twice on %q", name, t.Name))
		}
		f.Name = name
		if f.StorageName == "" {
			f.StorageName = name
		}
		t.fields[name] = f
		t.fieldOrder = append(t.fieldOrder, name)
	}
}

// Collection overrides the storage collection name, which defaults to
// the lowercased type name.
func Collection(name string) TypeOption {
	return func(t *DocumentType) { t.CollectionName = name }
}

// Abstract marks the type as abstract: it is registered for lookups but
// excluded from the concrete type listing.
func Abstract() TypeOption {
	return func(t *DocumentType) { t.Abstract = true }
}

// DynamicSchema marks the type as dynamic, skipping strict field checks.
func DynamicSchema() TypeOption {
	return func(t *DocumentType) { t.DynamicSchema = true }
}

// Nested registers relationship field names rendered as nested
// documents in JSON-ready output.
func Nested(names ...string) TypeOption {
	return func(t *DocumentType) {
		t.NestedRelationships = append(t.NestedRelationships, names...)
	}
}

// NestingDepth sets how many relationship hops nested rendering
// follows. Defaults to one.
func NestingDepth(depth int) TypeOption {
	return func(t *DocumentType) { t.NestingDepth = depth }
}

// IndexEnabled marks the type for search-index notifications.
func IndexEnabled() TypeOption {
	return func(t *DocumentType) { t.IndexEnabled = true }
}

// NewDocumentType builds a document type. Exactly one field ends up as
// the primary key: an explicitly marked one, a declared "id" field, or
// an implicit identity field synthesized here.
func NewDocumentType(name string, opts ...TypeOption) *DocumentType {
	t := &DocumentType{
		Name:         name,
		NestingDepth: 1,
		fields:       make(map[string]*Field),
		preHooks:     make(map[PreHook][]func(*Document) error),
		postHooks:    make(map[PostHook][]func(*Document) error),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.CollectionName == "" {
		t.CollectionName = strings.ToLower(name)
	}
	for _, fname := range t.fieldOrder {
		if t.fields[fname].PrimaryKey {
			t.pkName = fname
			break
		}
	}
	if t.pkName == "" {
		if f, ok := t.fields["id"]; ok && f.Kind == KindID {
			t.pkName = "id"
		}
	}
	if t.pkName == "" {
		id, _ := NewField(KindID, Options{})
		WithField("id", id)(t)
		t.pkName = "id"
	}
	return t
}

// IsNestedRelationship reports whether the named relationship field is
// rendered as a full nested document.
func (t *DocumentType) IsNestedRelationship(name string) bool {
	return contains(t.NestedRelationships, name)
}

// PKField returns the primary-key field name.
func (t *DocumentType) PKField() string { return t.pkName }

// PKFieldKind returns the primary-key field's semantic kind.
func (t *DocumentType) PKFieldKind() Kind { return t.fields[t.pkName].Kind }

// Field returns the named field descriptor, or nil.
func (t *DocumentType) Field(name string) *Field { return t.fields[name] }

// HasField reports whether the type declares the named field.
func (t *DocumentType) HasField(name string) bool {
	_, ok := t.fields[name]
	return ok
}

// FieldNames returns the declared field names in order.
func (t *DocumentType) FieldNames() []string {
	out := make([]string, len(t.fieldOrder))
	copy(out, t.fieldOrder)
	return out
}

// UniqueFields returns the names of unique-constrained fields plus the
// primary key.
func (t *DocumentType) UniqueFields() []string {
	var out []string
	for _, name := range t.fieldOrder {
		if name != t.pkName && t.fields[name].Unique {
			out = append(out, name)
		}
	}
	return append(out, t.pkName)
}

// queryMetaNames are always legal in query parameters, besides the
// declared field names.
var queryMetaNames = []string{
	"id", "_limit", "_page", "_sort", "_fields", "_count", "_start",
}

// FieldsToQuery returns the set of names legal in query parameters.
func (t *DocumentType) FieldsToQuery() map[string]bool {
	out := make(map[string]bool, len(t.fieldOrder)+len(queryMetaNames))
	for _, name := range queryMetaNames {
		out[name] = true
	}
	for _, name := range t.fieldOrder {
		out[name] = true
	}
	return out
}

// CheckFieldsAllowed verifies every name (base name before any
// lookup-operator suffix) is a declared field or a query meta-name.
// Dynamic-schema types skip the check entirely.
func (t *DocumentType) CheckFieldsAllowed(names []string) error {
	if t.DynamicSchema {
		return nil
	}
	allowed := t.FieldsToQuery()
	var notAllowed []string
	seen := make(map[string]bool)
	for _, name := range names {
		base := strings.SplitN(name, "__", 2)[0]
		if !allowed[base] && !seen[base] {
			seen[base] = true
			notAllowed = append(notAllowed, base)
		}
	}
	if len(notAllowed) > 0 {
		sort.Strings(notAllowed)
		return BadRequestf("'%s' object does not have fields: %s",
			t.Name, strings.Join(notAllowed, ", "))
	}
	return nil
}

// Registry is the process-wide name-to-type mapping. It is populated
// during a startup registration phase and read-only afterwards; tests
// reset it between cases with Reset.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]*DocumentType
	linked map[string]bool // origin type + field already processed
	rules  []DeleteRule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:  make(map[string]*DocumentType),
		linked: make(map[string]bool),
	}
}

// Register adds a type to the registry. Registering two types under the
// same name is a declaration error.
func (r *Registry) Register(t *DocumentType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.Name]; ok {
		return fmt.Errorf("document type %q is already registered", t.Name)
	}
	r.types[t.Name] = t
	return nil
}

// Get returns the named document type. Unknown names are an error so
// callers see typos immediately.
func (r *Registry) Get(name string) (*DocumentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("`%s` does not exist in the registry", name)
	}
	return t, nil
}

// Types returns all registered concrete (non-abstract) types.
func (r *Registry) Types() map[string]*DocumentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*DocumentType)
	for name, t := range r.types {
		if !t.Abstract {
			out[name] = t
		}
	}
	return out
}

// Reset clears the registry. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = make(map[string]*DocumentType)
	r.linked = make(map[string]bool)
	r.rules = nil
}

// Rules returns the delete rules collected during Link.
func (r *Registry) Rules() []DeleteRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeleteRule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Link runs the backreference synthesis pass over every registered
// type. It must run once, after all types are declared and before first
// use. For each relationship field with captured backref options it:
//
//  1. extracts the mirror field name (required) and construction
//     options from the captured set,
//  2. resolves the target type referenced by the field,
//  3. constructs the mirror field (to-one by default, to-many when the
//     backref requests list semantics) on the target type,
//  4. links both fields' mirror names symmetrically,
//  5. registers delete rules with the store for every non-trivial
//     delete action.
//
// Synthesis is idempotent per field: a mirror name already present on
// the target type is not regenerated.
func (r *Registry) Link(store Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		origin := r.types[name]
		for _, fieldName := range origin.FieldNames() {
			field := origin.fields[fieldName]
			if !field.Kind.IsRelational() {
				continue
			}
			key := origin.Name + "." + fieldName
			if r.linked[key] {
				continue
			}
			r.linked[key] = true

			target, ok := r.types[field.RelatedType]
			if !ok {
				return fmt.Errorf(
					"type %q field %q references unregistered type %q",
					origin.Name, fieldName, field.RelatedType)
			}

			// The field's own delete rule: deleting a target document
			// acts on origin documents referencing it.
			if field.OnDelete != DeleteDoNothing {
				r.addRule(store, DeleteRule{
					OriginType: target.Name,
					Dependent:  origin,
					Field:      fieldName,
					Action:     field.OnDelete,
				})
			}

			if !field.HasBackref() {
				continue
			}
			if err := r.synthesizeMirror(store, origin, fieldName, field, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) synthesizeMirror(store Store, origin *DocumentType,
	fieldName string, field *Field, target *DocumentType) error {

	backrefName, _ := field.backrefOptions["name"].(string)
	if backrefName == "" {
		return fmt.Errorf(
			"type %q field %q: backref options require a `name`",
			origin.Name, fieldName)
	}

	// Idempotency: the mirror may already exist from a previous pass
	// over a type hierarchy. Never regenerate, but make sure the
	// origin side knows its mirror name.
	if existing, ok := target.fields[backrefName]; ok {
		if field.MirrorName == "" {
			field.MirrorName = backrefName
		}
		if existing.MirrorName == "" {
			existing.MirrorName = fieldName
		}
		return nil
	}

	mirrorOpts := make(Options, len(field.backrefOptions))
	for k, v := range field.backrefOptions {
		if k != "name" {
			mirrorOpts[k] = v
		}
	}
	mirrorOpts["document"] = origin.Name
	// The mirror is a to-one reference unless the backref explicitly
	// asks for list semantics.
	if _, ok := mirrorOpts["uselist"]; !ok {
		mirrorOpts["uselist"] = false
	}

	mirror, err := Relationship(mirrorOpts)
	if err != nil {
		return fmt.Errorf("type %q field %q backref: %w", origin.Name, fieldName, err)
	}
	mirror.Name = backrefName
	if mirror.StorageName == "" {
		mirror.StorageName = backrefName
	}

	target.fields[backrefName] = mirror
	target.fieldOrder = append(target.fieldOrder, backrefName)
	sort.Strings(target.fieldOrder)

	// The symmetric link activates hook registration on assignment.
	field.MirrorName = backrefName
	mirror.MirrorName = fieldName

	// The outer pass must not revisit the mirror: its delete rule is
	// registered here, once.
	r.linked[target.Name+"."+backrefName] = true

	if mirror.OnDelete != DeleteDoNothing {
		r.addRule(store, DeleteRule{
			OriginType: origin.Name,
			Dependent:  target,
			Field:      backrefName,
			Action:     mirror.OnDelete,
		})
	}
	return nil
}

func (r *Registry) addRule(store Store, rule DeleteRule) {
	r.rules = append(r.rules, rule)
	if store != nil {
		store.RegisterDeleteRule(rule)
	}
}

// defaultRegistry backs the package-level registration helpers. It is
// write-once-per-type at declaration time and read-many afterwards.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds a type to the process-wide registry.
func Register(t *DocumentType) error { return defaultRegistry.Register(t) }

// Link runs the backreference synthesis pass on the process-wide
// registry.
func Link(store Store) error { return defaultRegistry.Link(store) }

// GetDocumentType returns a type from the process-wide registry.
func GetDocumentType(name string) (*DocumentType, error) {
	return defaultRegistry.Get(name)
}

// GetDocumentTypes returns all concrete types from the process-wide
// registry.
func GetDocumentTypes() map[string]*DocumentType { return defaultRegistry.Types() }

// ResetRegistry clears the process-wide registry. Intended for tests.
func ResetRegistry() { defaultRegistry.Reset() }

// IsRelationshipField reports whether the named field of the type is a
// relationship field.
func IsRelationshipField(name string, t *DocumentType) bool {
	f := t.Field(name)
	return f != nil && f.Kind.IsRelational()
}

// RelationshipType resolves the document type pointed to by the named
// relationship field. Callers must check IsRelationshipField first.
func RelationshipType(name string, t *DocumentType, r *Registry) (*DocumentType, error) {
	f := t.Field(name)
	if f == nil || !f.Kind.IsRelational() {
		return nil, fmt.Errorf("%q is not a relationship field of %q", name, t.Name)
	}
	return r.Get(f.RelatedType)
}
