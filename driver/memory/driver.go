// Package driver implements an in-memory storage backend, useful for
// tests and prototypes. It keeps documents in per-collection maps and
// supports the same lookup operators as the MongoDB backend.
package driver

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ramses-tech/nefertari-mongodb/core"
)

// MemoryStore is the core.Store implementation backed by process
// memory.
type MemoryStore struct {
	mutex       sync.RWMutex
	collections map[string]map[string]map[string]any
	rules       map[string][]core.DeleteRule
	order       map[string][]string // insertion order of pks per collection
}

var _ core.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]map[string]any),
		rules:       make(map[string][]core.DeleteRule),
		order:       make(map[string][]string),
	}
}

func (s *MemoryStore) collection(t *core.DocumentType) map[string]map[string]any {
	coll, ok := s.collections[t.CollectionName]
	if !ok {
		coll = make(map[string]map[string]any)
		s.collections[t.CollectionName] = coll
	}
	return coll
}

// Query validates the predicate eagerly and returns a lazy cursor.
func (s *MemoryStore) Query(ctx context.Context, t *core.DocumentType, params map[string]any) (core.Cursor, error) {
	for key := range params {
		base, op := splitLookup(key)
		if op != "" && !knownOps[op] {
			return nil, fmt.Errorf("%w: unsupported lookup operator %q on field %q",
				core.ErrInvalidQuery, op, base)
		}
		if !t.HasField(base) && !t.DynamicSchema && base != t.PKField() {
			return nil, fmt.Errorf("%w: unknown field %q", core.ErrInvalidQuery, base)
		}
	}
	return &memCursor{store: s, typ: t, params: copyParams(params)}, nil
}

// Save persists the document. With forceInsert a missing primary key
// gets a generated identifier and uniqueness constraints are checked
// as creation; otherwise the stored row is replaced.
func (s *MemoryStore) Save(ctx context.Context, t *core.DocumentType, doc *core.Document, forceInsert bool) error {
	if forceInsert && doc.PK() == nil && t.PKFieldKind() == core.KindID {
		doc.SetPK(uuid.NewString())
	}
	data, err := doc.StorageData()
	if err != nil {
		return err
	}
	pk := doc.PKString()
	if pk == "" {
		return fmt.Errorf("cannot save %s document without a primary key", t.Name)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	coll := s.collection(t)

	if forceInsert {
		if _, exists := coll[pk]; exists {
			return fmt.Errorf("%w: duplicate primary key %q", core.ErrDuplicateKey, pk)
		}
	}
	if err := s.checkUnique(t, coll, pk, data); err != nil {
		return err
	}

	if _, exists := coll[pk]; !exists {
		s.order[t.CollectionName] = append(s.order[t.CollectionName], pk)
	}
	coll[pk] = copyRow(data)
	return nil
}

func (s *MemoryStore) checkUnique(t *core.DocumentType, coll map[string]map[string]any,
	pk string, data map[string]any) error {

	for _, name := range t.UniqueFields() {
		if name == t.PKField() {
			continue
		}
		f := t.Field(name)
		value := data[name]
		if value == nil && f.Sparse {
			continue
		}
		for otherPK, row := range coll {
			if otherPK == pk {
				continue
			}
			if !reflect.DeepEqual(row[name], value) {
				continue
			}
			if uniqueWithMatches(f, data, row) {
				return fmt.Errorf("%w: duplicate value for unique field %q", core.ErrDuplicateKey, name)
			}
		}
	}
	return nil
}

func uniqueWithMatches(f *core.Field, data, row map[string]any) bool {
	for _, with := range f.UniqueWith {
		if !reflect.DeepEqual(data[with], row[with]) {
			return false
		}
	}
	return true
}

// Delete applies the registered delete rules, then removes the row.
func (s *MemoryStore) Delete(ctx context.Context, t *core.DocumentType, doc *core.Document) error {
	pk := doc.PK()
	if pk == nil {
		return fmt.Errorf("cannot delete %s document without a primary key", t.Name)
	}
	if err := s.applyDeleteRules(ctx, t, pk); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	coll := s.collection(t)
	pkText := fmt.Sprintf("%v", pk)
	delete(coll, pkText)
	s.order[t.CollectionName] = removeString(s.order[t.CollectionName], pkText)
	return nil
}

// RegisterDeleteRule records a delete-propagation rule for the origin
// type.
func (s *MemoryStore) RegisterDeleteRule(rule core.DeleteRule) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rules[rule.OriginType] = append(s.rules[rule.OriginType], rule)
}

func (s *MemoryStore) rulesFor(typeName string) []core.DeleteRule {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]core.DeleteRule(nil), s.rules[typeName]...)
}

// applyDeleteRules checks every deny rule before any destructive rule
// runs, so a denied delete leaves dependents untouched.
func (s *MemoryStore) applyDeleteRules(ctx context.Context, t *core.DocumentType, pk any) error {
	rules := s.rulesFor(t.Name)
	for _, rule := range rules {
		if rule.Action != core.DeleteDeny {
			continue
		}
		if len(s.dependents(rule, pk)) > 0 {
			return fmt.Errorf("%w: %s documents still reference %s via %s",
				core.ErrDeleteDenied, rule.Dependent.Name, t.Name, rule.Field)
		}
	}
	for _, rule := range rules {
		if err := s.applyDeleteRule(ctx, rule, pk); err != nil {
			return err
		}
	}
	return nil
}

// dependents returns the primary keys of rows whose rule field
// references pk, by equality or list membership.
func (s *MemoryStore) dependents(rule core.DeleteRule, pk any) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	coll := s.collections[rule.Dependent.CollectionName]
	var out []string
	for rowPK, row := range coll {
		if referencesPK(row[rule.Field], pk) {
			out = append(out, rowPK)
		}
	}
	return out
}

func referencesPK(value, pk any) bool {
	if list, ok := value.([]any); ok {
		for _, item := range list {
			if reflect.DeepEqual(item, pk) {
				return true
			}
		}
		return false
	}
	return reflect.DeepEqual(value, pk)
}

func (s *MemoryStore) applyDeleteRule(ctx context.Context, rule core.DeleteRule, pk any) error {
	switch rule.Action {
	case core.DeleteCascade:
		for _, depPK := range s.dependents(rule, pk) {
			s.mutex.RLock()
			row, ok := s.collections[rule.Dependent.CollectionName][depPK]
			s.mutex.RUnlock()
			if !ok {
				continue
			}
			dep := rule.Dependent.Load(copyRow(row))
			if err := s.Delete(ctx, rule.Dependent, dep); err != nil {
				return err
			}
		}
	case core.DeleteNullify, core.DeletePull:
		s.mutex.Lock()
		coll := s.collections[rule.Dependent.CollectionName]
		for _, depPK := range dependentsLocked(coll, rule.Field, pk) {
			row := coll[depPK]
			if list, ok := row[rule.Field].([]any); ok {
				row[rule.Field] = removeValue(list, pk)
			} else {
				row[rule.Field] = nil
			}
		}
		s.mutex.Unlock()
	}
	return nil
}

func dependentsLocked(coll map[string]map[string]any, field string, pk any) []string {
	var out []string
	for rowPK, row := range coll {
		if referencesPK(row[field], pk) {
			out = append(out, rowPK)
		}
	}
	return out
}

func removeValue(list []any, value any) []any {
	out := make([]any, 0, len(list))
	for _, item := range list {
		if !reflect.DeepEqual(item, value) {
			out = append(out, item)
		}
	}
	return out
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, item := range list {
		if item != value {
			out = append(out, item)
		}
	}
	return out
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func splitLookup(key string) (base, op string) {
	if i := strings.Index(key, "__"); i >= 0 {
		return key[:i], key[i+2:]
	}
	return key, ""
}
