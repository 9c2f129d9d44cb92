package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ramses-tech/nefertari-mongodb/core"
)

// knownOps is the supported lookup-operator set, mirroring the MongoDB
// backend.
var knownOps = map[string]bool{
	"ne": true, "lt": true, "lte": true, "gt": true, "gte": true,
	"in": true, "nin": true, "all": true, "exists": true,
	"startswith": true, "istartswith": true,
	"endswith": true, "iendswith": true,
	"contains": true, "icontains": true,
}

// memCursor is a lazy core.Cursor over one in-memory collection. The
// rows are read at execution time, so a cursor observes writes made
// after Query.
type memCursor struct {
	store  *MemoryStore
	typ    *core.DocumentType
	params map[string]any

	only    []string
	exclude []string
	sort    []string

	start    int
	limit    int
	hasSlice bool
}

var _ core.Cursor = (*memCursor)(nil)

func (c *memCursor) clone() *memCursor {
	dup := *c
	dup.only = append([]string(nil), c.only...)
	dup.exclude = append([]string(nil), c.exclude...)
	dup.sort = append([]string(nil), c.sort...)
	return &dup
}

// Only restricts the result to the given fields. Combining with a
// prior Exclude fails with ErrInvalidQuery, matching the MongoDB
// backend's projection rules.
func (c *memCursor) Only(fields ...string) (core.Cursor, error) {
	if len(c.exclude) > 0 {
		return nil, fmt.Errorf("%w: cannot mix field inclusion with exclusion", core.ErrInvalidQuery)
	}
	dup := c.clone()
	dup.only = append(dup.only, fields...)
	return dup, nil
}

// Exclude removes the given fields from the result.
func (c *memCursor) Exclude(fields ...string) (core.Cursor, error) {
	if len(c.only) > 0 {
		return nil, fmt.Errorf("%w: cannot mix field exclusion with inclusion", core.ErrInvalidQuery)
	}
	dup := c.clone()
	dup.exclude = append(dup.exclude, fields...)
	return dup, nil
}

// OrderBy sorts by the given field names; a "-" prefix means
// descending.
func (c *memCursor) OrderBy(fields ...string) core.Cursor {
	if len(fields) == 0 {
		return c
	}
	dup := c.clone()
	dup.sort = append(dup.sort, fields...)
	return dup
}

// Slice applies an absolute start offset and a limit.
func (c *memCursor) Slice(start, limit int) core.Cursor {
	dup := c.clone()
	dup.start = start
	dup.limit = limit
	dup.hasSlice = true
	return dup
}

// Count returns the matching count, honoring the applied slice when
// withLimitAndSkip is true.
func (c *memCursor) Count(ctx context.Context, withLimitAndSkip bool) (int64, error) {
	rows, err := c.matchRows()
	if err != nil {
		return 0, err
	}
	if withLimitAndSkip && c.hasSlice {
		rows = sliceRows(rows, c.start, c.limit)
	}
	return int64(len(rows)), nil
}

// Explain describes the query instead of running it.
func (c *memCursor) Explain(ctx context.Context) (map[string]any, error) {
	return map[string]any{
		"backend":    "memory",
		"collection": c.typ.CollectionName,
		"filter":     copyParams(c.params),
		"sort":       append([]string(nil), c.sort...),
		"sliced":     c.hasSlice,
	}, nil
}

// All materializes the result set into document instances.
func (c *memCursor) All(ctx context.Context) ([]*core.Document, error) {
	rows, err := c.matchRows()
	if err != nil {
		return nil, err
	}
	c.sortRows(rows)
	if c.hasSlice {
		rows = sliceRows(rows, c.start, c.limit)
	}

	docs := make([]*core.Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, c.typ.Load(c.project(row)))
	}
	return docs, nil
}

// matchRows snapshots the rows matching the predicate, in insertion
// order.
func (c *memCursor) matchRows() ([]map[string]any, error) {
	c.store.mutex.RLock()
	defer c.store.mutex.RUnlock()

	coll := c.store.collections[c.typ.CollectionName]
	var rows []map[string]any
	for _, pk := range c.store.order[c.typ.CollectionName] {
		row, ok := coll[pk]
		if !ok {
			continue
		}
		match, err := c.matches(row)
		if err != nil {
			return nil, err
		}
		if match {
			rows = append(rows, copyRow(row))
		}
	}
	return rows, nil
}

func (c *memCursor) matches(row map[string]any) (bool, error) {
	for key, raw := range c.params {
		base, op := splitLookup(key)
		value, err := c.prepare(base, op, raw)
		if err != nil {
			return false, err
		}
		stored, present := row[base]
		ok, err := matchValue(op, stored, present, value)
		if err != nil {
			return false, fmt.Errorf("%w: field %q: %v", core.ErrBadValue, base, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c *memCursor) prepare(base, op string, raw any) (any, error) {
	f := c.typ.Field(base)
	if f == nil {
		return raw, nil
	}
	coerce := func(v any) (any, error) {
		out, err := f.PrepareQueryValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", core.ErrBadValue, base, err)
		}
		return out, nil
	}
	switch op {
	case "in", "nin", "all":
		items := toList(raw)
		out := make([]any, 0, len(items))
		for _, item := range items {
			v, err := coerce(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case "exists":
		return raw, nil
	}
	return coerce(raw)
}

func matchValue(op string, stored any, present bool, value any) (bool, error) {
	switch op {
	case "":
		return referencesPK(stored, value) || equalValues(stored, value), nil
	case "ne":
		return !equalValues(stored, value), nil
	case "exists":
		want, ok := value.(bool)
		if !ok {
			return false, fmt.Errorf("exists lookup needs a boolean, got %T", value)
		}
		return present == want, nil
	case "lt", "lte", "gt", "gte":
		cmp, ok := compareValues(stored, value)
		if !ok {
			return false, nil
		}
		switch op {
		case "lt":
			return cmp < 0, nil
		case "lte":
			return cmp <= 0, nil
		case "gt":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "in":
		for _, item := range toList(value) {
			if equalValues(stored, item) || referencesPK(stored, item) {
				return true, nil
			}
		}
		return false, nil
	case "nin":
		for _, item := range toList(value) {
			if equalValues(stored, item) || referencesPK(stored, item) {
				return false, nil
			}
		}
		return true, nil
	case "all":
		list, ok := stored.([]any)
		if !ok {
			return false, nil
		}
		for _, item := range toList(value) {
			if !containsAny(list, item) {
				return false, nil
			}
		}
		return true, nil
	case "startswith", "istartswith", "endswith", "iendswith", "contains", "icontains":
		return matchText(op, stored, value), nil
	}
	return false, fmt.Errorf("unsupported lookup operator %q", op)
}

func matchText(op string, stored, value any) bool {
	haystack := fmt.Sprintf("%v", stored)
	needle := fmt.Sprintf("%v", value)
	if strings.HasPrefix(op, "i") {
		haystack = strings.ToLower(haystack)
		needle = strings.ToLower(needle)
		op = op[1:]
	}
	switch op {
	case "startswith":
		return strings.HasPrefix(haystack, needle)
	case "endswith":
		return strings.HasSuffix(haystack, needle)
	default:
		return strings.Contains(haystack, needle)
	}
}

func (c *memCursor) sortRows(rows []map[string]any) {
	if len(c.sort) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, field := range c.sort {
			desc := strings.HasPrefix(field, "-")
			name := strings.TrimLeft(field, "-+")
			cmp, ok := compareValues(rows[i][name], rows[j][name])
			if !ok || cmp == 0 {
				continue
			}
			if desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func (c *memCursor) project(row map[string]any) map[string]any {
	if len(c.only) == 0 && len(c.exclude) == 0 {
		return row
	}
	out := make(map[string]any, len(row))
	if len(c.only) > 0 {
		for _, name := range c.only {
			name = strings.TrimPrefix(name, "+")
			if v, ok := row[name]; ok {
				out[name] = v
			}
		}
		// The identity of a projected row is always preserved.
		if v, ok := row[c.typ.PKField()]; ok {
			out[c.typ.PKField()] = v
		}
		return out
	}
	excluded := make(map[string]bool, len(c.exclude))
	for _, name := range c.exclude {
		excluded[strings.TrimPrefix(name, "-")] = true
	}
	for name, v := range row {
		if !excluded[name] {
			out[name] = v
		}
	}
	return out
}

func sliceRows(rows []map[string]any, start, limit int) []map[string]any {
	if start >= len(rows) {
		return nil
	}
	rows = rows[start:]
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func containsAny(list []any, value any) bool {
	for _, item := range list {
		if equalValues(item, value) {
			return true
		}
	}
	return false
}

// equalValues compares loosely across numeric widths so a stored int64
// matches a query int.
func equalValues(a, b any) bool {
	if af, aok := toComparableFloat(a); aok {
		if bf, bok := toComparableFloat(b); bok {
			return af == bf
		}
		return false
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) &&
		(a != nil) == (b != nil)
}

// compareValues orders two values of a comparable family; ok is false
// for mismatched or unordered types.
func compareValues(a, b any) (int, bool) {
	if af, aok := toComparableFloat(a); aok {
		if bf, bok := toComparableFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toComparableFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return float64(n), true
	}
	return 0, false
}

func toList(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}
