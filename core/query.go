// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines the flat query-parameter machinery used by the
// collection pipeline: control-parameter extraction, lookup-operator
// normalization, pagination math and the annotated result handle.
package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Params is the flat parameter mapping handed to collection
// operations: filter values keyed by field name (optionally with a
// lookup-operator suffix) plus underscore-prefixed control parameters.
type Params map[string]any

// Copy returns a shallow copy so pipelines can pop keys without
// mutating the caller's map.
func (p Params) Copy() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Params) pop(key string) (any, bool) {
	v, ok := p[key]
	if ok {
		delete(p, key)
	}
	return v, ok
}

func (p Params) popBool(key string, fallback bool) bool {
	v, ok := p.pop(key)
	if !ok || v == nil {
		return fallback
	}
	b, err := parseBoolValue(v)
	if err != nil {
		return fallback
	}
	return b
}

// splitValues renders a parameter as a list of strings, splitting
// comma-separated text as a convenience.
func splitValues(v any) []string {
	switch value := v.(type) {
	case nil:
		return nil
	case string:
		if value == "" {
			return nil
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	}
	return []string{fmt.Sprintf("%v", v)}
}

func parseBoolValue(v any) (bool, error) {
	switch value := v.(type) {
	case bool:
		return value, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "t", "1", "yes", "y":
			return true, nil
		case "false", "f", "0", "no", "n":
			return false, nil
		}
		return false, fmt.Errorf("invalid boolean: %q", value)
	}
	if n, ok := toInt(v); ok {
		return n != 0, nil
	}
	return false, fmt.Errorf("invalid boolean: %v", v)
}

func paramInt(v any) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("missing value")
	}
	if n, ok := toInt(v); ok {
		return int(n), nil
	}
	if s, ok := v.(string); ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("invalid integer: %q", s)
		}
		return n, nil
	}
	return 0, fmt.Errorf("invalid integer: %v", v)
}

// processLimit computes the absolute start offset from an explicit
// start or a page number combined with the limit.
func processLimit(start, page any, limit any) (int, int, error) {
	if limit == nil {
		return 0, 0, BadRequestf("missing _limit")
	}
	limitN, err := paramInt(limit)
	if err != nil {
		return 0, 0, BadRequestf("bad _limit param: %v", err)
	}
	var startN int
	switch {
	case start != nil:
		startN, err = paramInt(start)
		if err != nil {
			return 0, 0, BadRequestf("bad _start param: %v", err)
		}
	case page != nil:
		pageN, err := paramInt(page)
		if err != nil {
			return 0, 0, BadRequestf("bad _page param: %v", err)
		}
		startN = pageN * limitN
	}
	if limitN < 0 || startN < 0 {
		return 0, 0, BadRequestf("_limit/_page or _limit/_start must be positive")
	}
	return startN, limitN, nil
}

// normalizeListParams coerces the value of every key with an __in or
// __all operator suffix to a list.
func normalizeListParams(p Params) {
	for key, value := range p {
		_, op, found := strings.Cut(key, "__")
		if found && (op == "in" || op == "all") {
			p[key] = splitValues(value)
		}
	}
}

// normalizeBoolParams parses the value of every key with a __bool
// suffix and strips the suffix.
func normalizeBoolParams(p Params) error {
	for key, value := range p {
		base, op, found := strings.Cut(key, "__")
		if !found || op != "bool" {
			continue
		}
		b, err := parseBoolValue(value)
		if err != nil {
			return BadRequestf("bad boolean param `%s`: %v", key, err)
		}
		delete(p, key)
		p[base] = b
	}
	return nil
}

// dropMatchAll removes parameters carrying the explicit match-anything
// sentinel value "_all".
func dropMatchAll(p Params) {
	for key, value := range p {
		if s, ok := value.(string); ok && s == "_all" {
			delete(p, key)
		}
	}
}

// dropLegacyParams removes any remaining key with the reserved
// double-underscore prefix, kept as a compatibility no-op.
func dropLegacyParams(p Params) {
	for key := range p {
		if strings.HasPrefix(key, "__") {
			delete(p, key)
		}
	}
}

// splitProjection separates requested field names into inclusion and
// exclusion groups: "-name" excludes, "+name" and bare names include.
func splitProjection(fields []string) (only, exclude []string) {
	for _, name := range fields {
		if name == "" {
			continue
		}
		switch name[0] {
		case '-':
			exclude = append(exclude, name[1:])
		case '+':
			only = append(only, name[1:])
		default:
			only = append(only, name)
		}
	}
	return only, exclude
}

// stripOrderPrefix removes sort/projection direction markers for
// field-allowlist checks.
func stripOrderPrefix(name string) string {
	return strings.TrimLeft(name, "-+")
}

// Result is the annotated handle returned by collection queries: the
// store cursor plus out-of-band metadata computed once per call.
type Result struct {
	cursor Cursor
	// Total is the matching count before pagination.
	Total int64
	// Start is the applied start offset.
	Start int
	// Fields is the resolved field-projection list.
	Fields []string
	// Plan holds the store's query-plan explanation when it was
	// requested instead of the result set.
	Plan map[string]any
	// CountOnly marks a count-only request; the cursor is nil.
	CountOnly bool
}

// All materializes the result documents.
func (r *Result) All(ctx context.Context) ([]*Document, error) {
	if r.cursor == nil {
		return nil, nil
	}
	return r.cursor.All(ctx)
}

// First returns the first document of the result, or nil.
func (r *Result) First(ctx context.Context) (*Document, error) {
	docs, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}
