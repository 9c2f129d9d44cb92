package driver

import (
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ramses-tech/nefertari-mongodb/core"
)

// comparisonOps maps lookup-operator suffixes straight to mongo
// operators.
var comparisonOps = map[string]string{
	"ne":   "$ne",
	"lt":   "$lt",
	"lte":  "$lte",
	"gt":   "$gt",
	"gte":  "$gte",
	"in":   "$in",
	"nin":  "$nin",
	"all":  "$all",
	"size": "$size",
}

// buildFilter translates a flat parameter predicate into a bson filter.
// Keys may carry a lookup-operator suffix after a double underscore;
// bare keys mean equality. Values are coerced per the target field,
// failing with ErrBadValue, and unknown operators fail with
// ErrInvalidQuery.
func buildFilter(t *core.DocumentType, params map[string]any) (bson.M, error) {
	filter := bson.M{}
	for key, value := range params {
		base, op := splitLookup(key)
		f := t.Field(base)
		if f == nil && !t.DynamicSchema && base != t.PKField() {
			return nil, fmt.Errorf("%w: unknown field %q", core.ErrInvalidQuery, base)
		}
		storage := storageKey(t, base)

		clause, err := buildClause(t, f, base, op, value)
		if err != nil {
			return nil, err
		}
		mergeClause(filter, storage, clause)
	}
	return filter, nil
}

func splitLookup(key string) (base, op string) {
	if i := strings.Index(key, "__"); i >= 0 {
		return key[:i], key[i+2:]
	}
	return key, ""
}

func buildClause(t *core.DocumentType, f *core.Field, base, op string, value any) (any, error) {
	switch op {
	case "":
		v, err := prepareValue(t, f, base, value)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "exists":
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: exists lookup on %q needs a boolean, got %T",
				core.ErrBadValue, base, value)
		}
		return bson.M{"$exists": b}, nil
	case "startswith", "istartswith", "endswith", "iendswith", "contains", "icontains":
		return regexClause(op, value), nil
	}
	mongoOp, ok := comparisonOps[op]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported lookup operator %q on field %q",
			core.ErrInvalidQuery, op, base)
	}
	if mongoOp == "$in" || mongoOp == "$nin" || mongoOp == "$all" {
		items := toList(value)
		prepared := make([]any, 0, len(items))
		for _, item := range items {
			v, err := prepareValue(t, f, base, item)
			if err != nil {
				return nil, err
			}
			prepared = append(prepared, v)
		}
		return bson.M{mongoOp: prepared}, nil
	}
	v, err := prepareValue(t, f, base, value)
	if err != nil {
		return nil, err
	}
	return bson.M{mongoOp: v}, nil
}

// prepareValue coerces a filter value to the field's storage
// representation; primary-key text becomes an ObjectID.
func prepareValue(t *core.DocumentType, f *core.Field, base string, value any) (any, error) {
	if base == t.PKField() && t.PKFieldKind() == core.KindID {
		if s, ok := value.(string); ok {
			id, err := primitive.ObjectIDFromHex(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a valid id", core.ErrBadValue, s)
			}
			return id, nil
		}
		return value, nil
	}
	if f == nil {
		return value, nil
	}
	v, err := f.PrepareQueryValue(value)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", core.ErrBadValue, base, err)
	}
	return v, nil
}

func regexClause(op string, value any) primitive.Regex {
	text := regexp.QuoteMeta(fmt.Sprintf("%v", value))
	var pattern string
	switch strings.TrimPrefix(op, "i") {
	case "startswith":
		pattern = "^" + text
	case "endswith":
		pattern = text + "$"
	default:
		pattern = text
	}
	options := ""
	if strings.HasPrefix(op, "i") {
		options = "i"
	}
	return primitive.Regex{Pattern: pattern, Options: options}
}

// mergeClause folds a clause into the filter, combining operator maps
// targeting the same field (for example age__gte plus age__lt).
func mergeClause(filter bson.M, key string, clause any) {
	existing, ok := filter[key]
	if !ok {
		filter[key] = clause
		return
	}
	existingOps, eok := existing.(bson.M)
	clauseOps, cok := clause.(bson.M)
	if eok && cok {
		for op, v := range clauseOps {
			existingOps[op] = v
		}
		return
	}
	filter[key] = clause
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
