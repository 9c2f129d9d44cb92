package core

import "context"

// Indexer is the search-index collaborator notified after mutations of
// index-enabled document types. Implementations push documents to a
// search engine such as Elasticsearch.
type Indexer interface {
	// Index upserts the rendered document under the type name.
	Index(ctx context.Context, typeName string, doc map[string]any) error
	// Delete removes the document with the given primary key.
	Delete(ctx context.Context, typeName string, id string) error
}

// esTypes maps field kinds to search-index property types.
var esTypes = map[Kind]string{
	KindID:           "string",
	KindString:       "string",
	KindText:         "string",
	KindUnicode:      "string",
	KindUnicodeText:  "string",
	KindBoolean:      "boolean",
	KindInteger:      "long",
	KindBigInteger:   "long",
	KindSmallInteger: "integer",
	KindFloat:        "double",
	KindDecimal:      "double",
	KindDate:         "date",
	KindDateTime:     "date",
	KindTime:         "date",
	KindInterval:     "long",
	KindBinary:       "binary",
	KindPickle:       "object",
	KindDict:         "object",
	KindForeignKey:   "string",
}

// ESMapping builds a search-index mapping for the document type.
// Relationship fields listed in the type's nested relationships map to
// nested object mappings up to the configured depth; other
// relationships index as primary-key strings. The synthetic _pk
// property always maps as a string. Related types resolve against the
// given registry; passing nil uses the process-wide one.
func ESMapping(t *DocumentType, r *Registry) map[string]any {
	if r == nil {
		r = defaultRegistry
	}
	return esMappingDepth(t, r, t.NestingDepth)
}

func esMappingDepth(t *DocumentType, r *Registry, depth int) map[string]any {
	properties := map[string]any{
		"_pk": map[string]any{"type": "string"},
	}
	for _, name := range t.fieldOrder {
		f := t.fields[name]
		switch f.Kind {
		case KindReference, KindRelationship:
			properties[name] = esRelationMapping(t, r, f, depth)
		case KindList:
			if esType, ok := esTypes[f.ItemKind]; ok {
				properties[name] = map[string]any{"type": esType}
			} else {
				properties[name] = map[string]any{"type": "object"}
			}
		default:
			if esType, ok := esTypes[f.Kind]; ok {
				properties[name] = map[string]any{"type": esType}
			}
		}
	}
	return map[string]any{
		t.Name: map[string]any{"properties": properties},
	}
}

func esRelationMapping(t *DocumentType, r *Registry, f *Field, depth int) map[string]any {
	if depth > 0 && t.IsNestedRelationship(f.Name) {
		if related, err := r.Get(f.RelatedType); err == nil {
			nested := esMappingDepth(related, r, depth-1)
			if m, ok := nested[related.Name].(map[string]any); ok {
				return map[string]any{"type": "nested", "properties": m["properties"]}
			}
		}
	}
	return map[string]any{"type": "string"}
}
