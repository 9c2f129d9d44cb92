// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines the field descriptor system: semantic kinds, option
// filtering, value coercion between Go and storage representations, and
// per-kind validation.
package core

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the semantic type tag of a field.
type Kind int

const (
	KindID Kind = iota
	KindString
	KindText
	KindUnicode
	KindUnicodeText
	KindBoolean
	KindInteger
	KindBigInteger
	KindSmallInteger
	KindFloat
	KindDecimal
	KindDate
	KindDateTime
	KindTime
	KindInterval
	KindBinary
	KindPickle
	KindList
	KindDict
	KindForeignKey
	KindReference
	KindRelationship
)

var kindNames = map[Kind]string{
	KindID:           "id",
	KindString:       "string",
	KindText:         "text",
	KindUnicode:      "unicode",
	KindUnicodeText:  "unicode_text",
	KindBoolean:      "boolean",
	KindInteger:      "integer",
	KindBigInteger:   "big_integer",
	KindSmallInteger: "small_integer",
	KindFloat:        "float",
	KindDecimal:      "decimal",
	KindDate:         "date",
	KindDateTime:     "datetime",
	KindTime:         "time",
	KindInterval:     "interval",
	KindBinary:       "binary",
	KindPickle:       "pickle",
	KindList:         "list",
	KindDict:         "dict",
	KindForeignKey:   "foreign_key",
	KindReference:    "reference",
	KindRelationship: "relationship",
}

func (k Kind) String() string { return kindNames[k] }

// IsRelational reports whether the kind references other documents.
func (k Kind) IsRelational() bool {
	return k == KindReference || k == KindRelationship
}

// Options is the raw construction option map of a field. Keys not in
// the field's declared valid set are silently dropped, which keeps
// definitions portable across heterogeneous storage engines.
type Options map[string]any

// Processor transforms a value as it is assigned to a field.
type Processor func(value any) any

func init() {
	// Common shapes carried by pickle fields.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// commonValidOptions are accepted by every field kind.
var commonValidOptions = []string{
	"name", "required", "default", "unique", "unique_with",
	"primary_key", "choices", "verbose_name", "help_text", "sparse",
	"processors", "on_update",
}

// validOptionsByKind lists the kind-specific option keys, on top of the
// common set. Translated keys (length, scale) are handled before the
// filter runs.
var validOptionsByKind = map[Kind][]string{
	KindID:           {},
	KindString:       {"regex", "min_length", "max_length"},
	KindText:         {"regex", "min_length", "max_length"},
	KindUnicode:      {"regex", "min_length", "max_length"},
	KindUnicodeText:  {"regex", "min_length", "max_length"},
	KindBoolean:      {},
	KindInteger:      {"min_value", "max_value"},
	KindBigInteger:   {"min_value", "max_value"},
	KindSmallInteger: {"min_value", "max_value"},
	KindFloat:        {"min_value", "max_value"},
	KindDecimal:      {"min_value", "max_value", "force_string", "precision", "rounding"},
	KindDate:         {},
	KindDateTime:     {},
	KindTime:         {},
	KindInterval:     {},
	KindBinary:       {"max_bytes"},
	KindPickle:       {"max_bytes"},
	KindList:         {"item_kind"},
	KindDict:         {},
	KindForeignKey:   {},
	KindReference:    {"document", "ondelete"},
	KindRelationship: {"document", "ondelete"},
}

// Field describes one attribute slot on a document type. Created once
// at type-declaration time and immutable afterwards, except for the
// MirrorName linkage set by the registry's link pass.
type Field struct {
	Kind        Kind
	Name        string // attribute name, assigned when attached to a type
	StorageName string // storage key, from the "name" option
	Required    bool
	Unique      bool
	UniqueWith  []string
	PrimaryKey  bool
	Sparse      bool
	Default     any
	// OnUpdate is a value, or a func() any, applied on save only when
	// the owning document already exists in storage.
	OnUpdate any
	Choices  []any

	// Numeric constraints.
	MinValue *float64
	MaxValue *float64

	// String constraints.
	Regex     *regexp.Regexp
	MinLength *int
	MaxLength *int

	// Binary constraint.
	MaxBytes int

	// Decimal formatting.
	Precision   int
	ForceString bool

	// List element kind and choice set. ListChoices validates element
	// membership only; order and duplicates are not checked.
	ItemKind    Kind
	ListChoices []any

	// Relationship attributes. MirrorName is the storage name of the
	// field on the other side; it is set at most once, by Registry.Link.
	RelatedType string
	OnDelete    DeleteAction
	MirrorName  string

	processors     []Processor
	backrefOptions Options
}

// NewField constructs a field of the given kind from a raw option map.
// Unknown options are dropped; "name" is renamed to the storage key.
func NewField(kind Kind, opts Options) (*Field, error) {
	opts = translateOptions(kind, opts)
	opts = dropInvalidOptions(kind, opts)

	f := &Field{Kind: kind}
	if v, ok := opts["name"].(string); ok {
		f.StorageName = v
	}
	f.Required, _ = opts["required"].(bool)
	f.Unique, _ = opts["unique"].(bool)
	f.PrimaryKey, _ = opts["primary_key"].(bool)
	f.Sparse, _ = opts["sparse"].(bool)
	f.Default = opts["default"]
	f.OnUpdate = opts["on_update"]
	if v, ok := opts["unique_with"].([]string); ok {
		f.UniqueWith = v
	}
	if v, ok := opts["choices"].([]any); ok {
		f.Choices = v
	}
	if v, ok := opts["processors"].([]Processor); ok {
		f.processors = v
	}
	if v, ok := toFloat(opts["min_value"]); ok {
		f.MinValue = &v
	}
	if v, ok := toFloat(opts["max_value"]); ok {
		f.MaxValue = &v
	}
	if v, ok := opts["regex"].(string); ok && v != "" {
		re, err := regexp.Compile(v)
		if err != nil {
			return nil, fmt.Errorf("field regex: %w", err)
		}
		f.Regex = re
	}
	if v, ok := toInt(opts["min_length"]); ok {
		n := int(v)
		f.MinLength = &n
	}
	if v, ok := toInt(opts["max_length"]); ok {
		n := int(v)
		f.MaxLength = &n
	}
	if v, ok := toInt(opts["max_bytes"]); ok {
		f.MaxBytes = int(v)
	}
	if v, ok := toInt(opts["precision"]); ok {
		f.Precision = int(v)
	}
	f.ForceString, _ = opts["force_string"].(bool)
	if v, ok := opts["item_kind"].(Kind); ok {
		f.ItemKind = v
	}
	if kind == KindList && f.Choices != nil {
		// List choices constrain elements, not the list value itself.
		f.ListChoices = f.Choices
		f.Choices = nil
	}
	return f, nil
}

// translateOptions renames engine-specific option keys to the internal
// ones: length -> max_bytes (binary), scale -> precision (decimal).
func translateOptions(kind Kind, opts Options) Options {
	out := make(Options, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	if kind == KindBinary || kind == KindPickle {
		if v, ok := out["length"]; ok {
			out["max_bytes"] = v
			delete(out, "length")
		}
	}
	if kind == KindDecimal {
		if v, ok := out["scale"]; ok {
			out["precision"] = v
			delete(out, "scale")
		}
	}
	return out
}

func dropInvalidOptions(kind Kind, opts Options) Options {
	valid := make(map[string]bool, len(commonValidOptions))
	for _, k := range commonValidOptions {
		valid[k] = true
	}
	for _, k := range validOptionsByKind[kind] {
		valid[k] = true
	}
	out := make(Options, len(opts))
	for k, v := range opts {
		if valid[k] {
			out[k] = v
		}
	}
	return out
}

// Named constructors, one per semantic kind. They exist so document
// declarations read the same across engines.

func IDField(opts Options) (*Field, error)           { return NewField(KindID, opts) }
func StringField(opts Options) (*Field, error)       { return NewField(KindString, opts) }
func TextField(opts Options) (*Field, error)         { return NewField(KindText, opts) }
func UnicodeField(opts Options) (*Field, error)      { return NewField(KindUnicode, opts) }
func UnicodeTextField(opts Options) (*Field, error)  { return NewField(KindUnicodeText, opts) }
func BooleanField(opts Options) (*Field, error)      { return NewField(KindBoolean, opts) }
func IntegerField(opts Options) (*Field, error)      { return NewField(KindInteger, opts) }
func BigIntegerField(opts Options) (*Field, error)   { return NewField(KindBigInteger, opts) }
func SmallIntegerField(opts Options) (*Field, error) { return NewField(KindSmallInteger, opts) }
func FloatField(opts Options) (*Field, error)        { return NewField(KindFloat, opts) }
func DecimalField(opts Options) (*Field, error)      { return NewField(KindDecimal, opts) }
func DateField(opts Options) (*Field, error)         { return NewField(KindDate, opts) }
func DateTimeField(opts Options) (*Field, error)     { return NewField(KindDateTime, opts) }
func TimeField(opts Options) (*Field, error)         { return NewField(KindTime, opts) }
func IntervalField(opts Options) (*Field, error)     { return NewField(KindInterval, opts) }
func BinaryField(opts Options) (*Field, error)       { return NewField(KindBinary, opts) }
func PickleField(opts Options) (*Field, error)       { return NewField(KindPickle, opts) }
func ListField(opts Options) (*Field, error)         { return NewField(KindList, opts) }
func DictField(opts Options) (*Field, error)         { return NewField(KindDict, opts) }
func ForeignKeyField(opts Options) (*Field, error)   { return NewField(KindForeignKey, opts) }

// ChoiceField resolves to the concrete kind of the first allowed
// choice: integer, string or float. Heterogeneous choice lists fail at
// construction time.
func ChoiceField(opts Options) (*Field, error) {
	choices, _ := opts["choices"].([]any)
	if len(choices) == 0 {
		return nil, fmt.Errorf("choice field requires a non-empty choices option")
	}
	var kind Kind
	switch choices[0].(type) {
	case int, int32, int64:
		kind = KindInteger
	case string:
		kind = KindString
	case float32, float64:
		kind = KindFloat
	default:
		return nil, fmt.Errorf(
			"choices must be one of following types: int, string, float; got %T", choices[0])
	}
	for _, c := range choices[1:] {
		if choiceKind(c) != kind {
			return nil, fmt.Errorf(
				"all choices must be of one type; got %T and %T", choices[0], c)
		}
	}
	return NewField(kind, opts)
}

func choiceKind(v any) Kind {
	switch v.(type) {
	case int, int32, int64:
		return KindInteger
	case string:
		return KindString
	case float32, float64:
		return KindFloat
	}
	return -1
}

// Apply runs the field's processor chain over a value being assigned.
func (f *Field) Apply(value any) any {
	for _, p := range f.processors {
		value = p(value)
	}
	return value
}

// IsIterable reports whether the field holds a plain list or dict
// value, excluding relationship lists.
func (f *Field) IsIterable() bool {
	return f.Kind == KindList || f.Kind == KindDict
}

// CoerceForStorage converts a Go value into the representation the
// store persists. Symmetric with CoerceForRead except where the store
// lacks a native type: time-of-day is stored as "15:04:05" text,
// interval as integer seconds, pickle as gob-encoded bytes.
func (f *Field) CoerceForStorage(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.Kind {
	case KindTime:
		t, err := coerceTime(value)
		if err != nil {
			return nil, err
		}
		return t.Format("15:04:05"), nil
	case KindInterval:
		d, ok := value.(time.Duration)
		if !ok {
			return nil, fmt.Errorf("interval field value must be a time.Duration, got %T", value)
		}
		return int64(d / time.Second), nil
	case KindDate:
		t, err := coerceDateTime(value)
		if err != nil {
			return nil, err
		}
		y, m, d := t.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case KindDateTime:
		return coerceDateTime(value)
	case KindDecimal:
		n, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("decimal field value must be numeric, got %T", value)
		}
		if f.ForceString {
			return strconv.FormatFloat(n, 'f', f.Precision, 64), nil
		}
		return n, nil
	case KindPickle:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
			return nil, fmt.Errorf("pickle field encode: %w", err)
		}
		return buf.Bytes(), nil
	case KindBinary:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
		return nil, fmt.Errorf("binary field value must be bytes or string, got %T", value)
	}
	return value, nil
}

// CoerceForRead converts a stored value back into its Go
// representation.
func (f *Field) CoerceForRead(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch f.Kind {
	case KindString, KindText:
		return fmt.Sprintf("%v", value), nil
	case KindTime:
		return coerceTime(value)
	case KindInterval:
		n, ok := toInt(value)
		if !ok {
			return nil, fmt.Errorf("interval field read: expected seconds, got %T", value)
		}
		return time.Duration(n) * time.Second, nil
	case KindDecimal:
		if s, ok := value.(string); ok {
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("decimal field read: %w", err)
			}
			return n, nil
		}
		if n, ok := toFloat(value); ok {
			return n, nil
		}
		return nil, fmt.Errorf("decimal field read: got %T", value)
	case KindPickle:
		raw, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("pickle field read: expected bytes, got %T", value)
		}
		var out any
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&out); err != nil {
			return nil, fmt.Errorf("pickle field decode: %w", err)
		}
		return out, nil
	}
	return value, nil
}

// PrepareQueryValue coerces a value for use in a store predicate.
func (f *Field) PrepareQueryValue(value any) (any, error) {
	switch f.Kind {
	case KindTime, KindInterval, KindDate, KindDateTime, KindDecimal:
		return f.CoerceForStorage(value)
	}
	return value, nil
}

// Validate fails when the value cannot be coerced to the field's
// semantic type or violates the field's constraints.
func (f *Field) Validate(value any) error {
	if value == nil {
		return nil
	}
	if len(f.Choices) > 0 {
		if !containsValue(f.Choices, value) {
			return fmt.Errorf("value must be one of %v, got: %v", f.Choices, value)
		}
	}
	switch f.Kind {
	case KindString, KindText, KindUnicode, KindUnicodeText:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("value must be a string, got %T", value)
		}
		if f.MinLength != nil && len(s) < *f.MinLength {
			return fmt.Errorf("value is shorter than %d characters", *f.MinLength)
		}
		if f.MaxLength != nil && len(s) > *f.MaxLength {
			return fmt.Errorf("value is longer than %d characters", *f.MaxLength)
		}
		if f.Regex != nil && !f.Regex.MatchString(s) {
			return fmt.Errorf("value does not match the required pattern")
		}
	case KindInteger, KindBigInteger, KindSmallInteger, KindFloat, KindDecimal:
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("value must be numeric, got %T", value)
		}
		if f.MinValue != nil && n < *f.MinValue {
			return fmt.Errorf("value is smaller than %v", *f.MinValue)
		}
		if f.MaxValue != nil && n > *f.MaxValue {
			return fmt.Errorf("value is greater than %v", *f.MaxValue)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("value must be a boolean, got %T", value)
		}
	case KindTime:
		if _, err := coerceTime(value); err != nil {
			return fmt.Errorf("can't parse time `%v`", value)
		}
	case KindDate, KindDateTime:
		if _, err := coerceDateTime(value); err != nil {
			return fmt.Errorf("can't parse date `%v`", value)
		}
	case KindInterval:
		if _, ok := value.(time.Duration); !ok {
			return fmt.Errorf("interval field value must be a time.Duration")
		}
	case KindBinary:
		raw, err := f.CoerceForStorage(value)
		if err != nil {
			return err
		}
		if f.MaxBytes > 0 && len(raw.([]byte)) > f.MaxBytes {
			return fmt.Errorf("value is longer than %d bytes", f.MaxBytes)
		}
	case KindList:
		items, ok := toSlice(value)
		if !ok {
			return fmt.Errorf("value must be a list, got %T", value)
		}
		if len(f.ListChoices) > 0 {
			// Membership check only, as a set difference.
			var invalid []string
			for _, item := range items {
				if !containsValue(f.ListChoices, item) {
					invalid = append(invalid, fmt.Sprintf("%v", item))
				}
			}
			if len(invalid) > 0 {
				return fmt.Errorf("value must be one of %v. Got: %s",
					f.ListChoices, strings.Join(invalid, ", "))
			}
		}
	}
	return nil
}

// coerceTime parses a time-of-day value: a time.Time (its clock part),
// or a text value accepted by the permissive parser.
func coerceTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return time.Date(0, time.January, 1, v.Hour(), v.Minute(), v.Second(), 0, time.UTC), nil
	case string:
		t, err := parseLoose(v)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(0, time.January, 1, t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("cannot coerce %T to a time of day", value)
}

func coerceDateTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseLoose(v)
	}
	return time.Time{}, fmt.Errorf("cannot coerce %T to a datetime", value)
}

// looseLayouts is the layout set tried by the permissive date/time
// parser, most specific first.
var looseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"15:04:05",
	"15:04",
	"3:04 PM",
}

func parseLoose(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range looseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date/time: %q", s)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

func containsValue(list []any, value any) bool {
	for _, item := range list {
		if equalScalar(item, value) {
			return true
		}
	}
	return false
}

// equalScalar compares scalars with numeric widening so that int and
// int64 forms of the same number compare equal.
func equalScalar(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}
