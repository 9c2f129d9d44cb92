package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewField_DropsInvalidOptions(t *testing.T) {
	f, err := BooleanField(Options{"min_value": 2, "required": true})
	require.NoError(t, err)
	assert.Nil(t, f.MinValue)
	assert.True(t, f.Required)
}

func TestNewField_TranslatesEngineOptions(t *testing.T) {
	f, err := BinaryField(Options{"length": 64})
	require.NoError(t, err)
	assert.Equal(t, 64, f.MaxBytes)

	f, err = DecimalField(Options{"scale": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, f.Precision)
}

func TestNewField_StorageName(t *testing.T) {
	f, err := StringField(Options{"name": "user_name"})
	require.NoError(t, err)
	assert.Equal(t, "user_name", f.StorageName)
}

func TestChoiceField_ResolvesKind(t *testing.T) {
	f, err := ChoiceField(Options{"choices": []any{"draft", "published"}})
	require.NoError(t, err)
	assert.Equal(t, KindString, f.Kind)

	f, err = ChoiceField(Options{"choices": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, KindInteger, f.Kind)

	f, err = ChoiceField(Options{"choices": []any{1.5, 2.5}})
	require.NoError(t, err)
	assert.Equal(t, KindFloat, f.Kind)
}

func TestChoiceField_RejectsBadChoices(t *testing.T) {
	_, err := ChoiceField(Options{"choices": []any{}})
	assert.Error(t, err)

	_, err = ChoiceField(Options{"choices": []any{"a", 1}})
	assert.Error(t, err)

	_, err = ChoiceField(Options{"choices": []any{true, false}})
	assert.Error(t, err)
}

func TestField_ValidateNumericBounds(t *testing.T) {
	f, err := IntegerField(Options{"min_value": 1, "max_value": 10})
	require.NoError(t, err)

	assert.NoError(t, f.Validate(5))
	assert.Error(t, f.Validate(0))
	assert.Error(t, f.Validate(11))
}

func TestField_ValidateStringConstraints(t *testing.T) {
	f, err := StringField(Options{"min_length": 2, "max_length": 5, "regex": "^[a-z]+$"})
	require.NoError(t, err)

	assert.NoError(t, f.Validate("abc"))
	assert.Error(t, f.Validate("a"))
	assert.Error(t, f.Validate("toolong"))
	assert.Error(t, f.Validate("ABC"))
}

func TestField_ValidateChoices(t *testing.T) {
	f, err := StringField(Options{"choices": []any{"draft", "published"}})
	require.NoError(t, err)

	assert.NoError(t, f.Validate("draft"))
	assert.Error(t, f.Validate("deleted"))
}

func TestField_ValidateNilSkipsConstraints(t *testing.T) {
	f, err := IntegerField(Options{"min_value": 1})
	require.NoError(t, err)
	assert.NoError(t, f.Validate(nil))
}

func TestField_TimeStorageRoundTrip(t *testing.T) {
	f, err := TimeField(Options{})
	require.NoError(t, err)

	stored, err := f.CoerceForStorage(time.Date(2020, 1, 1, 17, 30, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "17:30:05", stored)

	read, err := f.CoerceForRead("17:30:05")
	require.NoError(t, err)
	tm, ok := read.(time.Time)
	require.True(t, ok)
	assert.Equal(t, 17, tm.Hour())
	assert.Equal(t, 30, tm.Minute())
	assert.Equal(t, 5, tm.Second())
}

func TestField_IntervalStorageRoundTrip(t *testing.T) {
	f, err := IntervalField(Options{})
	require.NoError(t, err)

	stored, err := f.CoerceForStorage(90 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(90), stored)

	read, err := f.CoerceForRead(int64(90))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, read)

	_, err = f.CoerceForStorage("not a duration")
	assert.Error(t, err)
}

func TestField_DateTruncatesToMidnight(t *testing.T) {
	f, err := DateField(Options{})
	require.NoError(t, err)

	stored, err := f.CoerceForStorage(time.Date(2020, 6, 15, 13, 45, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 6, 15, 0, 0, 0, 0, time.UTC), stored)
}

func TestField_DecimalForceString(t *testing.T) {
	f, err := DecimalField(Options{"force_string": true, "scale": 2})
	require.NoError(t, err)

	stored, err := f.CoerceForStorage(12.5)
	require.NoError(t, err)
	assert.Equal(t, "12.50", stored)

	read, err := f.CoerceForRead("12.50")
	require.NoError(t, err)
	assert.Equal(t, 12.5, read)
}

func TestField_PickleRoundTrip(t *testing.T) {
	f, err := PickleField(Options{})
	require.NoError(t, err)

	stored, err := f.CoerceForStorage(map[string]any{"a": 1})
	require.NoError(t, err)
	raw, ok := stored.([]byte)
	require.True(t, ok)
	assert.NotEmpty(t, raw)

	read, err := f.CoerceForRead(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, read)
}

func TestField_ListChoicesConstrainElements(t *testing.T) {
	f, err := ListField(Options{"choices": []any{"a", "b"}, "item_kind": KindString})
	require.NoError(t, err)
	assert.Empty(t, f.Choices)
	assert.Equal(t, []any{"a", "b"}, f.ListChoices)

	assert.NoError(t, f.Validate([]any{"a"}))
	assert.Error(t, f.Validate([]any{"a", "c"}))
}

func TestField_Processors(t *testing.T) {
	double := func(v any) any {
		if n, ok := v.(int); ok {
			return n * 2
		}
		return v
	}
	f, err := IntegerField(Options{"processors": []Processor{double}})
	require.NoError(t, err)
	assert.Equal(t, 4, f.Apply(2))
}

func TestRelationship_RequiresDocument(t *testing.T) {
	_, err := Relationship(Options{})
	assert.Error(t, err)
}

func TestRelationship_UseList(t *testing.T) {
	f, err := Relationship(Options{"document": "Story"})
	require.NoError(t, err)
	assert.Equal(t, KindRelationship, f.Kind)

	f, err = Relationship(Options{"document": "Story", "uselist": false})
	require.NoError(t, err)
	assert.Equal(t, KindReference, f.Kind)
}

func TestReference_ParsesDeleteAction(t *testing.T) {
	f, err := Reference(Options{"document": "User", "ondelete": "cascade"})
	require.NoError(t, err)
	assert.Equal(t, DeleteCascade, f.OnDelete)

	_, err = Reference(Options{"document": "User", "ondelete": "EXPLODE"})
	assert.Error(t, err)
}

func TestReference_CapturesBackrefOptions(t *testing.T) {
	f, err := Reference(Options{
		"document":        "User",
		"backref_name":    "stories",
		"backref_uselist": true,
	})
	require.NoError(t, err)
	assert.True(t, f.HasBackref())

	plain, err := Reference(Options{"document": "User"})
	require.NoError(t, err)
	assert.False(t, plain.HasBackref())
}
