package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ramses-tech/nefertari-mongodb/core"
)

func storyType(t *testing.T) *core.DocumentType {
	t.Helper()
	title, err := core.StringField(core.Options{})
	require.NoError(t, err)
	views, err := core.IntegerField(core.Options{})
	require.NoError(t, err)
	published, err := core.DateField(core.Options{})
	require.NoError(t, err)
	renamed, err := core.StringField(core.Options{"name": "story_status"})
	require.NoError(t, err)
	return core.NewDocumentType("Story",
		core.WithField("title", title),
		core.WithField("views", views),
		core.WithField("published_at", published),
		core.WithField("status", renamed))
}

func TestBuildFilter_Equality(t *testing.T) {
	typ := storyType(t)
	filter, err := buildFilter(typ, map[string]any{"title": "alpha"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"title": "alpha"}, filter)
}

func TestBuildFilter_StorageNameRename(t *testing.T) {
	typ := storyType(t)
	filter, err := buildFilter(typ, map[string]any{"status": "draft"})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"story_status": "draft"}, filter)
}

func TestBuildFilter_ComparisonOperators(t *testing.T) {
	typ := storyType(t)
	filter, err := buildFilter(typ, map[string]any{"views__gte": 10})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"views": bson.M{"$gte": 10}}, filter)
}

func TestBuildFilter_MergesRangeClauses(t *testing.T) {
	typ := storyType(t)
	filter, err := buildFilter(typ, map[string]any{
		"views__gte": 10,
		"views__lt":  50,
	})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"views": bson.M{"$gte": 10, "$lt": 50}}, filter)
}

func TestBuildFilter_InOperator(t *testing.T) {
	typ := storyType(t)
	filter, err := buildFilter(typ, map[string]any{"title__in": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"title": bson.M{"$in": []any{"a", "b"}}}, filter)
}

func TestBuildFilter_DateCoercion(t *testing.T) {
	typ := storyType(t)
	filter, err := buildFilter(typ, map[string]any{
		"published_at__gte": time.Date(2020, 6, 15, 13, 45, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	clause := filter["published_at"].(bson.M)
	assert.Equal(t, time.Date(2020, 6, 15, 0, 0, 0, 0, time.UTC), clause["$gte"])
}

func TestBuildFilter_BadDateValue(t *testing.T) {
	typ := storyType(t)
	_, err := buildFilter(typ, map[string]any{"published_at": "garbage"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrBadValue)
}

func TestBuildFilter_PKBecomesObjectID(t *testing.T) {
	typ := storyType(t)
	id := primitive.NewObjectID()

	filter, err := buildFilter(typ, map[string]any{"id": id.Hex()})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": id}, filter)
}

func TestBuildFilter_BadObjectID(t *testing.T) {
	typ := storyType(t)
	_, err := buildFilter(typ, map[string]any{"id": "nothex"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrBadValue)
}

func TestBuildFilter_TextOperators(t *testing.T) {
	typ := storyType(t)

	filter, err := buildFilter(typ, map[string]any{"title__istartswith": "al"})
	require.NoError(t, err)
	re := filter["title"].(primitive.Regex)
	assert.Equal(t, "^al", re.Pattern)
	assert.Equal(t, "i", re.Options)

	filter, err = buildFilter(typ, map[string]any{"title__endswith": "ha"})
	require.NoError(t, err)
	re = filter["title"].(primitive.Regex)
	assert.Equal(t, "ha$", re.Pattern)
	assert.Equal(t, "", re.Options)

	filter, err = buildFilter(typ, map[string]any{"title__contains": "a.b"})
	require.NoError(t, err)
	re = filter["title"].(primitive.Regex)
	assert.Equal(t, `a\.b`, re.Pattern)
}

func TestBuildFilter_ExistsOperator(t *testing.T) {
	typ := storyType(t)

	filter, err := buildFilter(typ, map[string]any{"title__exists": true})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"title": bson.M{"$exists": true}}, filter)

	_, err = buildFilter(typ, map[string]any{"title__exists": "yes"})
	assert.ErrorIs(t, err, core.ErrBadValue)
}

func TestBuildFilter_UnknownOperator(t *testing.T) {
	typ := storyType(t)
	_, err := buildFilter(typ, map[string]any{"views__pow": 2})
	assert.ErrorIs(t, err, core.ErrInvalidQuery)
}

func TestBuildFilter_UnknownField(t *testing.T) {
	typ := storyType(t)
	_, err := buildFilter(typ, map[string]any{"bogus": 1})
	assert.ErrorIs(t, err, core.ErrInvalidQuery)
}

func TestBuildFilter_DynamicSchemaPassesThrough(t *testing.T) {
	typ := core.NewDocumentType("Blob", core.DynamicSchema())
	filter, err := buildFilter(typ, map[string]any{"anything": 1})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"anything": 1}, filter)
}

func TestStorageKeyMapping(t *testing.T) {
	typ := storyType(t)
	assert.Equal(t, "_id", storageKey(typ, "id"))
	assert.Equal(t, "story_status", storageKey(typ, "status"))
	assert.Equal(t, "title", storageKey(typ, "title"))

	row := bson.M{"_id": "x", "story_status": "draft", "extra": 1}
	out := fromStorageKeys(typ, row)
	assert.Equal(t, "x", out["id"])
	assert.Equal(t, "draft", out["status"])
	assert.Equal(t, 1, out["extra"])
}
