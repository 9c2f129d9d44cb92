package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramses-tech/nefertari-mongodb/core"
)

func storyType(t *testing.T) *core.DocumentType {
	t.Helper()
	title, err := core.StringField(core.Options{"unique": true})
	require.NoError(t, err)
	views, err := core.IntegerField(core.Options{})
	require.NoError(t, err)
	tags, err := core.ListField(core.Options{"item_kind": core.KindString})
	require.NoError(t, err)
	return core.NewDocumentType("Story",
		core.WithField("title", title),
		core.WithField("views", views),
		core.WithField("tags", tags))
}

func seed(t *testing.T, s *MemoryStore, typ *core.DocumentType, rows ...map[string]any) []*core.Document {
	t.Helper()
	docs := make([]*core.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := typ.New(row)
		require.NoError(t, err)
		require.NoError(t, s.Save(context.Background(), typ, doc, true))
		docs = append(docs, doc)
	}
	return docs
}

func queryAll(t *testing.T, s *MemoryStore, typ *core.DocumentType, params map[string]any) []*core.Document {
	t.Helper()
	cursor, err := s.Query(context.Background(), typ, params)
	require.NoError(t, err)
	docs, err := cursor.All(context.Background())
	require.NoError(t, err)
	return docs
}

func titles(docs []*core.Document) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = doc.Get("title").(string)
	}
	return out
}

func TestSave_GeneratesAndKeepsPK(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)

	doc, err := typ.New(map[string]any{"title": "a"})
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), typ, doc, true))
	pk := doc.PKString()
	assert.NotEmpty(t, pk)

	require.NoError(t, doc.Set("title", "b"))
	require.NoError(t, s.Save(context.Background(), typ, doc, false))
	assert.Equal(t, pk, doc.PKString())

	docs := queryAll(t, s, typ, nil)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0].Get("title"))
}

func TestSave_DuplicateUniqueField(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)
	seed(t, s, typ, map[string]any{"title": "a"})

	dup, err := typ.New(map[string]any{"title": "a"})
	require.NoError(t, err)
	err = s.Save(context.Background(), typ, dup, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDuplicateKey)
}

func TestSave_DuplicatePrimaryKey(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)
	docs := seed(t, s, typ, map[string]any{"title": "a"})

	clash, err := typ.New(map[string]any{"title": "b"})
	require.NoError(t, err)
	clash.SetPK(docs[0].PK())
	err = s.Save(context.Background(), typ, clash, true)
	assert.ErrorIs(t, err, core.ErrDuplicateKey)
}

func TestQuery_Operators(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)
	seed(t, s, typ,
		map[string]any{"title": "a", "views": 10, "tags": []any{"go", "db"}},
		map[string]any{"title": "b", "views": 20, "tags": []any{"go"}},
		map[string]any{"title": "c", "views": 30})

	cases := []struct {
		name   string
		params map[string]any
		want   []string
	}{
		{"eq", map[string]any{"views": 20}, []string{"b"}},
		{"ne", map[string]any{"views__ne": 20}, []string{"a", "c"}},
		{"gt", map[string]any{"views__gt": 10}, []string{"b", "c"}},
		{"gte", map[string]any{"views__gte": 20}, []string{"b", "c"}},
		{"lt", map[string]any{"views__lt": 20}, []string{"a"}},
		{"lte", map[string]any{"views__lte": 20}, []string{"a", "b"}},
		{"in", map[string]any{"title__in": []string{"a", "c"}}, []string{"a", "c"}},
		{"nin", map[string]any{"title__nin": []string{"a", "c"}}, []string{"b"}},
		{"all", map[string]any{"tags__all": []string{"go", "db"}}, []string{"a"}},
		{"membership", map[string]any{"tags": "go"}, []string{"a", "b"}},
		{"startswith", map[string]any{"title__startswith": "a"}, []string{"a"}},
		{"icontains", map[string]any{"title__icontains": "B"}, []string{"b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			docs := queryAll(t, s, typ, tc.params)
			assert.ElementsMatch(t, tc.want, titles(docs))
		})
	}
}

func TestQuery_UnknownOperator(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)

	_, err := s.Query(context.Background(), typ, map[string]any{"views__regex": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidQuery)
}

func TestQuery_UnknownField(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)

	_, err := s.Query(context.Background(), typ, map[string]any{"bogus": 1})
	assert.ErrorIs(t, err, core.ErrInvalidQuery)
}

func TestCursor_SortAndSlice(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)
	seed(t, s, typ,
		map[string]any{"title": "a", "views": 30},
		map[string]any{"title": "b", "views": 10},
		map[string]any{"title": "c", "views": 20})

	cursor, err := s.Query(context.Background(), typ, nil)
	require.NoError(t, err)
	sorted := cursor.OrderBy("-views").Slice(1, 2)

	total, err := sorted.Count(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	sliced, err := sorted.Count(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sliced)

	docs, err := sorted.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, titles(docs))
}

func TestCursor_ShapingDoesNotMutateBase(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)
	seed(t, s, typ,
		map[string]any{"title": "a"},
		map[string]any{"title": "b"})

	cursor, err := s.Query(context.Background(), typ, nil)
	require.NoError(t, err)
	_ = cursor.OrderBy("-title").Slice(0, 1)

	docs, err := cursor.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestCursor_Projection(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)
	seed(t, s, typ, map[string]any{"title": "a", "views": 10})

	cursor, err := s.Query(context.Background(), typ, nil)
	require.NoError(t, err)
	only, err := cursor.Only("title")
	require.NoError(t, err)
	docs, err := only.All(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].Get("title"))
	assert.Nil(t, docs[0].Get("views"))
	assert.NotNil(t, docs[0].PK())

	excluded, err := cursor.Exclude("views")
	require.NoError(t, err)
	docs, err = excluded.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", docs[0].Get("title"))
	assert.Nil(t, docs[0].Get("views"))
}

func TestCursor_MixedProjectionFails(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)

	cursor, err := s.Query(context.Background(), typ, nil)
	require.NoError(t, err)
	only, err := cursor.Only("title")
	require.NoError(t, err)
	_, err = only.Exclude("views")
	assert.ErrorIs(t, err, core.ErrInvalidQuery)
}

func TestCursor_ObservesLaterWrites(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)

	cursor, err := s.Query(context.Background(), typ, nil)
	require.NoError(t, err)
	n, err := cursor.Count(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	seed(t, s, typ, map[string]any{"title": "a"})
	n, err = cursor.Count(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDelete_RemovesRow(t *testing.T) {
	s := NewMemoryStore()
	typ := storyType(t)
	docs := seed(t, s, typ, map[string]any{"title": "a"}, map[string]any{"title": "b"})

	require.NoError(t, s.Delete(context.Background(), typ, docs[0]))
	remaining := queryAll(t, s, typ, nil)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].Get("title"))
}
