package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustField unwraps a field constructor result so declarations stay
// single-expression inside WithField calls.
func mustField(f *Field, err error) *Field {
	if err != nil {
		panic(err)
	}
	return f
}

func TestNewDocumentType_ImplicitPrimaryKey(t *testing.T) {
	typ := NewDocumentType("Story",
		WithField("title", mustField(StringField(Options{}))))

	assert.Equal(t, "id", typ.PKField())
	assert.Equal(t, KindID, typ.PKFieldKind())
	assert.True(t, typ.HasField("id"))
	assert.Equal(t, "story", typ.CollectionName)
}

func TestNewDocumentType_DeclaredIDField(t *testing.T) {
	typ := NewDocumentType("Story",
		WithField("id", mustField(IDField(Options{}))),
		WithField("title", mustField(StringField(Options{}))))

	assert.Equal(t, "id", typ.PKField())
	assert.Len(t, typ.FieldNames(), 2)
}

func TestNewDocumentType_ExplicitPrimaryKey(t *testing.T) {
	typ := NewDocumentType("Account",
		WithField("username", mustField(StringField(Options{"primary_key": true}))))

	assert.Equal(t, "username", typ.PKField())
	assert.Equal(t, KindString, typ.PKFieldKind())
}

func TestWithField_DuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		NewDocumentType("Story",
			WithField("title", mustField(StringField(Options{}))),
			WithField("title", mustField(StringField(Options{}))))
	})
}

func TestCheckFieldsAllowed(t *testing.T) {
	typ := NewDocumentType("Story",
		WithField("title", mustField(StringField(Options{}))),
		WithField("views", mustField(IntegerField(Options{}))))

	assert.NoError(t, typ.CheckFieldsAllowed([]string{"title", "views__gte", "_limit", "id"}))

	err := typ.CheckFieldsAllowed([]string{"title", "bogus", "wrong__in", "bogus__ne"})
	require.Error(t, err)
	assert.True(t, IsBadRequest(err))
	assert.Equal(t, "'Story' object does not have fields: bogus, wrong", err.Error())
}

func TestCheckFieldsAllowed_DynamicSchemaSkips(t *testing.T) {
	typ := NewDocumentType("Blob", DynamicSchema())
	assert.NoError(t, typ.CheckFieldsAllowed([]string{"anything"}))
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	typ := NewDocumentType("Story")
	require.NoError(t, r.Register(typ))

	got, err := r.Get("Story")
	require.NoError(t, err)
	assert.Same(t, typ, got)

	_, err = r.Get("Missing")
	assert.EqualError(t, err, "`Missing` does not exist in the registry")

	assert.Error(t, r.Register(NewDocumentType("Story")))
}

func TestRegistry_TypesExcludesAbstract(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewDocumentType("Base", Abstract())))
	require.NoError(t, r.Register(NewDocumentType("Story")))

	types := r.Types()
	assert.Len(t, types, 1)
	assert.Contains(t, types, "Story")
}

func TestLink_SynthesizesMirrorField(t *testing.T) {
	r := NewRegistry()
	user := NewDocumentType("User",
		WithField("username", mustField(StringField(Options{}))))
	story := NewDocumentType("Story",
		WithField("owner", mustField(Relationship(Options{
			"document":        "User",
			"uselist":         false,
			"backref_name":    "stories",
			"backref_uselist": true,
		}))))
	require.NoError(t, r.Register(user))
	require.NoError(t, r.Register(story))

	require.NoError(t, r.Link(nil))

	mirror := user.Field("stories")
	require.NotNil(t, mirror)
	assert.Equal(t, KindRelationship, mirror.Kind)
	assert.Equal(t, "Story", mirror.RelatedType)
	assert.Equal(t, "owner", mirror.MirrorName)
	assert.Equal(t, "stories", story.Field("owner").MirrorName)
}

func TestLink_BackrefDefaultsToOne(t *testing.T) {
	r := NewRegistry()
	user := NewDocumentType("User")
	story := NewDocumentType("Story",
		WithField("owner", mustField(Relationship(Options{
			"document":     "User",
			"uselist":      false,
			"backref_name": "story",
		}))))
	require.NoError(t, r.Register(user))
	require.NoError(t, r.Register(story))

	require.NoError(t, r.Link(nil))

	mirror := user.Field("story")
	require.NotNil(t, mirror)
	assert.Equal(t, KindReference, mirror.Kind)
}

func TestLink_ToOneBackref(t *testing.T) {
	r := NewRegistry()
	user := NewDocumentType("User")
	profile := NewDocumentType("Profile",
		WithField("user", mustField(Relationship(Options{
			"document":        "User",
			"uselist":         false,
			"backref_name":    "profile",
			"backref_uselist": false,
		}))))
	require.NoError(t, r.Register(user))
	require.NoError(t, r.Register(profile))

	require.NoError(t, r.Link(nil))

	mirror := user.Field("profile")
	require.NotNil(t, mirror)
	assert.Equal(t, KindReference, mirror.Kind)
}

func TestLink_Idempotent(t *testing.T) {
	r := NewRegistry()
	user := NewDocumentType("User")
	story := NewDocumentType("Story",
		WithField("owner", mustField(Relationship(Options{
			"document":     "User",
			"uselist":      false,
			"backref_name": "stories",
		}))))
	require.NoError(t, r.Register(user))
	require.NoError(t, r.Register(story))

	require.NoError(t, r.Link(nil))
	first := user.Field("stories")
	require.NoError(t, r.Link(nil))

	assert.Same(t, first, user.Field("stories"))
	count := 0
	for _, name := range user.FieldNames() {
		if name == "stories" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestLink_MissingBackrefName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewDocumentType("User")))
	require.NoError(t, r.Register(NewDocumentType("Story",
		WithField("owner", mustField(Relationship(Options{
			"document":         "User",
			"uselist":          false,
			"backref_ondelete": "NULLIFY",
		}))))))

	assert.Error(t, r.Link(nil))
}

func TestLink_UnregisteredTarget(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewDocumentType("Story",
		WithField("owner", mustField(Relationship(Options{
			"document": "Ghost",
			"uselist":  false,
		}))))))

	assert.Error(t, r.Link(nil))
}

func TestLink_RegistersDeleteRules(t *testing.T) {
	r := NewRegistry()
	user := NewDocumentType("User")
	story := NewDocumentType("Story",
		WithField("owner", mustField(Relationship(Options{
			"document":         "User",
			"uselist":          false,
			"ondelete":         "CASCADE",
			"backref_name":     "stories",
			"backref_uselist":  true,
			"backref_ondelete": "PULL",
		}))))
	require.NoError(t, r.Register(user))
	require.NoError(t, r.Register(story))

	require.NoError(t, r.Link(nil))

	rules := r.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "User", rules[0].OriginType)
	assert.Equal(t, "Story", rules[0].Dependent.Name)
	assert.Equal(t, "owner", rules[0].Field)
	assert.Equal(t, DeleteCascade, rules[0].Action)
	assert.Equal(t, "Story", rules[1].OriginType)
	assert.Equal(t, "User", rules[1].Dependent.Name)
	assert.Equal(t, "stories", rules[1].Field)
	assert.Equal(t, DeletePull, rules[1].Action)
}

func TestUniqueFields(t *testing.T) {
	typ := NewDocumentType("User",
		WithField("username", mustField(StringField(Options{"unique": true}))),
		WithField("email", mustField(StringField(Options{"unique": true}))),
		WithField("bio", mustField(TextField(Options{}))))

	assert.ElementsMatch(t, []string{"username", "email", "id"}, typ.UniqueFields())
}

func TestNullValues(t *testing.T) {
	typ := NewDocumentType("Story",
		WithField("title", mustField(StringField(Options{}))),
		WithField("tags", mustField(Relationship(Options{"document": "Tag"}))))

	nulls := typ.NullValues()
	assert.NotContains(t, nulls, "id")
	assert.Nil(t, nulls["title"])
	assert.Equal(t, []any{}, nulls["tags"])
}

func TestESMapping(t *testing.T) {
	r := NewRegistry()
	user := NewDocumentType("User",
		WithField("username", mustField(StringField(Options{}))))
	story := NewDocumentType("Story",
		Nested("owner"),
		WithField("views", mustField(IntegerField(Options{}))),
		WithField("owner", mustField(Relationship(Options{
			"document": "User",
			"uselist":  false,
		}))),
		WithField("editor", mustField(Relationship(Options{
			"document": "User",
			"uselist":  false,
		}))))
	require.NoError(t, r.Register(user))
	require.NoError(t, r.Register(story))

	mapping := ESMapping(story, r)
	props := mapping["Story"].(map[string]any)["properties"].(map[string]any)

	assert.Equal(t, map[string]any{"type": "string"}, props["_pk"])
	assert.Equal(t, map[string]any{"type": "long"}, props["views"])
	assert.Equal(t, map[string]any{"type": "string"}, props["editor"])

	owner := props["owner"].(map[string]any)
	assert.Equal(t, "nested", owner["type"])
	ownerProps := owner["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string"}, ownerProps["username"])
}
