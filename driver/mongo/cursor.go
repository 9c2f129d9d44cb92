package driver

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	mopt "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ramses-tech/nefertari-mongodb/core"
)

// mongoCursor is a lazy core.Cursor over one collection. Shaping
// methods derive new cursors; the query only runs on Count, Explain
// and All.
type mongoCursor struct {
	store  *MongoStore
	typ    *core.DocumentType
	filter bson.M

	only    []string
	exclude []string
	sort    []string

	start    int
	limit    int
	hasSlice bool
}

var _ core.Cursor = (*mongoCursor)(nil)

func (c *mongoCursor) clone() *mongoCursor {
	dup := *c
	dup.only = append([]string(nil), c.only...)
	dup.exclude = append([]string(nil), c.exclude...)
	dup.sort = append([]string(nil), c.sort...)
	return &dup
}

// Only restricts the projection to the given fields. Mongo rejects
// mixed inclusion and exclusion projections, so combining Only with a
// prior Exclude fails with ErrInvalidQuery.
func (c *mongoCursor) Only(fields ...string) (core.Cursor, error) {
	if len(c.exclude) > 0 {
		return nil, fmt.Errorf("%w: cannot mix field inclusion with exclusion", core.ErrInvalidQuery)
	}
	dup := c.clone()
	dup.only = append(dup.only, fields...)
	return dup, nil
}

// Exclude removes the given fields from the projection.
func (c *mongoCursor) Exclude(fields ...string) (core.Cursor, error) {
	if len(c.only) > 0 {
		return nil, fmt.Errorf("%w: cannot mix field exclusion with inclusion", core.ErrInvalidQuery)
	}
	dup := c.clone()
	dup.exclude = append(dup.exclude, fields...)
	return dup, nil
}

// OrderBy sorts by the given field names; a "-" prefix means
// descending.
func (c *mongoCursor) OrderBy(fields ...string) core.Cursor {
	if len(fields) == 0 {
		return c
	}
	dup := c.clone()
	dup.sort = append(dup.sort, fields...)
	return dup
}

// Slice applies an absolute start offset and a limit.
func (c *mongoCursor) Slice(start, limit int) core.Cursor {
	dup := c.clone()
	dup.start = start
	dup.limit = limit
	dup.hasSlice = true
	return dup
}

// Count returns the matching count, honoring the applied slice when
// withLimitAndSkip is true.
func (c *mongoCursor) Count(ctx context.Context, withLimitAndSkip bool) (int64, error) {
	opts := mopt.Count()
	if withLimitAndSkip && c.hasSlice {
		// A zero limit means "unbounded" to the server, not "nothing".
		if c.limit == 0 {
			return 0, nil
		}
		opts.SetSkip(int64(c.start))
		opts.SetLimit(int64(c.limit))
	}
	return c.store.coll(c.typ).CountDocuments(ctx, c.filter, opts)
}

// Explain asks the server for the query plan.
func (c *mongoCursor) Explain(ctx context.Context) (map[string]any, error) {
	cmd := bson.D{
		{Key: "explain", Value: bson.D{
			{Key: "find", Value: c.typ.CollectionName},
			{Key: "filter", Value: c.filter},
		}},
	}
	var plan bson.M
	if err := c.store.db().RunCommand(ctx, cmd).Decode(&plan); err != nil {
		return nil, err
	}
	return map[string]any(plan), nil
}

// All runs the query and rebuilds document instances from the rows.
func (c *mongoCursor) All(ctx context.Context) ([]*core.Document, error) {
	// A zero limit means "unbounded" to the server, not "nothing".
	if c.hasSlice && c.limit == 0 {
		return nil, nil
	}
	findOpts := mopt.Find()
	if projection := c.projection(); len(projection) > 0 {
		findOpts.SetProjection(projection)
	}
	if sortDoc := c.sortDoc(); len(sortDoc) > 0 {
		findOpts.SetSort(sortDoc)
	}
	if c.hasSlice {
		findOpts.SetSkip(int64(c.start))
		findOpts.SetLimit(int64(c.limit))
	}

	cursor, err := c.store.coll(c.typ).Find(ctx, c.filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*core.Document
	for cursor.Next(ctx) {
		var row bson.M
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		docs = append(docs, c.typ.Load(fromStorageKeys(c.typ, row)))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c *mongoCursor) projection() bson.D {
	projection := bson.D{}
	for _, name := range c.only {
		projection = append(projection, bson.E{Key: storageKey(c.typ, name), Value: 1})
	}
	for _, name := range c.exclude {
		projection = append(projection, bson.E{Key: storageKey(c.typ, name), Value: 0})
	}
	return projection
}

func (c *mongoCursor) sortDoc() bson.D {
	sortDoc := bson.D{}
	for _, name := range c.sort {
		direction := 1
		if strings.HasPrefix(name, "-") {
			direction = -1
			name = name[1:]
		}
		name = strings.TrimPrefix(name, "+")
		sortDoc = append(sortDoc, bson.E{Key: storageKey(c.typ, name), Value: direction})
	}
	return sortDoc
}
