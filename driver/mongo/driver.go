// Package driver implements the MongoDB storage backend.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mopt "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ramses-tech/nefertari-mongodb/core"
)

// MongoStore is the core.Store implementation backed by a MongoDB
// database.
type MongoStore struct {
	client   *mongo.Client
	database string

	mutex sync.RWMutex
	rules map[string][]core.DeleteRule
}

var _ core.Store = (*MongoStore)(nil)

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, uri string, database string) (*MongoStore, error) {
	opts := mopt.Client().ApplyURI(uri)
	opts.SetConnectTimeout(10 * time.Second).SetServerSelectionTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &MongoStore{
		client:   client,
		database: database,
		rules:    make(map[string][]core.DeleteRule),
	}, nil
}

// Ping verifies the connection is alive.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) db() *mongo.Database {
	return s.client.Database(s.database)
}

func (s *MongoStore) coll(t *core.DocumentType) *mongo.Collection {
	return s.db().Collection(t.CollectionName)
}

// EnsureIndexes creates the unique indexes backing the type's unique
// fields. Call once per type after the registry link pass.
func (s *MongoStore) EnsureIndexes(ctx context.Context, t *core.DocumentType) error {
	var models []mongo.IndexModel
	for _, name := range t.UniqueFields() {
		if name == t.PKField() {
			continue
		}
		f := t.Field(name)
		keys := bson.D{{Key: f.StorageName, Value: 1}}
		for _, with := range f.UniqueWith {
			storage := with
			if wf := t.Field(with); wf != nil {
				storage = wf.StorageName
			}
			keys = append(keys, bson.E{Key: storage, Value: 1})
		}
		idxOpts := mopt.Index().SetUnique(true)
		if f.Sparse {
			idxOpts.SetSparse(true)
		}
		models = append(models, mongo.IndexModel{Keys: keys, Options: idxOpts})
	}
	if len(models) == 0 {
		return nil
	}
	_, err := s.coll(t).Indexes().CreateMany(ctx, models)
	return err
}

// Query builds a lazy cursor over the type's collection from a flat
// parameter predicate.
func (s *MongoStore) Query(ctx context.Context, t *core.DocumentType, params map[string]any) (core.Cursor, error) {
	filter, err := buildFilter(t, params)
	if err != nil {
		return nil, err
	}
	return &mongoCursor{store: s, typ: t, filter: filter}, nil
}

// Save persists the document. With forceInsert a missing primary key is
// generated first and the write is insert-only; otherwise the document
// is replaced by primary key, upserting when absent.
func (s *MongoStore) Save(ctx context.Context, t *core.DocumentType, doc *core.Document, forceInsert bool) error {
	if forceInsert && doc.PK() == nil && t.PKFieldKind() == core.KindID {
		doc.SetPK(primitive.NewObjectID())
	}
	data, err := doc.StorageData()
	if err != nil {
		return err
	}
	stored := toStorageKeys(t, data)

	if forceInsert {
		if _, err := s.coll(t).InsertOne(ctx, stored); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: %v", core.ErrDuplicateKey, err)
			}
			return err
		}
		return nil
	}

	id := stored["_id"]
	opts := mopt.Replace().SetUpsert(true)
	if _, err := s.coll(t).ReplaceOne(ctx, bson.M{"_id": id}, stored, opts); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %v", core.ErrDuplicateKey, err)
		}
		return err
	}
	return nil
}

// Delete applies the registered delete rules to dependents, then
// removes the document itself.
func (s *MongoStore) Delete(ctx context.Context, t *core.DocumentType, doc *core.Document) error {
	pk := doc.PK()
	if pk == nil {
		return fmt.Errorf("cannot delete %s document without a primary key", t.Name)
	}
	if err := s.applyDeleteRules(ctx, t, pk); err != nil {
		return err
	}
	_, err := s.coll(t).DeleteOne(ctx, bson.M{"_id": pk})
	return err
}

// RegisterDeleteRule records a delete-propagation rule for the origin
// type.
func (s *MongoStore) RegisterDeleteRule(rule core.DeleteRule) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rules[rule.OriginType] = append(s.rules[rule.OriginType], rule)
}

func (s *MongoStore) rulesFor(typeName string) []core.DeleteRule {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]core.DeleteRule(nil), s.rules[typeName]...)
}

// applyDeleteRules walks the rules registered against the type being
// deleted. Deny rules are checked before any destructive action runs,
// so a denied delete leaves dependents untouched.
func (s *MongoStore) applyDeleteRules(ctx context.Context, t *core.DocumentType, pk any) error {
	rules := s.rulesFor(t.Name)
	for _, rule := range rules {
		if rule.Action != core.DeleteDeny {
			continue
		}
		n, err := s.coll(rule.Dependent).CountDocuments(ctx, dependentFilter(rule, pk))
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s documents still reference %s via %s",
				core.ErrDeleteDenied, rule.Dependent.Name, t.Name, rule.Field)
		}
	}
	for _, rule := range rules {
		if err := s.applyDeleteRule(ctx, rule, pk); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) applyDeleteRule(ctx context.Context, rule core.DeleteRule, pk any) error {
	filter := dependentFilter(rule, pk)
	storage := storageKey(rule.Dependent, rule.Field)
	switch rule.Action {
	case core.DeleteCascade:
		// Cascade goes through Delete so the dependents' own rules
		// propagate too.
		cursor := &mongoCursor{store: s, typ: rule.Dependent, filter: filter}
		docs, err := cursor.All(ctx)
		if err != nil {
			return err
		}
		for _, dep := range docs {
			if err := s.Delete(ctx, rule.Dependent, dep); err != nil {
				return err
			}
		}
	case core.DeleteNullify:
		update := bson.M{"$set": bson.M{storage: nil}}
		if f := rule.Dependent.Field(rule.Field); f != nil && f.Kind == core.KindRelationship {
			update = bson.M{"$pull": bson.M{storage: pk}}
		}
		if _, err := s.coll(rule.Dependent).UpdateMany(ctx, filter, update); err != nil {
			return err
		}
	case core.DeletePull:
		update := bson.M{"$pull": bson.M{storage: pk}}
		if _, err := s.coll(rule.Dependent).UpdateMany(ctx, filter, update); err != nil {
			return err
		}
	}
	return nil
}

// dependentFilter matches dependents referencing the primary key; for
// array-valued fields mongo equality matches membership.
func dependentFilter(rule core.DeleteRule, pk any) bson.M {
	return bson.M{storageKey(rule.Dependent, rule.Field): pk}
}

func storageKey(t *core.DocumentType, name string) string {
	if name == t.PKField() {
		return "_id"
	}
	if f := t.Field(name); f != nil {
		return f.StorageName
	}
	return name
}

// toStorageKeys renames attribute keys to their storage keys, mapping
// the primary key to _id.
func toStorageKeys(t *core.DocumentType, data map[string]any) bson.M {
	out := make(bson.M, len(data))
	for name, value := range data {
		out[storageKey(t, name)] = value
	}
	return out
}

// fromStorageKeys is the inverse of toStorageKeys, run on raw rows
// before rebuilding documents.
func fromStorageKeys(t *core.DocumentType, row bson.M) map[string]any {
	reverse := make(map[string]string, len(row))
	for _, name := range t.FieldNames() {
		reverse[storageKey(t, name)] = name
	}
	out := make(map[string]any, len(row))
	for key, value := range row {
		if name, ok := reverse[key]; ok {
			out[name] = value
			continue
		}
		out[key] = value
	}
	return out
}
