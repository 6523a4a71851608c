// Package mongostore implements store.CopyStore on a MongoDB collection. It
// reads and writes the same document shape the original copy collection uses,
// so existing data needs no migration.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"copydesk/api/internal/store"
	"copydesk/api/internal/util"
)

var _ store.CopyStore = (*Store)(nil)

const CollectionName = "copies"

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *log.Logger
	now    func() time.Time
}

// Open connects to uri and pings the primary before returning.
func Open(ctx context.Context, uri, database string, logger *log.Logger) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return New(client, client.Database(database), logger), nil
}

// New wraps an open client. A nil logger falls back to log.Default().
func New(client *mongo.Client, db *mongo.Database, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		client: client,
		coll:   db.Collection(CollectionName),
		logger: logger,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Millisecond)
		},
	}
}

// EnsureIndexes creates the lookup indexes the engine queries by. None of them
// is unique: slug uniqueness per language is enforced by the engine.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "language", Value: 1}, {Key: "slug", Value: 1}}},
		{Keys: bson.D{{Key: "translationGroupId", Value: 1}}},
		{Keys: bson.D{{Key: "text", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create indexes for %s: %w", CollectionName, err)
	}
	s.logger.Info("mongo indexes ensured", "collection", CollectionName, "count", len(indexes))
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) FindOne(ctx context.Context, filter store.Filter) (store.Copy, error) {
	var item store.Copy
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	err := s.coll.FindOne(ctx, toBSON(filter), opts).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Copy{}, store.ErrNotFound
	}
	if err != nil {
		return store.Copy{}, store.Unavailable("find copy", err)
	}
	return item, nil
}

func (s *Store) FindMany(ctx context.Context, filter store.Filter) ([]store.Copy, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, toBSON(filter), opts)
	if err != nil {
		return nil, store.Unavailable("find copies", err)
	}
	items := make([]store.Copy, 0)
	if err := cursor.All(ctx, &items); err != nil {
		return nil, store.Unavailable("decode copies", err)
	}
	return items, nil
}

func (s *Store) InsertOne(ctx context.Context, item store.Copy) (store.Copy, error) {
	if item.ID == "" {
		item.ID = util.NewID("cpy")
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	if _, err := s.coll.InsertOne(ctx, item); err != nil {
		return store.Copy{}, store.Unavailable("insert copy", err)
	}
	return item, nil
}

func (s *Store) UpdateOne(ctx context.Context, id string, patch store.Patch) (store.Copy, error) {
	var item store.Copy
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": toSet(patch, s.now())}, opts).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Copy{}, store.ErrNotFound
	}
	if err != nil {
		return store.Copy{}, store.Unavailable("update copy", err)
	}
	return item, nil
}

func (s *Store) UpdateMany(ctx context.Context, filter store.Filter, patch store.Patch) (int64, error) {
	if filter.IsEmpty() {
		return 0, store.ErrEmptyFilter
	}
	result, err := s.coll.UpdateMany(ctx, toBSON(filter), bson.M{"$set": toSet(patch, s.now())})
	if err != nil {
		return 0, store.Unavailable("update copies", err)
	}
	return result.MatchedCount, nil
}

func (s *Store) DeleteMany(ctx context.Context, filter store.Filter) (int64, error) {
	if filter.IsEmpty() {
		return 0, store.ErrEmptyFilter
	}
	result, err := s.coll.DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return 0, store.Unavailable("delete copies", err)
	}
	return result.DeletedCount, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping mongo", s.client.Ping(ctx, nil))
}

func toBSON(filter store.Filter) bson.M {
	doc := bson.M{}
	id := bson.M{}
	if len(filter.IDs) > 0 {
		id["$in"] = filter.IDs
	}
	if len(filter.ExcludeIDs) > 0 {
		id["$nin"] = filter.ExcludeIDs
	}
	if len(id) > 0 {
		doc["_id"] = id
	}
	if filter.Slug != nil {
		doc["slug"] = *filter.Slug
	}
	if filter.Language != nil {
		doc["language"] = *filter.Language
	}
	if filter.Text != nil {
		doc["text"] = *filter.Text
	}
	// A missing field and an explicit null both count as ungrouped.
	switch {
	case filter.Ungrouped && len(filter.GroupIDs) > 0:
		doc["$and"] = bson.A{
			bson.M{"translationGroupId": nil},
			bson.M{"translationGroupId": bson.M{"$in": filter.GroupIDs}},
		}
	case filter.Ungrouped:
		doc["translationGroupId"] = nil
	case len(filter.GroupIDs) > 0:
		doc["translationGroupId"] = bson.M{"$in": filter.GroupIDs}
	}
	return doc
}

func toSet(patch store.Patch, now time.Time) bson.M {
	set := bson.M{"updatedAt": now}
	if patch.Slug != nil {
		set["slug"] = *patch.Slug
	}
	if patch.Text != nil {
		set["text"] = *patch.Text
	}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if patch.TranslationGroupID != nil {
		set["translationGroupId"] = *patch.TranslationGroupID
	}
	if patch.IsOriginalText != nil {
		set["isOriginalText"] = *patch.IsOriginalText
	}
	if patch.NeedsSlugReview != nil {
		set["needsSlugReview"] = *patch.NeedsSlugReview
	}
	return set
}
