// Package mongostore implements remote.DocumentStore on MongoDB. Each
// collection maps to a Mongo collection of the same name with the record
// id as _id; user profiles live in "users".
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/dmitrijs2005/fishkeeper/internal/remote"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const usersCollection = "users"

// indexHelpURL is shown to users when a query is refused for lack of an index.
const indexHelpURL = "https://www.mongodb.com/docs/manual/indexes/"

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ remote.DocumentStore = (*Store)(nil)

// Open connects to uri, verifies the connection and ensures the owner
// indexes used by paged queries.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	for _, c := range models.AllCollections() {
		_, err := s.coll(c).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: common.FieldOwnerID, Value: 1}, {Key: "_id", Value: 1}},
		})
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("mongostore: ensure index on %s: %w", c, err)
		}
	}
	return s, nil
}

func (s *Store) coll(c models.Collection) *mongo.Collection {
	return s.db.Collection(string(c))
}

func (s *Store) Get(ctx context.Context, c models.Collection, id string) (models.Record, error) {
	var doc bson.M
	err := s.coll(c).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s/%s: %w", c, id, common.ErrNotFound)
	}
	if err != nil {
		return nil, classify(c, id, "get", err)
	}
	return fromBSON(doc), nil
}

// setFields builds the $set document. updatedAt is owned by $currentDate.
func setFields(doc models.Record) bson.M {
	set := toBSON(doc)
	delete(set, "_id")
	delete(set, common.FieldUpdatedAt)
	return set
}

func (s *Store) Upsert(ctx context.Context, c models.Collection, id string, doc models.Record) error {
	update := bson.M{"$currentDate": bson.M{common.FieldUpdatedAt: true}}
	if set := setFields(doc); len(set) > 0 {
		update["$set"] = set
	}
	_, err := s.coll(c).UpdateOne(ctx, bson.M{"_id": id}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return classify(c, id, "upsert", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, c models.Collection, id string, fields models.Record) error {
	update := bson.M{"$currentDate": bson.M{common.FieldUpdatedAt: true}}
	if set := setFields(fields); len(set) > 0 {
		update["$set"] = set
	}
	res, err := s.coll(c).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return classify(c, id, "update", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", c, id, common.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, c models.Collection, id string) error {
	if _, err := s.coll(c).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return classify(c, id, "delete", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q remote.Query) ([]models.Record, error) {
	filter := bson.M{}
	if q.OwnerID != "" {
		filter[common.FieldOwnerID] = q.OwnerID
	}
	if q.After != "" {
		filter["_id"] = bson.M{"$gt": q.After}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.coll(q.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(q.Collection, "", "query", err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify(q.Collection, "", "query", err)
	}

	out := make([]models.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromBSON(d))
	}
	return out, nil
}

func (s *Store) BulkUpdate(ctx context.Context, c models.Collection, updates []remote.FieldUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		update := bson.M{"$currentDate": bson.M{common.FieldUpdatedAt: true}}
		if set := setFields(u.Fields); len(set) > 0 {
			update["$set"] = set
		}
		writes = append(writes, mongo.NewUpdateOneModel().SetFilter(bson.M{"_id": u.ID}).SetUpdate(update))
	}
	if _, err := s.coll(c).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false)); err != nil {
		return classify(c, "", "bulk update", err)
	}
	return nil
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

// Listen follows a change stream. Deletes carry no owner, so every delete
// in the collection is delivered; the ids are client-generated and opaque.
func (s *Store) Listen(ctx context.Context, c models.Collection, ownerID string, fn func(remote.Change)) error {
	match := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "fullDocument." + common.FieldOwnerID, Value: ownerID}},
		bson.D{{Key: "operationType", Value: "delete"}},
	}}}
	pipeline := mongo.Pipeline{{{Key: "$match", Value: match}}}

	stream, err := s.coll(c).Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return classify(c, "", "listen", err)
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			return fmt.Errorf("mongostore: decode change: %w", err)
		}
		if ch, ok := toChange(ev); ok {
			fn(ch)
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return classify(c, "", "listen", err)
	}
	return nil
}

func toChange(ev changeEvent) (remote.Change, bool) {
	switch ev.OperationType {
	case "delete":
		return remote.Change{Type: remote.ChangeRemoved, ID: ev.DocumentKey.ID}, true
	case "insert", "update", "replace":
		if ev.FullDocument == nil {
			return remote.Change{}, false
		}
		return remote.Change{Type: remote.ChangeUpserted, ID: ev.DocumentKey.ID, Doc: fromBSON(ev.FullDocument)}, true
	default:
		return remote.Change{}, false
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return remote.Unavailable("ping", err)
	}
	return nil
}

type profileDoc struct {
	Salt []byte `bson:"encryptionSalt"`
}

// UserSalt reads the profile salt, creating it with $setOnInsert so
// concurrent first sign-ins agree on one value.
func (s *Store) UserSalt(ctx context.Context, userID string) ([]byte, error) {
	users := s.db.Collection(usersCollection)

	var p profileDoc
	err := users.FindOne(ctx, bson.M{"_id": userID}).Decode(&p)
	if err == nil && len(p.Salt) > 0 {
		return p.Salt, nil
	}
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, classify(usersCollection, userID, "load salt", err)
	}

	_, err = users.UpdateOne(ctx,
		bson.M{"_id": userID, "encryptionSalt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"encryptionSalt": common.GenerateRandByteArray(16),
			"saltCreatedAt":  time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, classify(usersCollection, userID, "create salt", err)
	}

	if err := users.FindOne(ctx, bson.M{"_id": userID}).Decode(&p); err != nil {
		return nil, classify(usersCollection, userID, "load salt", err)
	}
	return p.Salt, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
