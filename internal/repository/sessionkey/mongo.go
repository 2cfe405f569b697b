package sessionkey

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"securechat/internal/model"
	"securechat/pkg/errors"
)

const mongoCollection = "session_keys"

type (
	// MongoStore keeps one document per (user, connection), enforced by a
	// unique compound index. FindOneAndUpdate gives the document-level
	// atomicity the upsert needs.
	MongoStore struct {
		collection *mongo.Collection
		clock      Clock
	}
)

func NewMongoStore(db *mongo.Database, opts ...Option) *MongoStore {
	o := newOptions(opts)
	return &MongoStore{
		collection: db.Collection(mongoCollection),
		clock:      o.clock,
	}
}

// EnsureIndexes creates the unique (user_id, connection_id) index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "connection_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoStore) Put(ctx context.Context, userID, connectionID string, aesKey []byte, ttl time.Duration) (*model.SessionKeyRecord, error) {
	if userID == "" || connectionID == "" {
		return nil, errors.InvalidArg("user id and connection id are required")
	}

	now := s.clock()
	filter := bson.M{
		"user_id":       userID,
		"connection_id": connectionID,
	}
	update := bson.M{
		"$set": bson.M{
			"aes_key":    aesKey,
			"expires_at": now.Add(ttl),
			"is_active":  true,
		},
		"$setOnInsert": bson.M{
			"_id":        uuid.NewString(),
			"created_at": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var rec model.SessionKeyRecord
	if err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&rec); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to store session key", err)
	}
	return &rec, nil
}

func (s *MongoStore) Get(ctx context.Context, userID, connectionID string) (*model.SessionKeyRecord, error) {
	filter := bson.M{
		"user_id":       userID,
		"connection_id": connectionID,
	}

	var rec model.SessionKeyRecord
	err := s.collection.FindOne(ctx, filter).Decode(&rec)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.ErrSessionExpired
	}
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to get session key", err)
	}

	if !rec.Live(s.clock()) {
		return nil, errors.ErrSessionExpired
	}
	return &rec, nil
}

func (s *MongoStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"expires_at": bson.M{"$lte": s.clock()},
	})
	if err != nil {
		return 0, errors.Wrap(errors.CodeInternal, "failed to sweep session keys", err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) ListActive(ctx context.Context, userID string) ([]*model.SessionKeyRecord, error) {
	filter := bson.M{
		"is_active":  true,
		"expires_at": bson.M{"$gt": s.clock()},
	}
	if userID != "" {
		filter["user_id"] = userID
	}

	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to list session keys", err)
	}

	out := []*model.SessionKeyRecord{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "failed to list session keys", err)
	}
	return out, nil
}

func (s *MongoStore) Deactivate(ctx context.Context, userID, connectionID string) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"user_id": userID, "connection_id": connectionID},
		bson.M{"$set": bson.M{"is_active": false}},
	)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to deactivate session key", err)
	}
	return nil
}
