package prekey

import (
	"context"
	"errors"
	"time"

	"e2e_messaging/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// document holds the published keys of one user. PreKeys is consumed
	// from the front.
	document struct {
		UserID         string                   `bson:"_id"`
		RegistrationID uint32                   `bson:"registration_id"`
		IdentityKey    []byte                   `bson:"identity_key"`
		SigningKey     []byte                   `bson:"signing_key"`
		SignedPreKey   model.PublicSignedPreKey `bson:"signed_pre_key"`
		PreKeys        []model.PublicPreKey     `bson:"pre_keys"`
		UpdatedAt      time.Time                `bson:"updated_at"`
	}

	PreKeyRepo struct {
		collection *mongo.Collection
	}
)

func NewPreKeyRepo(db *mongo.Database) *PreKeyRepo {
	return &PreKeyRepo{
		collection: db.Collection("prekey_bundles"),
	}
}

// Upsert replaces everything published for the user.
func (r *PreKeyRepo) Upsert(ctx context.Context, upload *model.KeyUpload) error {
	preKeys := upload.PreKeys
	if preKeys == nil {
		preKeys = []model.PublicPreKey{}
	}
	doc := document{
		UserID:         upload.UserID,
		RegistrationID: upload.RegistrationID,
		IdentityKey:    upload.IdentityKey,
		SigningKey:     upload.SigningKey,
		SignedPreKey:   upload.SignedPreKey,
		PreKeys:        preKeys,
		UpdatedAt:      time.Now().UTC(),
	}

	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": upload.UserID}, doc, options.Replace().SetUpsert(true))
	return err
}

// FetchBundle returns the user's bundle and removes the one-time prekey it
// hands out in the same update, so no id is given out twice. It returns
// nil when the user never published.
func (r *PreKeyRepo) FetchBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	update := bson.M{"$pop": bson.M{"pre_keys": -1}}

	var doc document
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": userID}, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	bundle := &model.PreKeyBundle{
		UserID:         doc.UserID,
		RegistrationID: doc.RegistrationID,
		IdentityKey:    doc.IdentityKey,
		SigningKey:     doc.SigningKey,
		SignedPreKey:   doc.SignedPreKey,
	}
	if len(doc.PreKeys) > 0 {
		pk := doc.PreKeys[0]
		bundle.OneTimePreKey = &pk
	}
	return bundle, nil
}

// AddPreKeys appends one-time prekeys. It reports false when the user has
// no published keys.
func (r *PreKeyRepo) AddPreKeys(ctx context.Context, userID string, preKeys []model.PublicPreKey) (bool, error) {
	update := bson.M{
		"$push": bson.M{"pre_keys": bson.M{"$each": preKeys}},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": userID}, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// Count returns the number of one-time prekeys still available for userID.
// found is false when the user never published keys.
func (r *PreKeyRepo) Count(ctx context.Context, userID string) (int, bool, error) {
	var doc struct {
		N int `bson:"n"`
	}
	cur, err := r.collection.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"_id": userID}}},
		{{Key: "$project", Value: bson.M{"n": bson.M{"$size": bson.M{"$ifNull": bson.A{"$pre_keys", bson.A{}}}}}}},
	})
	if err != nil {
		return 0, false, err
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return 0, false, cur.Err()
	}
	if err := cur.Decode(&doc); err != nil {
		return 0, false, err
	}
	return doc.N, true, nil
}
