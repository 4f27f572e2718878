package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// document is the BSON form of a Record. The analysis result is stored as a
// native sub-document so it can be queried.
type document struct {
	ID           string    `bson:"_id"`
	OwnerID      string    `bson:"ownerId"`
	ItemID       string    `bson:"itemId"`
	RunNumber    int       `bson:"runNumber"`
	CredentialID string    `bson:"credentialId"`
	Shape        string    `bson:"shape"`
	Result       bson.D    `bson:"result"`
	CreatedAt    time.Time `bson:"createdAt"`
}

func toDocument(r Record) (document, error) {
	var result bson.D
	if err := bson.UnmarshalExtJSON(r.Result, false, &result); err != nil {
		return document{}, fmt.Errorf("converting run result to bson: %w", err)
	}
	return document{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		ItemID:       r.ItemID,
		RunNumber:    r.RunNumber,
		CredentialID: r.CredentialID,
		Shape:        r.Shape,
		Result:       result,
		CreatedAt:    r.CreatedAt,
	}, nil
}

func fromDocument(d document) (Record, error) {
	raw, err := bson.MarshalExtJSON(d.Result, false, false)
	if err != nil {
		return Record{}, fmt.Errorf("converting run result to json: %w", err)
	}
	return Record{
		ID:           d.ID,
		OwnerID:      d.OwnerID,
		ItemID:       d.ItemID,
		RunNumber:    d.RunNumber,
		CredentialID: d.CredentialID,
		Shape:        d.Shape,
		Result:       json.RawMessage(raw),
		CreatedAt:    d.CreatedAt,
	}, nil
}

// MongoStore keeps run results in a MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a MongoStore on dbName.collectionName.
func NewMongoStore(client *mongo.Client, dbName, collectionName string) *MongoStore {
	return &MongoStore{collection: client.Database(dbName).Collection(collectionName)}
}

// EnsureIndexes creates the lookup index used by List.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "itemId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("creating run result index: %w", err)
	}
	return nil
}

// Save inserts a result. Saving the same ID twice is a no-op.
func (s *MongoStore) Save(ctx context.Context, r Record) error {
	doc, err := toDocument(r)
	if err != nil {
		return err
	}
	_, err = s.collection.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("saving run result: %w", err)
	}
	return nil
}

// List returns the newest results for an item.
func (s *MongoStore) List(ctx context.Context, ownerID, itemID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	filter := bson.M{"ownerId": ownerID, "itemId": itemID}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("listing run results: %w", err)
	}
	defer cur.Close(ctx)

	var out []Record
	for cur.Next(ctx) {
		var d document
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("decoding run result: %w", err)
		}
		r, err := fromDocument(d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterating run results: %w", err)
	}
	return out, nil
}
