package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	chatsvc "resortchat/internal/app/services/chat"
)

// ResortDirectory resolves resort ownership from a resorts collection.
type ResortDirectory struct {
	col *mongo.Collection
}

func NewResortDirectory(ctx context.Context, db *mongo.Database, collection string) (*ResortDirectory, error) {
	if collection == "" {
		collection = "resorts"
	}
	col := db.Collection(collection)
	idx := mongo.IndexModel{Keys: bson.D{{Key: "owner_id", Value: 1}}}
	if _, err := col.Indexes().CreateOne(ctx, idx); err != nil {
		return nil, fmt.Errorf("mongo: ensure owner index: %w", err)
	}
	return &ResortDirectory{col: col}, nil
}

type resortDocument struct {
	ID      string `bson:"_id"`
	Name    string `bson:"name"`
	OwnerID string `bson:"owner_id"`
}

func (d resortDocument) toResort() chatsvc.Resort {
	return chatsvc.Resort{ID: d.ID, Name: d.Name, OwnerID: d.OwnerID}
}

func (r *ResortDirectory) Resort(ctx context.Context, resortID string) (chatsvc.Resort, error) {
	var doc resortDocument
	err := r.col.FindOne(ctx, bson.M{"_id": strings.TrimSpace(resortID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chatsvc.Resort{}, chatsvc.ErrResortNotFound
	}
	if err != nil {
		return chatsvc.Resort{}, fmt.Errorf("mongo: load resort: %w", err)
	}
	return doc.toResort(), nil
}

func (r *ResortDirectory) ResortsByOwner(ctx context.Context, ownerID string) ([]chatsvc.Resort, error) {
	cur, err := r.col.Find(ctx, bson.M{"owner_id": ownerID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo: list owner resorts: %w", err)
	}
	var docs []resortDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode owner resorts: %w", err)
	}
	out := make([]chatsvc.Resort, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toResort())
	}
	return out, nil
}

// Save upserts a resort, used to seed the collection from fixtures.
func (r *ResortDirectory) Save(ctx context.Context, resort chatsvc.Resort) error {
	doc := resortDocument{ID: resort.ID, Name: resort.Name, OwnerID: resort.OwnerID}
	_, err := r.col.UpdateByID(ctx, doc.ID, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	return err
}

var _ chatsvc.ResortDirectory = (*ResortDirectory)(nil)
