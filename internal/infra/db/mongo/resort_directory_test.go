package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

func TestResortDocumentFieldNames(t *testing.T) {
	raw, err := bson.Marshal(resortDocument{ID: "r1", Name: "Pine Lodge", OwnerID: "o1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["_id"] != "r1" || m["owner_id"] != "o1" {
		t.Fatalf("queries filter on _id and owner_id, got %v", m)
	}
	if got := (resortDocument{ID: "r1", OwnerID: "o1"}).toResort(); got.ID != "r1" || got.OwnerID != "o1" {
		t.Fatalf("unexpected resort %+v", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{URI: " mongodb://localhost:27017 "}.withDefaults()
	if opts.URI != "mongodb://localhost:27017" || opts.Database != "resortchat" || opts.Collection != "resorts" {
		t.Fatalf("unexpected defaults %+v", opts)
	}
	co := opts.clientOptions()
	if err := co.Validate(); err != nil {
		t.Fatalf("invalid client options: %v", err)
	}
	if co.AppName == nil || *co.AppName != "chatgateway" {
		t.Fatalf("unexpected app name %v", co.AppName)
	}
	if co.ServerSelectionTimeout == nil || *co.ServerSelectionTimeout != 10*time.Second {
		t.Fatalf("server selection must be bounded, got %v", co.ServerSelectionTimeout)
	}
}

func TestConnectRequiresURI(t *testing.T) {
	if _, err := Connect(context.Background(), Options{URI: "  "}); !errors.Is(err, ErrURIRequired) {
		t.Fatalf("expected ErrURIRequired, got %v", err)
	}
}
