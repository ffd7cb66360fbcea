// Package mongo reads the resort directory from MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var ErrURIRequired = errors.New("mongo: uri is required")

// Options configures the connection behind the resort directory.
type Options struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
	AppName    string
}

func (o Options) withDefaults() Options {
	o.URI = strings.TrimSpace(o.URI)
	if o.Database == "" {
		o.Database = "resortchat"
	}
	if o.Collection == "" {
		o.Collection = "resorts"
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.AppName == "" {
		o.AppName = "chatgateway"
	}
	return o
}

// clientOptions bounds every server selection by Timeout, so a missing cluster fails
// readiness quickly instead of hanging a request.
func (o Options) clientOptions() *options.ClientOptions {
	return options.Client().
		ApplyURI(o.URI).
		SetAppName(o.AppName).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetConnectTimeout(o.Timeout).
		SetServerSelectionTimeout(o.Timeout)
}

// Client owns the connection used by the resort directory.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	opts   Options
}

func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if opts.URI == "" {
		return nil, ErrURIRequired
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	m, err := mongo.Connect(ctx, opts.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	return &Client{client: m, db: m.Database(opts.Database), opts: opts}, nil
}

// Resorts returns the directory over the configured collection.
func (c *Client) Resorts(ctx context.Context) (*ResortDirectory, error) {
	return NewResortDirectory(ctx, c.db, c.opts.Collection)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
