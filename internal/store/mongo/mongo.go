// Package mongo implements the state-store boundary on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"witness/internal/store"
)

type Config struct {
	URI      string
	Database string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URI) == "" {
		return errors.New("mongo.uri is required")
	}
	if strings.TrimSpace(c.Database) == "" {
		return errors.New("mongo.database is required")
	}
	return nil
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{client: client, db: client.Database(cfg.Database), log: log.Named("mongo")}, nil
}

func (s *Store) Find(ctx context.Context, collection string, filter store.Filter) ([]store.Document, error) {
	cur, err := s.db.Collection(collection).Find(ctx, toBSON(filter))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	var out []store.Document
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", collection, err)
		}
		out = append(out, store.Document(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter store.Filter) (store.Document, error) {
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, toBSON(filter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find one %s: %w", collection, err)
	}
	return store.Document(doc), nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc store.Document) error {
	if _, err := s.db.Collection(collection).InsertOne(ctx, toBSON(map[string]any(doc))); err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, collection string, filter store.Filter, fields store.Document) (int64, error) {
	res, err := s.db.Collection(collection).UpdateMany(ctx, toBSON(filter), bson.M{"$set": toBSON(map[string]any(fields))})
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", collection, err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) Delete(ctx context.Context, collection string, filter store.Filter) (int64, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// Close disconnects the client; repeated calls return the first result.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Disconnect(ctx)
	})
	return s.closeErr
}

func toBSON(m map[string]any) bson.M {
	out := bson.M{}
	for k, v := range m {
		out[k] = v
	}
	return out
}
