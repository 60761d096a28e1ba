// Package store is the document-store boundary used for final-state
// assertions after a correlated event has been observed. The correlation
// engine never consults it; scenarios do.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("document not found")

// Filter addresses documents by top-level field equality.
type Filter map[string]any

// Document is one stored record.
type Document map[string]any

// Store is a filter-addressed CRUD relay. Implementations must tolerate
// concurrent access from independent scenarios and must make Close
// idempotent.
type Store interface {
	Find(ctx context.Context, collection string, filter Filter) ([]Document, error)
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)
	Insert(ctx context.Context, collection string, doc Document) error
	Update(ctx context.Context, collection string, filter Filter, fields Document) (int64, error)
	Delete(ctx context.Context, collection string, filter Filter) (int64, error)
	Close(ctx context.Context) error
}
