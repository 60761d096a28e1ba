// Package memory implements the state-store boundary in process, for unit
// tests and the fixture service.
package memory

import (
	"context"
	"sync"

	"witness/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	collections map[string][]store.Document
}

func New() *Store {
	return &Store{collections: map[string][]store.Document{}}
}

func (s *Store) Find(_ context.Context, collection string, filter store.Filter) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Document
	for _, doc := range s.collections[collection] {
		if matches(doc, filter) {
			out = append(out, clone(doc))
		}
	}
	return out, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter store.Filter) (store.Document, error) {
	docs, err := s.Find(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrNotFound
	}
	return docs[0], nil
}

func (s *Store) Insert(_ context.Context, collection string, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collection] = append(s.collections[collection], clone(doc))
	return nil
}

func (s *Store) Update(_ context.Context, collection string, filter store.Filter, fields store.Document) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, doc := range s.collections[collection] {
		if !matches(doc, filter) {
			continue
		}
		for k, v := range fields {
			doc[k] = v
		}
		n++
	}
	return n, nil
}

func (s *Store) Delete(_ context.Context, collection string, filter store.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.collections[collection][:0]
	var n int64
	for _, doc := range s.collections[collection] {
		if matches(doc, filter) {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	s.collections[collection] = kept
	return n, nil
}

func (s *Store) Close(context.Context) error { return nil }

func matches(doc store.Document, filter store.Filter) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func clone(doc store.Document) store.Document {
	out := make(store.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
