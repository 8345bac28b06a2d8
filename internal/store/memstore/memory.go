// Package memstore is an in-process store.Gateway used for development and
// as the substitutable fake in tests.
package memstore

import (
	"context"
	"sync"

	"task-hierarchy/backend/internal/domain"
	"task-hierarchy/backend/internal/store"
)

type Store struct {
	mu   sync.RWMutex
	docs map[store.Collection]map[string]store.Document
}

func New() *Store {
	return &Store{docs: make(map[store.Collection]map[string]store.Document)}
}

func (s *Store) collection(c store.Collection) map[string]store.Document {
	m, ok := s.docs[c]
	if !ok {
		m = make(map[string]store.Document)
		s.docs[c] = m
	}
	return m
}

func (s *Store) Create(_ context.Context, c store.Collection, id string, doc store.Document) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := store.Clone(doc)
	stored["id"] = id
	s.collection(c)[id] = stored
	return store.Clone(stored), nil
}

func (s *Store) Get(_ context.Context, c store.Collection, id string) (store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[c][id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return store.Clone(doc), nil
}

func (s *Store) List(_ context.Context, c store.Collection, f store.Filter) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []store.Document{}
	for _, doc := range s.docs[c] {
		if f.Matches(doc) {
			out = append(out, store.Clone(doc))
		}
	}
	store.SortByID(out)
	return out, nil
}

func (s *Store) Patch(_ context.Context, c store.Collection, id string, fields store.Document) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[c][id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	merged := store.Merge(doc, fields)
	s.docs[c][id] = merged
	return store.Clone(merged), nil
}

func (s *Store) Delete(_ context.Context, c store.Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs[c], id)
	return nil
}

func (s *Store) AppendToList(_ context.Context, c store.Collection, id, field, value string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[c][id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	updated, changed := store.AppendUnique(doc, field, value)
	if changed {
		s.docs[c][id] = updated
	}
	return store.Clone(updated), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Len reports how many documents a collection holds.
func (s *Store) Len(c store.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[c])
}
