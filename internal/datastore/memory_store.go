package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps documents in memory, keyed by tenant then collection.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]map[string]Document
	now  func() time.Time
}

// NewMemoryStore creates an empty document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]map[string]Document), now: time.Now}
}

// Get returns a copy of one document.
func (s *MemoryStore) Get(_ context.Context, tenantID, collection, id string) (Document, error) {
	if err := ValidateRef(tenantID, collection, id); err != nil {
		return Document{}, err
	}
	s.mu.RLock()
	doc, ok := s.docs[tenantID][collection][id]
	s.mu.RUnlock()
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrDocumentNotFound)
	}
	data, err := CloneData(doc.Data)
	if err != nil {
		return Document{}, err
	}
	doc.Data = data
	return doc, nil
}

// Find returns documents matching filter ordered by id.
func (s *MemoryStore) Find(_ context.Context, tenantID, collection string, filter map[string]any, limit int) ([]Document, error) {
	if err := ValidateRef(tenantID, collection, ""); err != nil {
		return nil, err
	}
	limit = NormalizeLimit(limit)
	s.mu.RLock()
	ids := make([]string, 0, len(s.docs[tenantID][collection]))
	for id := range s.docs[tenantID][collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Document, 0)
	for _, id := range ids {
		doc := s.docs[tenantID][collection][id]
		if !Matches(doc.Data, filter) {
			continue
		}
		data, err := CloneData(doc.Data)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		doc.Data = data
		out = append(out, doc)
		if len(out) >= limit {
			break
		}
	}
	s.mu.RUnlock()
	return out, nil
}

// Put inserts or replaces a document.
func (s *MemoryStore) Put(_ context.Context, tenantID, collection, id string, data map[string]any) error {
	if err := ValidateRef(tenantID, collection, id); err != nil {
		return err
	}
	clone, err := CloneData(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[tenantID] == nil {
		s.docs[tenantID] = make(map[string]map[string]Document)
	}
	if s.docs[tenantID][collection] == nil {
		s.docs[tenantID][collection] = make(map[string]Document)
	}
	s.docs[tenantID][collection][id] = Document{Collection: collection, ID: id, Data: clone, UpdatedAt: s.now().UTC()}
	return nil
}

// Delete removes one document.
func (s *MemoryStore) Delete(_ context.Context, tenantID, collection, id string) error {
	if err := ValidateRef(tenantID, collection, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[tenantID][collection][id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrDocumentNotFound)
	}
	delete(s.docs[tenantID][collection], id)
	return nil
}
