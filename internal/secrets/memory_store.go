package secrets

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps sealed records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]Record)}
}

func bucket(tenantID, installationID string) string {
	return tenantID + "/" + installationID
}

// Put stores a copy of rec.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := bucket(rec.TenantID, rec.InstallationID)
	if s.records[b] == nil {
		s.records[b] = make(map[string]Record)
	}
	rec.Sealed = append([]byte(nil), rec.Sealed...)
	s.records[b][rec.Key] = rec
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, tenantID, installationID, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[bucket(tenantID, installationID)][key]
	if !ok {
		return Record{}, notFound(key)
	}
	rec.Sealed = append([]byte(nil), rec.Sealed...)
	return rec, nil
}

// List returns sorted keys.
func (s *MemoryStore) List(_ context.Context, tenantID, installationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[bucket(tenantID, installationID)]
	keys := make([]string, 0, len(recs))
	for k := range recs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes one key.
func (s *MemoryStore) Delete(_ context.Context, tenantID, installationID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := bucket(tenantID, installationID)
	if _, ok := s.records[b][key]; !ok {
		return notFound(key)
	}
	delete(s.records[b], key)
	return nil
}

// DeleteAll removes every key of the installation.
func (s *MemoryStore) DeleteAll(_ context.Context, tenantID, installationID string) error {
	s.mu.Lock()
	delete(s.records, bucket(tenantID, installationID))
	s.mu.Unlock()
	return nil
}

func notFound(key string) error {
	return fmt.Errorf("secret %q: %w", key, ErrSecretNotFound)
}
