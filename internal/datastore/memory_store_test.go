package datastore

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Put(ctx, "t1", "contacts", "c1", map[string]any{"name": "Ada", "stage": 2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	doc, err := s.Get(ctx, "t1", "contacts", "c1")
	if err != nil || doc.Data["name"] != "Ada" {
		t.Fatalf("unexpected doc %+v (%v)", doc, err)
	}
	if _, err := s.Get(ctx, "t2", "contacts", "c1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("other tenants must not read the document, got %v", err)
	}
}

func TestMemoryStoreFindFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Put(ctx, "t1", "deals", "d2", map[string]any{"stage": "won", "amount": 10})
	_ = s.Put(ctx, "t1", "deals", "d1", map[string]any{"stage": "won", "amount": 5})
	_ = s.Put(ctx, "t1", "deals", "d3", map[string]any{"stage": "lost"})

	docs, err := s.Find(ctx, "t1", "deals", map[string]any{"stage": "won"}, 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "d1" || docs[1].ID != "d2" {
		t.Fatalf("unexpected result %+v", docs)
	}
	docs, _ = s.Find(ctx, "t1", "deals", map[string]any{"amount": 10.0}, 1)
	if len(docs) != 1 || docs[0].ID != "d2" {
		t.Fatalf("numeric filter should match across int/float: %+v", docs)
	}
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	data := map[string]any{"k": "v"}
	_ = s.Put(ctx, "t1", "c", "x", data)
	data["k"] = "mutated"
	doc, _ := s.Get(ctx, "t1", "c", "x")
	if doc.Data["k"] != "v" {
		t.Fatalf("store must copy on write")
	}
	if err := s.Delete(ctx, "t1", "c", "x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "t1", "c", "x"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Put(ctx, "t1", "bad collection", "x", nil); err == nil {
		t.Fatalf("expected invalid collection error")
	}
}
