package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func newService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc, err := NewService("0123456789abcdef-master", store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func TestSetGetDeleteLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	if err := svc.Set(ctx, "t1", "inst-1", "API_KEY", "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := svc.Get(ctx, "t1", "inst-1", "API_KEY")
	if err != nil || got != "abc" {
		t.Fatalf("expected abc, got %q (%v)", got, err)
	}
	if err := svc.Delete(ctx, "t1", "inst-1", "API_KEY"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, "t1", "inst-1", "API_KEY"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected secret not found, got %v", err)
	}
	if err := svc.Delete(ctx, "t1", "inst-1", "API_KEY"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("deleting a missing key must report not found, got %v", err)
	}
}

func TestEmptyValueIsDistinctFromUnset(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	if err := svc.Set(ctx, "t1", "inst-1", "EMPTY", ""); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := svc.Get(ctx, "t1", "inst-1", "EMPTY")
	if err != nil || got != "" {
		t.Fatalf("expected empty value without error, got %q (%v)", got, err)
	}
}

func TestCiphertextIsScopedToInstallation(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	if err := svc.Set(ctx, "t1", "inst-1", "TOKEN", "plaintext-token"); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, _ := store.Get(ctx, "t1", "inst-1", "TOKEN")
	if bytes.Contains(rec.Sealed, []byte("plaintext-token")) {
		t.Fatalf("value stored in plaintext")
	}

	// Copying the sealed record to another installation must not decrypt.
	rec.InstallationID = "inst-2"
	_ = store.Put(ctx, rec)
	if _, err := svc.Get(ctx, "t1", "inst-2", "TOKEN"); err == nil {
		t.Fatalf("expected authentication failure for transplanted secret")
	}
	if _, err := svc.Get(ctx, "t2", "inst-1", "TOKEN"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("other tenant must not see the secret, got %v", err)
	}
}

func TestListAndPurge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	for _, k := range []string{"B", "A", "C"} {
		if err := svc.Set(ctx, "t1", "inst-1", k, "v"); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	keys, _ := svc.List(ctx, "t1", "inst-1")
	if len(keys) != 3 || keys[0] != "A" || keys[2] != "C" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if err := svc.Purge(ctx, "t1", "inst-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if keys, _ := svc.List(ctx, "t1", "inst-1"); len(keys) != 0 {
		t.Fatalf("expected no keys after purge, got %v", keys)
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	if err := svc.Set(ctx, "t1", "inst-1", "bad key", "v"); err == nil {
		t.Fatalf("expected invalid key error")
	}
	if err := svc.Set(ctx, "", "inst-1", "K", "v"); err == nil {
		t.Fatalf("expected missing tenant error")
	}
	if _, err := NewService("short", NewMemoryStore()); err == nil {
		t.Fatalf("expected short master key to be rejected")
	}
}
