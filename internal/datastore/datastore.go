// Package datastore is the tenant-scoped document store reachable from the db capability.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"time"

	xerrors "ExtensionHost/internal/errors"
)

// MaxFindLimit caps Find results.
const MaxFindLimit = 500

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// ErrDocumentNotFound is returned by Get and Delete on a missing document.
var ErrDocumentNotFound = xerrors.New(xerrors.CodeNotFound, "document not found")

// Document is one stored record.
type Document struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Store is implemented by the memory and MySQL backends. Every method is scoped by tenant.
type Store interface {
	Get(ctx context.Context, tenantID, collection, id string) (Document, error)
	Find(ctx context.Context, tenantID, collection string, filter map[string]any, limit int) ([]Document, error)
	Put(ctx context.Context, tenantID, collection, id string, data map[string]any) error
	Delete(ctx context.Context, tenantID, collection, id string) error
}

// ValidateRef checks a collection/id pair.
func ValidateRef(tenantID, collection, id string) error {
	if tenantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tenant id is required")
	}
	if !namePattern.MatchString(collection) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid collection %q", collection))
	}
	if id != "" && !namePattern.MatchString(id) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid document id %q", id))
	}
	return nil
}

// NormalizeLimit clamps a requested Find limit.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > MaxFindLimit {
		return MaxFindLimit
	}
	return limit
}

// Matches reports whether every filter field equals the document field.
// Values are compared after a JSON round trip so 1 and 1.0 are equal.
func Matches(data, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := data[k]
		if !ok || !reflect.DeepEqual(normalize(got), normalize(want)) {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// CloneData deep-copies a document body via JSON.
func CloneData(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "document is not JSON serialisable")
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
