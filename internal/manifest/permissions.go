package manifest

import (
	"sort"
	"sync"
)

// Built-in capability permissions.
const (
	PermDBRead         = "db.read"
	PermDBWrite        = "db.write"
	PermHTTPEgress     = "http.egress"
	PermSecretsRead    = "secrets.read"
	PermSecretsWrite   = "secrets.write"
	PermAnalyticsTrack = "analytics.track"
	PermEventsEmit     = "events.emit"
)

var (
	permMu      sync.RWMutex
	permissions = map[string]struct{}{
		PermDBRead:         {},
		PermDBWrite:        {},
		PermHTTPEgress:     {},
		PermSecretsRead:    {},
		PermSecretsWrite:   {},
		PermAnalyticsTrack: {},
		PermEventsEmit:     {},
	}
)

// RegisterPermission makes a collaborator-provided permission grantable.
func RegisterPermission(name string) {
	permMu.Lock()
	permissions[name] = struct{}{}
	permMu.Unlock()
}

// KnownPermission reports whether the host can grant name.
func KnownPermission(name string) bool {
	permMu.RLock()
	_, ok := permissions[name]
	permMu.RUnlock()
	return ok
}

// KnownPermissions returns the sorted list of grantable permissions.
func KnownPermissions() []string {
	permMu.RLock()
	out := make([]string, 0, len(permissions))
	for name := range permissions {
		out = append(out, name)
	}
	permMu.RUnlock()
	sort.Strings(out)
	return out
}
