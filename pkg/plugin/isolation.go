package plugin

import (
	"slices"
	"sort"
)

// Grant is the permission set a plugin's code may exercise.
type Grant map[string]struct{}

// NewGrant builds a grant from a permission list.
func NewGrant(perms ...string) Grant {
	g := make(Grant, len(perms))
	for _, p := range perms {
		g[p] = struct{}{}
	}
	return g
}

// Has reports whether perm is granted.
func (g Grant) Has(perm string) bool {
	_, ok := g[perm]
	return ok
}

// Intersect narrows the grant to the listed permissions.
func (g Grant) Intersect(perms []string) Grant {
	out := make(Grant, len(perms))
	for _, p := range perms {
		if g.Has(p) {
			out[p] = struct{}{}
		}
	}
	return out
}

// List returns the granted permissions sorted.
func (g Grant) List() []string {
	out := make([]string, 0, len(g))
	for p := range g {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsolationPolicy restricts which declared permissions the host is willing to grant.
// An empty Allowed list allows every known permission.
type IsolationPolicy struct {
	Allowed []string `yaml:"allowed" json:"allowed,omitempty"`
	Denied  []string `yaml:"denied" json:"denied,omitempty"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.Allowed) == 0 {
		p.Allowed = other.Allowed
	}
	p.Denied = append(append([]string(nil), p.Denied...), other.Denied...)
	return p
}

// Withheld explains why a declared permission is not part of the effective grant.
type Withheld struct {
	Permission string
	Reason     string
}

// EffectiveGrant computes what a plugin may use: declared permissions that the host knows,
// that are not denied and that are allowed by the policy.
func EffectiveGrant(declared []string, policy IsolationPolicy, known func(string) bool) (Grant, []Withheld) {
	grant := make(Grant, len(declared))
	var withheld []Withheld
	for _, perm := range declared {
		switch {
		case known != nil && !known(perm):
			withheld = append(withheld, Withheld{Permission: perm, Reason: "unknown permission"})
		case slices.Contains(policy.Denied, perm):
			withheld = append(withheld, Withheld{Permission: perm, Reason: "denied by host policy"})
		case len(policy.Allowed) > 0 && !slices.Contains(policy.Allowed, perm):
			withheld = append(withheld, Withheld{Permission: perm, Reason: "not allowed by host policy"})
		default:
			grant[perm] = struct{}{}
		}
	}
	return grant, withheld
}

// Subset reports whether every required permission appears in declared, and returns the missing ones.
func Subset(required, declared []string) (bool, []string) {
	var missing []string
	for _, r := range required {
		if !slices.Contains(declared, r) {
			missing = append(missing, r)
		}
	}
	return len(missing) == 0, missing
}
