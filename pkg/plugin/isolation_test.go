package plugin

import "testing"

func TestEffectiveGrant(t *testing.T) {
	known := func(p string) bool { return p != "teleport" }
	policy := IsolationPolicy{Denied: []string{"http.egress"}}

	grant, withheld := EffectiveGrant([]string{"db.read", "http.egress", "teleport"}, policy, known)
	if !grant.Has("db.read") || grant.Has("http.egress") || grant.Has("teleport") {
		t.Fatalf("unexpected grant %v", grant.List())
	}
	if len(withheld) != 2 {
		t.Fatalf("expected two withheld permissions, got %+v", withheld)
	}
}

func TestEffectiveGrantAllowList(t *testing.T) {
	policy := IsolationPolicy{Allowed: []string{"db.read"}}
	grant, withheld := EffectiveGrant([]string{"db.read", "db.write"}, policy, nil)
	if len(grant) != 1 || len(withheld) != 1 || withheld[0].Permission != "db.write" {
		t.Fatalf("allow list not applied: %v %+v", grant.List(), withheld)
	}
}

func TestMergeKeepsBothDenyLists(t *testing.T) {
	merged := IsolationPolicy{Denied: []string{"a"}}.Merge(IsolationPolicy{Allowed: []string{"x"}, Denied: []string{"b"}})
	if len(merged.Denied) != 2 || len(merged.Allowed) != 1 {
		t.Fatalf("unexpected merge %+v", merged)
	}
}

func TestSubset(t *testing.T) {
	ok, missing := Subset([]string{"db.read", "http.egress"}, []string{"db.read"})
	if ok || len(missing) != 1 || missing[0] != "http.egress" {
		t.Fatalf("subset wrong: %v %v", ok, missing)
	}
	if ok, _ := Subset(nil, nil); !ok {
		t.Fatalf("empty requirements are always satisfied")
	}
}

func TestCloneIsDeep(t *testing.T) {
	inst := &Installation{Config: map[string]any{"k": "v"}}
	dup := inst.Clone()
	dup.Config["k"] = "changed"
	if inst.Config["k"] != "v" {
		t.Fatalf("clone shares config map")
	}
	p := &Plugin{Permissions: []string{"db.read"}}
	pd := p.Clone()
	pd.Permissions[0] = "db.write"
	if p.Permissions[0] != "db.read" {
		t.Fatalf("clone shares permissions")
	}
}
