package ratelimit

import (
	"context"
	"testing"
	"time"

	xerrors "ExtensionHost/internal/errors"
)

func TestKeyedBucketsAreIndependent(t *testing.T) {
	k := New(1, 2)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return fixed }

	if !k.Allow("a") || !k.Allow("a") {
		t.Fatal("burst of two must be allowed")
	}
	if err := k.Check("a"); xerrors.CodeOf(err) != xerrors.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if !k.Allow("b") {
		t.Fatal("other keys must have their own bucket")
	}
	fixed = fixed.Add(time.Second)
	if !k.Allow("a") {
		t.Fatal("bucket must refill over time")
	}
}

func TestNonPositiveRateDisablesLimiting(t *testing.T) {
	k := New(0, 0)
	for i := 0; i < 1000; i++ {
		if !k.Allow("x") {
			t.Fatal("unlimited limiter refused a call")
		}
	}
	if err := k.Wait(context.Background(), "x"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	var nilLimiter *Keyed
	if !nilLimiter.Allow("x") {
		t.Fatal("nil limiter must allow")
	}
}

func TestIdleBucketsAreSwept(t *testing.T) {
	k := New(5, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }
	k.Allow("old")
	now = now.Add(11 * time.Minute)
	k.Allow("new")
	if k.Len() != 1 {
		t.Fatalf("expected idle bucket to be swept, have %d", k.Len())
	}
	k.Forget("new")
	if k.Len() != 0 {
		t.Fatal("forget did not drop the bucket")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	k := New(0.001, 1)
	k.Allow("slow")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := k.Wait(ctx, "slow"); xerrors.CodeOf(err) != xerrors.CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED from wait, got %v", err)
	}
}
