package api

import (
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)

	if !rl.Allow("acme") || !rl.Allow("acme") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("acme") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("globex") {
		t.Error("separate key should have its own bucket")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 0)
	rl.Allow("old")
	time.Sleep(20 * time.Millisecond)
	rl.Allow("fresh")

	if removed := rl.CleanupOldBuckets(10 * time.Millisecond); removed != 1 {
		t.Errorf("removed %d buckets, want 1", removed)
	}
	if _, ok := rl.buckets["fresh"]; !ok {
		t.Error("fresh bucket removed")
	}
}
