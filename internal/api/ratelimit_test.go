package api

import (
	"testing"
	"time"
)

func TestAdmissionLimiterBurstThenDeny(t *testing.T) {
	l := NewAdmissionLimiter(60, 3) // 1 token/sec, burst 3
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ok, _ := l.allow("u1", now)
		if !ok {
			t.Fatalf("Admission %d within burst must pass", i+1)
		}
	}
	ok, wait := l.allow("u1", now)
	if ok {
		t.Fatalf("Fourth admission in the same instant must be throttled")
	}
	if wait <= 0 {
		t.Errorf("Denied admission must report a positive retry delay, got %v", wait)
	}
}

func TestAdmissionLimiterRefills(t *testing.T) {
	l := NewAdmissionLimiter(60, 1) // 1 token/sec, burst 1
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.allow("u1", now); !ok {
		t.Fatalf("First admission must pass")
	}
	if ok, _ := l.allow("u1", now); ok {
		t.Fatalf("Immediate second admission must be throttled")
	}
	if ok, _ := l.allow("u1", now.Add(2*time.Second)); !ok {
		t.Errorf("Bucket must refill after the rate interval")
	}
}

func TestAdmissionLimiterIsolatesCallers(t *testing.T) {
	l := NewAdmissionLimiter(60, 1)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.allow("u1", now); !ok {
		t.Fatalf("u1 must pass")
	}
	if ok, _ := l.allow("u1", now); ok {
		t.Fatalf("u1 must be throttled")
	}
	// A different tenant is untouched by u1's burst.
	if ok, _ := l.allow("u2", now); !ok {
		t.Errorf("u2 must not share u1's bucket")
	}
}

func TestAdmissionLimiterPrunesIdleBuckets(t *testing.T) {
	l := NewAdmissionLimiter(60, 1)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	l.allow("idle-user", now)
	later := now.Add(bucketIdleTTL + time.Minute)
	l.allow("fresh-user", later)

	l.mu.Lock()
	l.pruneLocked(later)
	_, idleExists := l.buckets["idle-user"]
	_, freshExists := l.buckets["fresh-user"]
	l.mu.Unlock()

	if idleExists {
		t.Errorf("Idle bucket must be pruned after the TTL")
	}
	if !freshExists {
		t.Errorf("Active bucket must survive pruning")
	}
}
