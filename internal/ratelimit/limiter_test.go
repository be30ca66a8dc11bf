package ratelimit

import (
	"testing"
	"time"
)

func TestAllowPerIP(t *testing.T) {
	l := NewLimiter(1, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("expected burst to be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("expected third request to be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other IPs must have their own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatal("expected a token after one second")
	}
}

func TestCleanupDropsIdleVisitors(t *testing.T) {
	l := NewLimiter(1, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	now = now.Add(visitorIdle)
	l.Allow("10.0.0.2")
	l.cleanup()

	if _, ok := l.visitors["10.0.0.1"]; ok {
		t.Fatal("expected idle visitor to be removed")
	}
	if _, ok := l.visitors["10.0.0.2"]; !ok {
		t.Fatal("active visitor must be kept")
	}
}

func TestTakeReportsWaitWithoutSpending(t *testing.T) {
	l := NewLimiter(1, 4)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if _, ok := l.Take("10.0.0.1", 3); !ok {
		t.Fatal("expected first take to fit the burst")
	}
	wait, ok := l.Take("10.0.0.1", 3)
	if ok || wait != 2*time.Second {
		t.Fatalf("Take = %s, %v; want 2s, false", wait, ok)
	}
	if !l.Allow("10.0.0.1") {
		t.Fatal("rejected take must not spend tokens")
	}
	if _, ok := l.Take("10.0.0.2", 10); !ok {
		t.Fatal("cost above the burst should be capped")
	}
}
