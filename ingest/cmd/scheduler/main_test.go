package main

import (
	"testing"
	"time"
)

func TestPollLeaseTTLCoversSlowRun(t *testing.T) {
	interval := 30 * time.Second
	ttl := pollLeaseTTL(200, 30*time.Second, interval)
	if ttl <= interval {
		t.Fatalf("lease must outlive a slow cycle, got %v for a %v interval", ttl, interval)
	}
	if want := 200 * 30 * time.Second; ttl != want {
		t.Fatalf("expected %v, got %v", want, ttl)
	}
}

func TestPollLeaseTTLFloor(t *testing.T) {
	if ttl := pollLeaseTTL(1, time.Second, 30*time.Second); ttl != 30*time.Second {
		t.Fatalf("ttl must not drop below the poll interval, got %v", ttl)
	}
}
