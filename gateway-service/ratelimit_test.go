package main

import (
	"testing"
	"time"
)

func TestTokenBucket_BurstThenReject(t *testing.T) {
	l := NewTokenBucketLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("alice") {
			t.Fatalf("Expected send %d within burst to be allowed", i+1)
		}
	}
	if l.Allow("alice") {
		t.Error("Expected send past burst to be rejected")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	l := NewTokenBucketLimiter(50, 1)

	if !l.Allow("alice") {
		t.Fatal("Expected first send to be allowed")
	}
	if l.Allow("alice") {
		t.Fatal("Expected immediate second send to be rejected")
	}

	time.Sleep(40 * time.Millisecond)
	if !l.Allow("alice") {
		t.Error("Expected send after refill to be allowed")
	}
}

func TestTokenBucket_PerUserIsolation(t *testing.T) {
	l := NewTokenBucketLimiter(1, 1)

	if !l.Allow("alice") {
		t.Fatal("Expected alice's first send to be allowed")
	}
	if !l.Allow("bob") {
		t.Error("Expected bob unaffected by alice's bucket")
	}
}

func TestAllowAll(t *testing.T) {
	l := allowAll{}
	for i := 0; i < 100; i++ {
		if !l.Allow("anyone") {
			t.Fatal("Expected allowAll to always allow")
		}
	}
}
