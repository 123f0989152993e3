package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenDeny(t *testing.T) {
	l := NewLimiter(10, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("Request %d within burst should be allowed", i+1)
		}
	}
	if l.Allow() {
		t.Error("Request beyond burst should be denied")
	}
}

func TestRefill(t *testing.T) {
	l := NewLimiter(100, 5)

	if !l.AllowN(5) {
		t.Fatal("Burst should be allowed")
	}
	if l.Allow() {
		t.Fatal("Bucket should be empty")
	}

	// at 100/s a token is back within 10ms; give it margin
	time.Sleep(50 * time.Millisecond)
	if !l.Allow() {
		t.Error("Bucket should have refilled")
	}
}

func TestAllowNLargerThanBurst(t *testing.T) {
	l := NewLimiter(10, 5)
	if l.AllowN(6) {
		t.Error("Request larger than burst can never be allowed")
	}
	// the failed request must not drain the bucket
	if !l.AllowN(5) {
		t.Error("Full burst should still be available")
	}
}
