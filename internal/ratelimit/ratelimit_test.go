package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMessageLimiter_AllowsBurstThenRejects(t *testing.T) {
	l := NewMessageLimiter(3, 1)

	for i := 0; i < 3; i++ {
		if !l.Allow("conn-1") {
			t.Fatalf("expected burst message %d to be allowed", i)
		}
	}
	if l.Allow("conn-1") {
		t.Fatal("expected the 4th message within the burst window to be rejected")
	}
}

func TestMessageLimiter_SeparateConnectionsDoNotShareBuckets(t *testing.T) {
	l := NewMessageLimiter(1, 1)

	if !l.Allow("conn-1") {
		t.Fatal("expected conn-1's first message to be allowed")
	}
	if !l.Allow("conn-2") {
		t.Fatal("expected conn-2 to have its own independent bucket")
	}
}

func TestMessageLimiter_RemoveDropsState(t *testing.T) {
	l := NewMessageLimiter(1, 1)
	l.Allow("conn-1")
	l.Remove("conn-1")

	if !l.Allow("conn-1") {
		t.Fatal("expected a fresh bucket for conn-1 after Remove")
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	tb := newTokenBucket(1, 1000) // fast refill for a deterministic test
	if !tb.tryConsume(1) {
		t.Fatal("expected the initial token to be available")
	}
	if tb.tryConsume(1) {
		t.Fatal("expected the bucket to be empty immediately after consuming it")
	}
	time.Sleep(5 * time.Millisecond)
	if !tb.tryConsume(1) {
		t.Fatal("expected a refill after waiting past the refill interval")
	}
}

func TestConnectionLimiter_PerIPBurstThenRejects(t *testing.T) {
	l := NewConnectionLimiter(ConnectionLimiterConfig{
		IPBurst: 2, IPRate: 1, GlobalBurst: 100, GlobalRate: 100,
	}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("1.2.3.4") || !l.Allow("1.2.3.4") {
		t.Fatal("expected the per-IP burst to be allowed")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("expected the 3rd connection within the burst to be rejected")
	}
}

func TestConnectionLimiter_GlobalLimitAppliesAcrossIPs(t *testing.T) {
	l := NewConnectionLimiter(ConnectionLimiterConfig{
		IPBurst: 100, IPRate: 100, GlobalBurst: 1, GlobalRate: 0.001,
	}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("1.1.1.1") {
		t.Fatal("expected the first connection to clear the global burst")
	}
	if l.Allow("2.2.2.2") {
		t.Fatal("expected a different IP to still be rejected by the exhausted global limiter")
	}
}
