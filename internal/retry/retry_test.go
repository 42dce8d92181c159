package retry

import (
	"testing"
	"time"

	"github.com/golemsrv/durability/internal/golemerr"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// TestRetryFoldDelay exercises §8 scenario 2's delay expectation: policy
// max_attempts=3, min_delay=10ms, multiplier=2, after 2 consecutive errors
// the next delay should be 20ms (before jitter).
func TestRetryFoldDelay(t *testing.T) {
	p := NewPolicy()
	policy := oplogentry.RetryPolicy{MaxAttempts: 3, MinDelay: 10 * time.Millisecond, Multiplier: 2}

	failure := golemerr.Transport(nil, "net")
	decision := p.Decide(policy, 2, failure)
	if decision.Kind != DecisionDelayed {
		t.Fatalf("expected Delayed, got %v", decision.Kind)
	}
	if decision.Delay < 18*time.Millisecond || decision.Delay > 22*time.Millisecond {
		t.Fatalf("expected delay near 20ms, got %v", decision.Delay)
	}
}

func TestRetryExhaustedYieldsTryStop(t *testing.T) {
	p := NewPolicy()
	policy := oplogentry.RetryPolicy{MaxAttempts: 3, MinDelay: time.Millisecond}
	failure := golemerr.Transport(nil, "net")
	decision := p.Decide(policy, 3, failure)
	if decision.Kind != DecisionTryStop {
		t.Fatalf("expected TryStop once max_attempts is exhausted, got %v", decision.Kind)
	}
}

func TestNonRetriableClassYieldsNone(t *testing.T) {
	p := NewPolicy()
	policy := DefaultPolicy()
	failure := golemerr.UnexpectedOplogEntry("Create", "HostCall", 5)
	decision := p.Decide(policy, 0, failure)
	if decision.Kind != DecisionNone {
		t.Fatalf("expected None for a non-retriable class, got %v", decision.Kind)
	}
}

func TestShardRoutingYieldsReacquirePermits(t *testing.T) {
	p := NewPolicy()
	policy := DefaultPolicy()
	failure := golemerr.ShardRouting("routing table stale")
	decision := p.Decide(policy, 0, failure)
	if decision.Kind != DecisionReacquirePermits {
		t.Fatalf("expected ReacquirePermits for shard routing failures, got %v", decision.Kind)
	}
}
