// Package retry implements the retry control plane (§4.6): turning an
// effective policy, a consecutive-error count, and an error classification
// into a RetryDecision, and judging whether a given error is retriable at
// all for the status deriver's fold (§4.5).
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/golemsrv/durability/internal/golemerr"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// Decision is the outcome of consulting the retry policy for a failure.
type DecisionKind int

const (
	DecisionImmediate DecisionKind = iota
	DecisionDelayed
	DecisionReacquirePermits
	DecisionNone
	DecisionTryStop
)

type Decision struct {
	Kind   DecisionKind
	Delay  time.Duration // valid when Kind == DecisionDelayed
	Reason string        // valid when Kind == DecisionTryStop
}

// DefaultPolicy is used when no ChangeRetryPolicy override is in effect.
func DefaultPolicy() oplogentry.RetryPolicy {
	return oplogentry.RetryPolicy{
		MaxAttempts:     3,
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		Multiplier:      2.0,
		MaxJitterFactor: 0.1,
	}
}

// Policy decides retry outcomes given an effective policy and the current
// fold state; it implements status.RetriablePolicy so the deriver can
// consult it without importing this package's Decide machinery.
type Policy struct {
	rand *rand.Rand
}

func NewPolicy() *Policy {
	return &Policy{rand: rand.New(rand.NewSource(1))}
}

// IsWorkerErrorRetriable reports whether another attempt remains available
// under policy given consecutiveErrors prior failures. Only the count and
// policy.MaxAttempts decide the answer: errMsg is not inspected, so no error
// class is treated as non-retriable here.
func (p *Policy) IsWorkerErrorRetriable(policy oplogentry.RetryPolicy, errMsg string, consecutiveErrors int) bool {
	if policy.MaxAttempts <= 0 {
		return false
	}
	return consecutiveErrors < policy.MaxAttempts
}

// Decide computes the RetryDecision for a classified failure (§4.6).
// Non-retriable classes yield DecisionNone: the caller persists the failure
// permanently rather than propagating it for another attempt.
func (p *Policy) Decide(policy oplogentry.RetryPolicy, consecutiveErrors int, err error) Decision {
	if !golemerr.IsRetriable(err) {
		return Decision{Kind: DecisionNone}
	}
	if policy.MaxAttempts <= 0 || consecutiveErrors >= policy.MaxAttempts {
		return Decision{Kind: DecisionTryStop, Reason: "max_attempts exceeded"}
	}

	switch golemerr.Classify(err) {
	case golemerr.ClassShardRouting:
		return Decision{Kind: DecisionReacquirePermits}
	}

	delay := p.delayFor(policy, consecutiveErrors)
	if delay <= 0 {
		return Decision{Kind: DecisionImmediate}
	}
	return Decision{Kind: DecisionDelayed, Delay: delay}
}

// delayFor computes min_delay * multiplier^(count-1), jittered and capped at
// max_delay (§4.6).
func (p *Policy) delayFor(policy oplogentry.RetryPolicy, consecutiveErrors int) time.Duration {
	if consecutiveErrors < 1 {
		consecutiveErrors = 1
	}
	base := float64(policy.MinDelay) * math.Pow(policy.Multiplier, float64(consecutiveErrors-1))
	if max := float64(policy.MaxDelay); policy.MaxDelay > 0 && base > max {
		base = max
	}
	if policy.MaxJitterFactor > 0 {
		jitter := (p.rand.Float64()*2 - 1) * policy.MaxJitterFactor * base
		base += jitter
		if base < 0 {
			base = 0
		}
	}
	if policy.MaxDelay > 0 && time.Duration(base) > policy.MaxDelay {
		return policy.MaxDelay
	}
	return time.Duration(base)
}

// EffectivePolicy resolves the worker's effective retry policy: the last
// ChangeRetryPolicy override in effect, else the config default.
func EffectivePolicy(override *oplogentry.RetryPolicy, def oplogentry.RetryPolicy) oplogentry.RetryPolicy {
	if override != nil {
		return *override
	}
	return def
}

// WakeFunc is invoked by Scheduler when a Delayed decision's wait elapses;
// the durability host plugs in worker re-invocation here.
type WakeFunc func(ctx context.Context) error
