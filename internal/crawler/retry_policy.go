package crawler

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Retry policy names accepted by NewDispositionPolicy.
const (
	RetryPolicyDrop    = "drop"
	RetryPolicyRequeue = "requeue"
)

// DispositionPolicy decides what happens to a lease once its job finished.
type DispositionPolicy struct {
	mode        string
	maxAttempts int
}

// NewDispositionPolicy builds a policy. "drop" always completes; "requeue"
// hands failed jobs back until maxAttempts executions have happened.
func NewDispositionPolicy(mode string, maxAttempts int) (DispositionPolicy, error) {
	switch mode {
	case "", RetryPolicyDrop:
		return DispositionPolicy{mode: RetryPolicyDrop}, nil
	case RetryPolicyRequeue:
		if maxAttempts <= 0 {
			return DispositionPolicy{}, fmt.Errorf("max attempts must be > 0 for requeue policy")
		}
		return DispositionPolicy{mode: RetryPolicyRequeue, maxAttempts: maxAttempts}, nil
	default:
		return DispositionPolicy{}, fmt.Errorf("unknown retry policy %q", mode)
	}
}

// Mode returns the configured policy name.
func (p DispositionPolicy) Mode() string {
	if p.mode == "" {
		return RetryPolicyDrop
	}
	return p.mode
}

// Decide returns the disposition for an outcome on the given attempt.
// Malformed payloads are never retried.
func (p DispositionPolicy) Decide(outcome Outcome, attempt int) Disposition {
	if outcome.Success || p.Mode() == RetryPolicyDrop || IsMalformed(outcome.Err) {
		return DispositionComplete
	}
	if attempt >= p.maxAttempts {
		return DispositionComplete
	}
	return DispositionRequeue
}

// ExponentialBackoff yields jittered delays between transient queue errors.
type ExponentialBackoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialBackoff builds a backoff with the given bounds.
func NewExponentialBackoff(base, maxDelay time.Duration) ExponentialBackoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if maxDelay < base {
		maxDelay = base
	}
	return ExponentialBackoff{baseDelay: base, maxDelay: maxDelay}
}

// Backoff returns the wait duration before the next attempt.
func (p ExponentialBackoff) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p ExponentialBackoff) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
