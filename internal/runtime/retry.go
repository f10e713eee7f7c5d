package runtime

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/flowgrid/flowgrid/internal/connector"
	"github.com/flowgrid/flowgrid/internal/workflow"
)

// Retry strategies
const (
	RetryNone        = "none"
	RetryFixed       = "fixed"
	RetryExponential = "exponential"
)

// defaultRetryPolicy applies when an action declares none.
var defaultRetryPolicy = workflow.RetryPolicy{
	Strategy:    RetryExponential,
	MaxAttempts: 3,
	BaseDelayMS: 500,
	Jitter:      true,
}

// attemptOutcome carries what the classifier needs from one attempt.
type attemptOutcome struct {
	result *connector.Result
	err    error
}

// retryable decides whether an attempt outcome may be retried. Non-retryable:
// 4xx except 408/425/429, quota and not-found codes. Retryable: network
// errors, 5xx and 429.
func retryable(outcome attemptOutcome) bool {
	if outcome.err != nil {
		var egress *connector.EgressError
		if errors.As(outcome.err, &egress) {
			return false
		}
		var netErr net.Error
		if errors.As(outcome.err, &netErr) {
			return true
		}
		if errors.Is(outcome.err, context.DeadlineExceeded) {
			return true
		}
		message := strings.ToLower(outcome.err.Error())
		if strings.Contains(message, "connection refused") || strings.Contains(message, "connection reset") ||
			strings.Contains(message, "no such host") || strings.Contains(message, "timeout") {
			return true
		}
		return false
	}

	result := outcome.result
	if result == nil || result.Success {
		return false
	}

	message := strings.ToUpper(result.Error)
	if strings.Contains(message, "_QUOTA_EXCEEDED") || strings.Contains(strings.ToLower(result.Error), "_not_found") {
		return false
	}

	switch {
	case result.StatusCode == 0:
		// No HTTP context; treat declared failures as permanent.
		return false
	case result.StatusCode == 408, result.StatusCode == 425, result.StatusCode == 429:
		return true
	case result.StatusCode >= 500:
		return true
	case result.StatusCode >= 400:
		return false
	default:
		return false
	}
}

// retryDelay computes the wait before the given attempt (1-based), honoring
// a Retry-After period when the vendor supplied one.
func retryDelay(policy workflow.RetryPolicy, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	base := time.Duration(policy.BaseDelayMS) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	var delay time.Duration
	switch policy.Strategy {
	case RetryFixed:
		delay = base
	case RetryExponential:
		delay = base << (attempt - 1)
	default:
		return 0
	}
	if delay > 2*time.Minute {
		delay = 2 * time.Minute
	}
	if policy.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	return delay
}

// parseRetryAfter extracts a Retry-After duration from a result's data when
// the client surfaced one.
func parseRetryAfter(result *connector.Result) time.Duration {
	if result == nil {
		return 0
	}
	data, ok := result.Data.(map[string]any)
	if !ok {
		return 0
	}
	switch v := data["retry_after"].(type) {
	case float64:
		return time.Duration(v) * time.Second
	case string:
		if seconds, err := strconv.Atoi(v); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// effectivePolicy merges a node's declared retry policy over defaults.
func effectivePolicy(declared *workflow.RetryPolicy) workflow.RetryPolicy {
	if declared == nil {
		return defaultRetryPolicy
	}
	policy := *declared
	if policy.Strategy == "" {
		policy.Strategy = RetryNone
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return policy
}
