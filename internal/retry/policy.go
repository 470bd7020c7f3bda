// Package retry wraps one logical backend call with classification,
// backoff and model fallback. The decision logic is a pure state
// machine ([Policy.Next]) so it can be tested without any network code.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/catalogmatch/internal/llm"
	"github.com/nugget/catalogmatch/internal/ratelimit"
)

// Class groups failures by how they are recovered from.
type Class int

const (
	// ClassFatal is never retried: rejected credentials, exhausted
	// daily allowance, caller cancellation.
	ClassFatal Class = iota

	// ClassRateLimit waits at least RateLimitUnits before retrying.
	ClassRateLimit

	// ClassTransient covers server errors, malformed replies, network
	// failures and timeouts.
	ClassTransient

	// ClassSignature means the history's continuation tokens were
	// rejected. Another model cannot repair the history, so the same
	// model is retried and the failure does not count toward fallback.
	ClassSignature

	// ClassOther is any remaining failure.
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassRateLimit:
		return "rate_limit"
	case ClassTransient:
		return "transient"
	case ClassSignature:
		return "signature"
	default:
		return "other"
	}
}

// Classify maps an error to its recovery class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassOther
	case errors.Is(err, ratelimit.ErrDailyLimit):
		return ClassFatal
	case errors.Is(err, errCanceled), errors.Is(err, context.Canceled):
		return ClassFatal
	}
	switch llm.KindOf(err) {
	case llm.ErrAuth:
		return ClassFatal
	case llm.ErrRateLimit:
		return ClassRateLimit
	case llm.ErrServer, llm.ErrMalformed, llm.ErrNetwork:
		return ClassTransient
	case llm.ErrSignature:
		return ClassSignature
	}
	if llm.IsTimeout(err) {
		return ClassTransient
	}
	return ClassOther
}

// State is the controller's position within one logical call.
type State struct {
	// ModelIndex selects the active model in the fallback chain.
	ModelIndex int

	// Attempt counts attempts made so far, across all models.
	Attempt int

	// ConsecutiveFailures counts failures on the active model since it
	// became active.
	ConsecutiveFailures int
}

// Decision is the outcome of one transition.
type Decision struct {
	Next   State
	Delay  time.Duration
	GiveUp bool
}

// Policy holds the retry constants.
type Policy struct {
	// MaxAttempts bounds total attempts across every model.
	MaxAttempts int

	// FailuresBeforeFallback is how many consecutive failures on one
	// model promote the next model in the chain.
	FailuresBeforeFallback int

	// Unit is the base backoff delay.
	Unit time.Duration

	// RateLimitUnits is the minimum wait after a rate-limit failure,
	// in units.
	RateLimitUnits int
}

// DefaultPolicy returns the standard constants: five attempts, fallback
// after three consecutive failures, one-second units, ten-unit minimum
// wait on rate limiting.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:            5,
		FailuresBeforeFallback: 3,
		Unit:                   time.Second,
		RateLimitUnits:         10,
	}
}

// Backoff returns the delay after the given 1-based attempt. It doubles
// from one unit and resets every three attempts: 1, 2, 4, 1, 2, 4, ...
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Unit * time.Duration(1<<((attempt-1)%3))
}

// Next decides what follows a failed attempt. s is the state with
// Attempt already counting the failure; chainLen is the number of
// models available; retryAfter is the backend's requested delay, if any.
func (p Policy) Next(s State, class Class, chainLen int, retryAfter time.Duration) Decision {
	if class == ClassFatal || s.Attempt >= p.MaxAttempts {
		return Decision{Next: s, GiveUp: true}
	}

	next := s
	delay := p.Backoff(s.Attempt)

	switch class {
	case ClassSignature:
		// Same model, failure not counted.
	default:
		next.ConsecutiveFailures++
		if next.ConsecutiveFailures >= p.FailuresBeforeFallback && next.ModelIndex+1 < chainLen {
			next.ModelIndex++
			next.ConsecutiveFailures = 0
		}
	}

	if class == ClassRateLimit {
		floor := p.Unit * time.Duration(p.RateLimitUnits)
		delay = max(delay, floor, retryAfter)
	}
	return Decision{Next: next, Delay: delay}
}

// Chain builds the ordered fallback chain: the requested model first,
// then the defaults, without duplicates or blanks.
func Chain(requested string, defaults ...string) []string {
	var chain []string
	seen := make(map[string]bool)
	for _, m := range append([]string{requested}, defaults...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
	}
	return chain
}
