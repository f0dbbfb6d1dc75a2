package fetcher

import "time"

// maxShift caps the exponent so large retry budgets cannot overflow.
const maxShift = 30

// Policy decides whether and when to retry a failed attempt.
type Policy struct {
	// MaxRetries is the number of attempts allowed after the first one.
	MaxRetries int
	// BaseDelay is the wait after the first failure; it doubles per failure.
	BaseDelay time.Duration
}

// DefaultPolicy allows three retries waiting 1s, 2s and 4s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second}
}

// Decision is the result of Policy.Decide.
type Decision struct {
	Retry bool
	Wait  time.Duration
}

// Decide returns what to do after the attempt with zero-based index failed
// with kind. It has no side effects.
func (p Policy) Decide(failed int, kind Kind) Decision {
	if !kind.Retryable() || failed < 0 || failed >= p.MaxRetries {
		return Decision{}
	}
	shift := failed
	if shift > maxShift {
		shift = maxShift
	}
	return Decision{Retry: true, Wait: p.BaseDelay * time.Duration(1<<shift)}
}
