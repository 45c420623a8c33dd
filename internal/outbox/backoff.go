package outbox

import (
	"math"
	"math/rand"
	"time"
)

// Policy is the bounded exponential backoff applied to transient failures.
// After MaxAttempts the entry stops auto-retrying and becomes user-retriable.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the documented retry ladder: 1s, 2s, 4s... capped
// at 30s, five attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the jittered delay before the given attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(p.Base) * 0.5)
	return time.Duration(math.Min(
		float64(p.Base)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(p.Max),
	))
}

// Exhausted reports whether the attempt count has used up the retry budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
