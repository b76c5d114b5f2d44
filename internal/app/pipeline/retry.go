package pipeline

import (
	"time"

	"github.com/edupay/edupay/internal/domain"
)

// ─── Retry Policy ───────────────────────────────────────────────────────────

// RetryPolicy bounds redelivery of transiently-failed messages. It is an
// explicit object consumed by the worker pool, not an annotation scattered
// per method: one policy governs the whole pipeline.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy returns the shipped defaults: 3 attempts, 1s base,
// doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
	}
}

// Delay returns the backoff before redelivering attempt+1.
// Attempt numbering starts at 1; Delay(1) == BaseDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Exhausted reports whether a message that just failed its attempt-th
// delivery has used up its budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// ─── Error Routing ──────────────────────────────────────────────────────────

// Route is the terminal classification of a processing error.
type Route int

const (
	// RouteRetry redelivers with backoff: infrastructure hiccup.
	RouteRetry Route = iota
	// RoutePermanent publishes a failure event and acknowledges: invalid
	// business input, retry is futile.
	RoutePermanent
	// RouteDuplicate acknowledges silently: already processed.
	RouteDuplicate
)

// Classify routes an error per the pipeline's taxonomy. Anything not
// recognized as a business-rule violation or a duplicate is presumed to be
// transient infrastructure trouble.
func Classify(err error) Route {
	switch {
	case domain.IsDuplicate(err):
		return RouteDuplicate
	case domain.IsPermanent(err):
		return RoutePermanent
	default:
		return RouteRetry
	}
}
