package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newRetryPolicy yields base, 2*base, 4*base... capped at maxDelay, then
// backoff.Stop after maxAttempts delays.
func newRetryPolicy(base, maxDelay time.Duration, maxAttempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = maxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(maxAttempts))
}
