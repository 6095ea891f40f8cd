package api

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"walletsync/internal/logger"
	"walletsync/internal/metrics"
)

// RetryPolicy is a capped exponential backoff
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Attempts   int
}

// DefaultRetryPolicy waits 1s, then 2s, capped at 10s, over 3 attempts
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       1 * time.Second,
		Multiplier: 2,
		Max:        10 * time.Second,
		Attempts:   3,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.Max
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)
}

// Retry runs fn until it succeeds, fails with a non-retryable error or the
// policy's attempts are used up. operation labels logs and metrics.
func Retry(ctx context.Context, policy RetryPolicy, operation string, fn func() error) error {
	policy = policy.withDefaults()

	op := func() error {
		err := fn()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.APIRetries.WithLabelValues(operation).Inc()
		logger.Debug("api", "request_retry", fmt.Sprintf("operation=%s wait=%v error=%s", operation, wait, err.Error()))
	}

	return backoff.RetryNotify(op, policy.backOff(ctx), notify)
}
