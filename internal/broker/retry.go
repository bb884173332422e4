package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds redelivery of a failed job: MaxAttempts deliveries in
// total, spaced by exponential backoff between InitialInterval and MaxInterval.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a zero policy is supplied
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialInterval: 500 * time.Millisecond, MaxInterval: 30 * time.Second}
}

// Permanent marks an error that must not be retried
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// Run calls op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. notify sees every failure that will be retried.
// The returned int is the number of attempts made.
func (p RetryPolicy) Run(ctx context.Context, op func() error, notify func(err error, attempt int, wait time.Duration)) (int, error) {
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return op()
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	})
	return attempts, err
}

// RunUntilDone calls op until it succeeds, returns a permanent error or ctx is
// done. The attempt limit does not apply.
func (p RetryPolicy) RunUntilDone(ctx context.Context, op func() error, notify func(err error, attempt int, wait time.Duration)) error {
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0

	attempts := 0
	return backoff.RetryNotify(func() error {
		attempts++
		return op()
	}, backoff.WithContext(exp, ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempts, wait)
		}
	})
}
