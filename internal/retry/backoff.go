// Package retry provides the exponential backoff shared by every component that
// reconnects to infrastructure (Postgres, Redis, Kafka).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alexnthnz/push-delivery/internal/config"
)

// Policy describes an exponential backoff with a capped delay.
// MaxAttempts of zero retries until the context is done.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// FromConfig builds a Policy from the retry section of the configuration.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
	}
}

// NewBackOff returns a fresh backoff bound to ctx.
func (p Policy) NewBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, returns a permanent error, or the policy gives up.
// notify, when non-nil, is called before every wait.
func Do(ctx context.Context, p Policy, op func() error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(op, p.NewBackOff(ctx), notify)
}

// Permanent marks err so Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
