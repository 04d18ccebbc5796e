// Package retry runs network operations under bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/colorfulnotion/noteclient/clienterrors"
	"github.com/colorfulnotion/noteclient/log"
	"github.com/colorfulnotion/noteclient/telemetry"
)

type Policy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Do calls fn until it succeeds, fails with a non-retryable error, ctx ends or the policy
// runs out. Running out wraps the last error with clienterrors.ErrRetriesExhausted.
func Do(ctx context.Context, p Policy, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn()
		if err != nil && !clienterrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		telemetry.Retries.WithLabelValues(op).Inc()
		log.Debug(log.RPCMonitoring, "Retrying", "op", op, "attempt", attempts, "next", next, "err", err)
	})
	if err != nil && clienterrors.IsRetryable(err) {
		return fmt.Errorf("%s failed %d times: %w: %w", op, attempts, clienterrors.ErrRetriesExhausted, err)
	}
	return err
}
