package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/presence-server-go/internal/errors"
)

// Policy controls how an operation against a contended backing store is retried.
// The delay before retry n (0-indexed) is
// min(MaxDelay, InitialDelay*Multiplier^n) scaled by a random factor in
// [1-JitterFraction, 1+JitterFraction].
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	IsRetryable    func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialDelay:   50 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.2,
	}
}

// WithClassifier returns a copy of p that retries only errors fn accepts.
func (p Policy) WithClassifier(fn func(error) bool) Policy {
	p.IsRetryable = fn
	return p
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if apperrors.IsAppError(err) {
		return false
	}
	if p.IsRetryable == nil {
		return true
	}
	return p.IsRetryable(err)
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.JitterFraction
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a non-retryable error, or runs out of
// attempts. Non-retryable errors are returned unchanged. Running out of
// attempts returns a RETRY_EXHAUSTED AppError wrapping the last error, even
// when the policy allows a single attempt. A zero policy runs op once and
// returns its error unchanged.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		return op(ctx)
	}

	attempts := 0
	stopped := false

	wrapped := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil && !p.retryable(err) {
			stopped = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, delay time.Duration) {
		log.Debug().
			Err(err).
			Int("attempt", attempts).
			Dur("delay", delay).
			Msg("retrying backing store operation")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.MaxAttempts-1)), ctx)
	v, err := backoff.RetryNotifyWithData(wrapped, b, notify)
	if err == nil {
		return v, nil
	}
	if stopped || ctx.Err() != nil {
		return v, err
	}

	log.Warn().
		Err(err).
		Int("attempts", attempts).
		Msg("backing store operation exhausted retries")
	return v, apperrors.RetryExhausted(attempts, err)
}

// DoErr is Do for operations with no result.
func DoErr(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// IsExhausted reports whether err came from an operation that ran out of attempts.
func IsExhausted(err error) bool {
	return apperrors.HasCode(err, apperrors.ErrCodeRetryExhausted)
}
