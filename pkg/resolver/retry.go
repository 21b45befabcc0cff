package resolver

import (
	"context"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// retryTransient retries op with exponential backoff while it fails with a transient
// transport error. Any other error stops immediately.
func retryTransient[T any](ctx context.Context, cfg RetryConfig, logger *zap.Logger, op func() (T, error)) (T, error) {
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}

	var tries uint
	return backoff.Retry(ctx, func() (T, error) {
		tries++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !errors.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		logger.Debug("Retrying transient failure", zap.Uint("attempt", tries), zap.Error(err))
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
}
