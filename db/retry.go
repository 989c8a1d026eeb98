package db

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/sym"
)

// Retry defaults for a store waking from a cold start.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
)

// Retrier re-runs store operations that fail with transient errors.
// Non-transient errors return immediately. When retries run out the last error
// is marked ErrStoreUnavailable.
type Retrier struct {
	Attempts int // retries after the first try
	Delay    time.Duration
	Logger   *zap.SugaredLogger
}

// NewRetrier builds a Retrier. Negative attempts or a non-positive delay fall
// back to the defaults.
func NewRetrier(attempts int, delay time.Duration, logger *zap.SugaredLogger) *Retrier {
	if attempts < 0 {
		attempts = DefaultRetryAttempts
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Retrier{Attempts: attempts, Delay: delay, Logger: logger}
}

// Do runs fn, retrying transient failures at a constant delay. title names
// the operation in logs and in the returned error.
func (r *Retrier) Do(ctx context.Context, title string, fn func(ctx context.Context) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			err := fn(ctx)
			if err != nil && !IsTransient(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.Delay)),
		backoff.WithMaxTries(uint(r.Attempts+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			attempt++
			r.Logger.Warnw("Store operation failed, retrying",
				logger.FieldSymbol, sym.DB,
				logger.FieldOperation, title,
				logger.FieldAttempt, attempt,
				"max_attempts", r.Attempts,
				"delay", next,
				logger.FieldError, err,
			)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return errors.Wrapf(err, "%s: cancelled while retrying", title)
	case IsTransient(err):
		return errors.StoreUnavailable(err, title)
	default:
		return err
	}
}
