package oplog

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
)

// retryer runs source and sink calls with bounded exponential backoff.
type retryer struct {
	opts   *Options
	clock  clock.Clock
	logger *zap.Logger
}

// call runs fn until it succeeds, fails permanently, the attempts run out or
// ctx is done. The returned error wraps the last failure.
func (r retryer) call(ctx context.Context, op string, fn func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:         fn,
		IsFatalError: isPermanent,
		NotifyFunc: func(err error, attempt int) {
			r.logger.Warn("Retrying after failure",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
		Attempts:    r.opts.MaxAttempts,
		Delay:       r.opts.RetryDelay,
		MaxDelay:    r.opts.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}

	switch {
	case retry.IsAttemptsExceeded(err):
		return fmt.Errorf("%s failed after %d attempts: %w", op, r.opts.MaxAttempts, retry.LastError(err))
	case retry.IsRetryStopped(err):
		if last := retry.LastError(err); last != nil {
			return fmt.Errorf("%s interrupted: %w (last error: %v)", op, context.Cause(ctx), last)
		}
		return fmt.Errorf("%s interrupted: %w", op, context.Cause(ctx))
	default:
		return err
	}
}
