package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voxchat/voxchat/domain"
	"github.com/voxchat/voxchat/utils/log"
)

// RetryPolicy bounds one retried operation.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// RetryExecutor runs an operation with bounded exponential backoff,
// consulting the error classifier between attempts. The last observed error
// propagates unchanged once attempts are exhausted.
type RetryExecutor struct {
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryExecutor builds an executor with real timers.
func NewRetryExecutor() *RetryExecutor {
	return &RetryExecutor{sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run invokes op up to policy.MaxRetries times. After a retryable failure on
// attempt k it waits BaseDelay*2^(k-1); a non-retryable failure or the final
// attempt propagates immediately.
func (e *RetryExecutor) Run(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (domain.Completion, error)) (domain.Completion, error) {
	attempts := policy.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		completion, err := op(ctx)
		if err == nil {
			return completion, nil
		}
		lastErr = err

		classified := domain.Classify(err)
		if !classified.Retryable || attempt == attempts {
			return domain.Completion{}, lastErr
		}

		delay := policy.BaseDelay << (attempt - 1)
		log.WithCtx(ctx).Debug("retrying after failure",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("kind", string(classified.Kind)))

		if err := e.sleep(ctx, delay); err != nil {
			return domain.Completion{}, lastErr
		}
	}
	return domain.Completion{}, lastErr
}
