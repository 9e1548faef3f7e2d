package peers

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sessionsync/internal/metrics"
)

// Retrier retries cluster operations such as seed joins with capped
// exponential backoff.
type Retrier struct {
	policy  RetryPolicy
	logger  log.Logger
	metrics *metrics.Registry
}

func NewRetrier(policy RetryPolicy, logger log.Logger, reg *metrics.Registry) *Retrier {
	return &Retrier{
		policy:  policy,
		logger:  logger,
		metrics: reg,
	}
}

// Do executes fn until it returns nil, the policy is exhausted or ctx is
// cancelled. Any non-nil error is treated as retryable; the last one is
// returned.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	backoff := r.policy.BaseBackoff

	for {
		err := fn()
		if err == nil {
			if attempt > 0 {
				level.Info(r.logger).Log("op", op, "msg", "succeeded after retry", "retries", attempt)
			}
			return nil
		}

		attempt++
		if attempt > r.policy.MaxRetries {
			r.metrics.Inc(metrics.RetriesExhaustedTotal)
			level.Warn(r.logger).Log("op", op, "msg", "retries exhausted", "attempts", attempt, "error", err)
			return err
		}

		delay := backoff
		if r.policy.JitterFn != nil {
			delay += r.policy.JitterFn(backoff)
		}
		if delay > r.policy.MaxBackoff {
			delay = r.policy.MaxBackoff
		}

		r.metrics.Inc(metrics.RetriesTotal)
		level.Debug(r.logger).Log("op", op, "msg", "retrying", "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			backoff *= 2
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
