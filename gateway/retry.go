package gateway

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy is the one retry/backoff configuration shared by every
// exchange call site.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0.2 = ±20%
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// Do runs fn with capped exponential backoff. Rejections and not-found
// results return immediately; rate-limit errors honor the server hint
// when it is longer than the computed backoff.
func (p RetryPolicy) Do(ctx context.Context, sugar *zap.SugaredLogger, op string, fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return err
		}
		wait := delay
		if hint, ok := RetryHint(err); ok && hint > wait {
			wait = hint
		}
		if p.Jitter > 0 {
			spread := float64(wait) * p.Jitter
			wait = time.Duration(float64(wait) - spread + 2*spread*rand.Float64())
		}
		sugar.Debugw("retrying exchange call",
			"op", op,
			"attempt", attempt,
			"wait", wait.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
