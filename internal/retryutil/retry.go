package retryutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 2 * time.Second
	defaultMaxDelay    = 2 * time.Minute
)

var ErrAttemptsExhausted = errors.New("retryutil: attempts exhausted")

// Policy is a bounded exponential backoff schedule: BaseDelay doubles
// after every failed attempt, capped at MaxDelay, for at most
// MaxAttempts attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// Do runs fn under the policy. It returns nil on the first success,
// ctx.Err() if the context expires between attempts, and the last
// attempt error wrapped in ErrAttemptsExhausted once the bound is hit.
func Do(ctx context.Context, logger *slog.Logger, name string, p Policy, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.normalize()

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 && logger != nil {
				logger.Info(name+"_retry_ok", "attempt", attempt)
			}
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		if logger != nil {
			logger.Warn(name+"_retry_scheduled",
				"attempt", attempt,
				"delay", delay.String(),
				"error", lastErr.Error(),
			)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	if logger != nil {
		logger.Warn(name+"_retry_exhausted", "attempts", p.MaxAttempts, "error", lastErr.Error())
	}
	return fmt.Errorf("%w: %s: %v", ErrAttemptsExhausted, name, lastErr)
}
