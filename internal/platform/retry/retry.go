// Package retry runs an operation under a bounded exponential backoff whose
// waits go through the clock port, so tests drive them with a fake clock.
package retry

import (
	"context"
	"time"

	"github.com/depannage/dispatch/internal/platform/clock"
)

// Policy bounds a retry loop: at most MaxAttempts calls, waiting
// BaseBackoff before the second and doubling up to MaxBackoff.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Attempts is MaxAttempts with a floor of one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do calls fn until it returns nil, returns an error retryable rejects, or
// the attempts run out. The last error is returned. A nil retryable
// retries every error.
func Do(ctx context.Context, clk clock.Clock, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt >= p.Attempts() || (retryable != nil && !retryable(err)) {
			return err
		}
		if d := p.Delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-clk.After(d):
			}
		}
	}
}
