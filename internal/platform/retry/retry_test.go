package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/depannage/dispatch/internal/platform/clock"
)

var errFlaky = errors.New("connection reset")

var policy = Policy{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second}

func TestDelay(t *testing.T) {
	tests := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		4: 800 * time.Millisecond,
		6: 3200 * time.Millisecond,
		7: 5 * time.Second,
		9: 5 * time.Second,
	}
	for attempt, want := range tests {
		if got := policy.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), clk, policy, nil, func(context.Context, int) error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
	}()

	clk.WaitForTimers(1)
	clk.Advance(100 * time.Millisecond)
	clk.WaitForTimers(1)
	clk.Advance(200 * time.Millisecond)

	if err := <-done; err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentErrorAndExhaustion(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	errFinal := errors.New("conflict")

	calls := 0
	err := Do(context.Background(), clk, policy, func(err error) bool { return !errors.Is(err, errFinal) },
		func(context.Context, int) error {
			calls++
			return errFinal
		})
	if !errors.Is(err, errFinal) || calls != 1 {
		t.Fatalf("permanent error: err = %v after %d calls, want one call", err, calls)
	}

	calls = 0
	noWait := Policy{MaxAttempts: 3}
	err = Do(context.Background(), clk, noWait, nil, func(context.Context, int) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) || calls != 3 {
		t.Fatalf("exhaustion: err = %v after %d calls, want 3", err, calls)
	}

	calls = 0
	if err := Do(context.Background(), clk, Policy{}, nil, func(context.Context, int) error {
		calls++
		return errFlaky
	}); err == nil || calls != 1 {
		t.Fatalf("zero policy: err = %v after %d calls, want one failing call", err, calls)
	}
}
