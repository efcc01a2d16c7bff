// Package retry wraps store operations with bounded retries for transient
// connectivity failures. The wrapper never changes an operation's semantics,
// only its resilience: non-transient errors propagate immediately.
package retry

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultAttempts is the total number of tries, including the first.
	DefaultAttempts = 3
	// DefaultBaseDelay seeds the exponential backoff schedule.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps a single backoff sleep.
	DefaultMaxDelay = 10 * time.Second
)

// The underlying store can surface transient failures as generic errors, so
// classification matches error text rather than type alone.
var transientMarkers = []string{
	"ssl",
	"tls",
	"handshake",
	"eof",
	"connection",
	"disconnected",
	"reset",
	"broken pipe",
	"timed out",
	"timeout",
	"network",
}

// Transient reports whether an error looks like a retryable connectivity
// failure.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Policy describes the retry schedule. The zero value is unusable; use
// Default() or fill every field.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the production policy: 3 attempts, 1s base, 10s cap.
func Default() Policy {
	return Policy{
		Attempts:  DefaultAttempts,
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
	}
}

// Delay computes the backoff before retry number attempt (0-based):
// min(base * 2^attempt, cap).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Do runs op, retrying transient failures per the policy. The last error is
// returned once attempts are exhausted.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
		last = err
		if attempt == p.Attempts-1 {
			break
		}
		delay := p.Delay(attempt)
		slog.Warn("transient store error, retrying",
			"op", name,
			"attempt", attempt+1,
			"max_attempts", p.Attempts,
			"delay", delay,
			"error", err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	slog.Error("store operation failed after retries", "op", name, "attempts", p.Attempts, "error", last)
	return last
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, name, func(ctx context.Context) error {
		var err error
		out, err = op(ctx)
		return err
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
