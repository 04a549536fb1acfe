// Package retry repeats transient failures with capped exponential backoff.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sahan-penakalapati/hedwig/pkg/faults"
)

const (
	DefaultMaxRetries = 3
	DefaultBase       = 500 * time.Millisecond
	DefaultMax        = 8 * time.Second
)

// Policy bounds retries. MaxRetries counts attempts after the first.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	// MaxJitter adds a deterministic delay in [0, MaxJitter) derived from
	// the call key and attempt.
	MaxJitter time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Base: DefaultBase, Max: DefaultMax, MaxJitter: DefaultBase / 2}
}

// Backoff returns the delay before attempt+1 after attempt failed.
func (p Policy) Backoff(key string, attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}
	delay := p.Base * time.Duration(int64(1)<<exp)
	if p.Max > 0 && (delay > p.Max || delay <= 0) {
		delay = p.Max
	}
	return delay + jitter(key, attempt, p.MaxJitter)
}

func jitter(key string, attempt int, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(max)) //nolint:gosec // max is positive
}

// Notify observes a failed attempt that will be retried after delay.
type Notify func(attempt int, err error, delay time.Duration)

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The returned error carries the attempt number.
// Cancellation while waiting is reported as TaskCancelled.
func Do(ctx context.Context, p Policy, key string, fn func(ctx context.Context, attempt int) error, notify Notify) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		err = stamp(err, attempt)
		if ctx.Err() != nil || !faults.IsRetryable(err) || attempt > p.MaxRetries {
			return err
		}
		delay := p.Backoff(key, attempt)
		if notify != nil {
			notify(attempt, err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return &faults.Error{Kind: faults.KindTaskCancelled, Op: "retry.wait", Subject: key, Attempt: attempt, Err: errors.Join(ctx.Err(), err)}
		case <-t.C:
		}
	}
}

func stamp(err error, attempt int) error {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return faults.WithAttempt(err, attempt)
	}
	return &faults.Error{Kind: faults.KindOf(err), Attempt: attempt, Err: err}
}
