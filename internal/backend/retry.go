package backend

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy is a bounded retry budget with exponential backoff and jitter.
// Only transient failures (ErrUnavailable) are retried; permanent rejections
// surface immediately.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// ReadPolicy is the liberal budget for read-only calls.
var ReadPolicy = Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

// MutatePolicy is the strict budget for mutating calls that are idempotent
// per step or deduplicated by key. Raw creates must use SinglePolicy.
var MutatePolicy = Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

// SinglePolicy performs exactly one attempt. Used for raw create calls,
// where a blind retry risks double-provisioning.
var SinglePolicy = Policy{MaxAttempts: 1}

// sleep is swapped out in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn under the policy. The final transient error is returned
// wrapped so callers still match it with errors.Is(err, ErrUnavailable).
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		if serr := sleep(ctx, backoffDelay(p, attempt)); serr != nil {
			return serr
		}
	}
	return err
}

// backoffDelay doubles the base delay per attempt, caps it at MaxDelay, and
// applies full jitter so concurrent retries spread out.
func backoffDelay(p Policy, attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d))) + d/2
}
