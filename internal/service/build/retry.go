package build

import (
	"context"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the SleepFunc used outside tests.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff bounds RetryTransient. The delay starts at Initial and doubles
// after every transient failure; once it would exceed Ceiling the transient
// error is returned.
type Backoff struct {
	Initial time.Duration
	Ceiling time.Duration
	Sleep   SleepFunc
	// OnRetry, when set, is called before each sleep.
	OnRetry func(delay time.Duration, err error)
}

// DefaultBackoff waits 1s, 2s, 4s ... 32s between attempts.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Ceiling: 32 * time.Second, Sleep: Sleep}
}

// RetryTransient runs op until it succeeds, fails with an error transient
// does not match, or the backoff is used up.
func RetryTransient[T any](ctx context.Context, b Backoff, transient func(error) bool, op func(context.Context) (T, error)) (T, error) {
	sleep := b.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	delay := b.Initial
	if delay <= 0 {
		delay = time.Second
	}
	for {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !transient(err) || delay > b.Ceiling {
			return v, err
		}
		if b.OnRetry != nil {
			b.OnRetry(delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return v, serr
		}
		delay *= 2
	}
}
