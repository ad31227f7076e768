package util

import (
	"context"
	"time"
)

// Retry executes fn up to attempts times. Between attempts it waits backoff,
// doubling each time. A nil retryable treats every error as transient.
func Retry(ctx context.Context, attempts int, backoff time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts <= 1 {
		return fn()
	}
	var err error
	wait := backoff
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
	return err
}
