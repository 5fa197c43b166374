package util

import (
	"context"
	"time"
)

// RetryPolicy is a bounded retry schedule with exponential backoff.
// A zero policy means "try once, no retry".
type RetryPolicy struct {
	Attempts   int           // total attempts, including the first
	Backoff    time.Duration // delay before the second attempt
	MaxBackoff time.Duration // backoff cap; 0 means uncapped
}

// Do runs fn up to p.Attempts times, doubling the backoff between attempts.
// It returns nil on the first success, the last error on exhaustion, or
// ctx.Err() if the context is cancelled while waiting.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := p.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
