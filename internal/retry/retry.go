// Package retry implements the single retry policy used for every
// store and relay call in the backend: a bounded number of attempts
// with exponential backoff, applied only to transport-class failures.
package retry

import (
	"context"
	"log"
	"time"

	"github.com/coursechat/backend/internal/fault"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	Attempts int           // total attempts, including the first
	Backoff  time.Duration // delay before the second attempt; doubles each retry
}

// DefaultPolicy matches the store and relay defaults: 3 attempts with
// a 2s base backoff (2s, 4s).
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Backoff: 2 * time.Second}
}

// Do runs fn up to p.Attempts times, sleeping between attempts. Only
// errors classified retryable by fault.Retryable are retried; any other
// error aborts immediately. The op name is used for logging.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.Backoff
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Printf("[retry] %s attempt %d/%d after %s: %v", op, i+1, attempts, delay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err = fn(); err == nil {
			return nil
		}
		if !fault.Retryable(err) {
			return err
		}
	}
	return err
}
