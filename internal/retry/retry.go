// Package retry provides bounded retry with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy controls how often and how long Do retries.
type Policy struct {
	Attempts int           // total attempts, including the first
	Base     time.Duration // sleep after the first failure; doubles each attempt
}

// DefaultPolicy matches the file-lock contention bound used across relay.
var DefaultPolicy = Policy{Attempts: 3, Base: 100 * time.Millisecond}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is
// canceled. The last error is returned wrapped with the attempt count.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Base << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.Attempts, err)
}
