package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds how long and how often a call to an external dependency is attempted
type Policy struct {
	Timeout     time.Duration // per attempt
	MaxRetries  int           // additional attempts after the first
	BaseBackoff time.Duration // doubled after every failed attempt
	MaxBackoff  time.Duration
}

// DefaultPolicy returns the policy used when configuration leaves values unset
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     2 * time.Second,
		MaxRetries:  2,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// ErrExhausted wraps the last error once every attempt has failed
var ErrExhausted = errors.New("retries exhausted")

// permanent marks an error that must not be retried
type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent stops the retry loop and returns err unchanged to the caller
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Do runs fn under the policy. Each attempt gets its own timeout derived from ctx.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		p.Timeout = DefaultPolicy().Timeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	backoff := p.BaseBackoff
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempt, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		var perm *permanent
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, p.MaxRetries+1, lastErr)
}
