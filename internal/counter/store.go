// Package counter provides TTL-bounded atomic counters shared by the rate
// limiter, the denial lockout and the fraud detector.
package counter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/medrex/consent-engine/pkg/retry"
	"github.com/medrex/consent-engine/pkg/types"
)

// Store is a keyed counter store with per-key expiry.
//
// Incr is atomic: it increments the key and, only when the key had no
// expiry yet, sets it to ttl. The window of a key therefore starts with its
// first increment and every key expires within ttl of that moment.
//
// Decr gives back one unit taken by Incr. It never creates a key and never
// touches the expiry, so releasing into a window that already lapsed is a no-op.
type Store interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, key string) error
}

// Resilient bounds every call to the wrapped store by a timeout and retries
// transient failures with exponential backoff. Exhausted retries surface as
// types.ErrServiceUnavailable so callers can never mistake them for an allow.
//
// Reads are retried on any failure. Incr and Decr are retried only when the
// command provably never left this process; a timeout or a lost reply may
// already have been applied and fails as ServiceUnavailable instead.
type Resilient struct {
	store  Store
	policy retry.Policy
}

// NewResilient wraps a store with the given retry policy
func NewResilient(store Store, policy retry.Policy) *Resilient {
	return &Resilient{store: store, policy: policy}
}

// Incr implements Store
func (r *Resilient) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		n, err = r.store.Incr(ctx, key, ttl)
		return retryableWrite(err)
	})
	return n, writeUnavailable("incr", key, err)
}

// Decr implements Store
func (r *Resilient) Decr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		n, err = r.store.Decr(ctx, key)
		return retryableWrite(err)
	})
	return n, writeUnavailable("decr", key, err)
}

// Get implements Store
func (r *Resilient) Get(ctx context.Context, key string) (int64, error) {
	var n int64
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		n, err = r.store.Get(ctx, key)
		return err
	})
	return n, unavailable("get", key, err)
}

// TTL implements Store
func (r *Resilient) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		d, err = r.store.TTL(ctx, key)
		return err
	})
	return d, unavailable("ttl", key, err)
}

// Delete implements Store
func (r *Resilient) Delete(ctx context.Context, key string) error {
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.store.Delete(ctx, key)
	})
	return unavailable("delete", key, err)
}

// unsent reports whether err shows the command never reached the store
func unsent(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func retryableWrite(err error) error {
	if err == nil || unsent(err) {
		return err
	}
	return retry.Permanent(err)
}

// writeUnavailable maps every failed write to ServiceUnavailable. A write
// that was not retried still left the counter in an unknown state.
func writeUnavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsConsentError(err); ok {
		return err
	}
	return types.NewErrorWithCause(types.KindServiceUnavailable,
		"counter store unavailable, retry later", fmt.Errorf("%s %s: %w", op, key, err))
}

func unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, retry.ErrExhausted) {
		return types.NewErrorWithCause(types.KindServiceUnavailable,
			"counter store unavailable, retry later", fmt.Errorf("%s %s: %w", op, key, err))
	}
	return fmt.Errorf("counter %s %s: %w", op, key, err)
}
