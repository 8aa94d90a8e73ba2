package consent

import (
	"context"
	"fmt"
	"time"

	"github.com/medrex/consent-engine/internal/counter"
	"github.com/medrex/consent-engine/pkg/types"
)

func rateKey(orgID, patientID string) string {
	return fmt.Sprintf("consent:rate:%s:%s", orgID, patientID)
}

func denialKey(orgID, patientID string) string {
	return fmt.Sprintf("consent:denials:%s:%s", orgID, patientID)
}

// RateStatus is the outcome of a per (org, patient) quota check
type RateStatus struct {
	Allowed bool          `json:"allowed"`
	Count   int64         `json:"count"`
	Limit   int64         `json:"limit"`
	ResetIn time.Duration `json:"reset_in"`
}

// RateLimiter caps how many requests an organization may send one patient per window
type RateLimiter struct {
	store  counter.Store
	limit  int64
	window time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window
func NewRateLimiter(store counter.Store, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{store: store, limit: int64(limit), window: window}
}

// Reserve takes one unit of quota in a single atomic increment. A caller
// pushed over the limit gets its unit back and a RateLimited error; a
// reservation whose request is never created must be handed back with Release.
func (l *RateLimiter) Reserve(ctx context.Context, orgID, patientID string) (*RateStatus, error) {
	key := rateKey(orgID, patientID)
	n, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return nil, err
	}
	if n <= l.limit {
		return &RateStatus{Allowed: true, Count: n, Limit: l.limit, ResetIn: l.window}, nil
	}

	if _, err := l.store.Decr(ctx, key); err != nil {
		return nil, err
	}
	status := &RateStatus{Count: l.limit, Limit: l.limit, ResetIn: l.window}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		status.ResetIn = ttl
	}
	return status, types.NewError(types.KindRateLimited,
		fmt.Sprintf("request limit of %d per day reached for this patient, try again in %d minutes",
			status.Limit, minutesCeil(status.ResetIn))).
		WithResetIn(status.ResetIn).
		WithDetails(map[string]interface{}{"count": status.Count, "limit": status.Limit})
}

// Release returns a unit taken by Reserve
func (l *RateLimiter) Release(ctx context.Context, orgID, patientID string) error {
	_, err := l.store.Decr(ctx, rateKey(orgID, patientID))
	return err
}

// LockoutStatus is the outcome of a denial lockout check
type LockoutStatus struct {
	LockedOut bool          `json:"locked_out"`
	Denials   int64         `json:"denials"`
	ResetIn   time.Duration `json:"reset_in"`
}

// DenialLockout blocks new requests after repeated patient denials
type DenialLockout struct {
	store      counter.Store
	maxDenials int64
	window     time.Duration
}

// NewDenialLockout creates a lockout tripping after maxDenials within window
func NewDenialLockout(store counter.Store, maxDenials int, window time.Duration) *DenialLockout {
	return &DenialLockout{store: store, maxDenials: int64(maxDenials), window: window}
}

// RecordDenial counts one denial toward the lockout
func (d *DenialLockout) RecordDenial(ctx context.Context, orgID, patientID string) error {
	_, err := d.store.Incr(ctx, denialKey(orgID, patientID), d.window)
	return err
}

// CheckLockout reports whether the pair is currently locked out
func (d *DenialLockout) CheckLockout(ctx context.Context, orgID, patientID string) (*LockoutStatus, error) {
	key := denialKey(orgID, patientID)
	denials, err := d.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	status := &LockoutStatus{Denials: denials}
	if denials >= d.maxDenials {
		status.LockedOut = true
		ttl, err := d.store.TTL(ctx, key)
		if err != nil {
			return nil, err
		}
		status.ResetIn = ttl
		if ttl <= 0 {
			status.ResetIn = d.window
		}
	}
	return status, nil
}

// Enforce returns DeniedLockout carrying the cooldown while locked out
func (d *DenialLockout) Enforce(ctx context.Context, orgID, patientID string) (*LockoutStatus, error) {
	status, err := d.CheckLockout(ctx, orgID, patientID)
	if err != nil {
		return nil, err
	}
	if status.LockedOut {
		return status, types.NewError(types.KindDeniedLockout,
			fmt.Sprintf("patient denied %d requests, new requests are blocked for %d minutes",
				status.Denials, minutesCeil(status.ResetIn))).
			WithResetIn(status.ResetIn).
			WithDetails(map[string]interface{}{"denials": status.Denials})
	}
	return status, nil
}

func minutesCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Minute - 1) / time.Minute)
}
