package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/consent-engine/internal/counter"
	"github.com/medrex/consent-engine/pkg/types"
)

func newTestCounters(now time.Time) (*counter.MemoryStore, *testClock) {
	clock := &testClock{now: now}
	store := counter.NewMemoryStore()
	store.SetClock(clock.Now)
	return store, clock
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestCounters(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(store, 3, 24*time.Hour)

	for i := 1; i <= 3; i++ {
		status, err := limiter.Reserve(ctx, "org", "patient")
		require.NoError(t, err)
		assert.True(t, status.Allowed)
		assert.Equal(t, int64(i), status.Count)
	}

	clock.Advance(time.Hour)
	status, err := limiter.Reserve(ctx, "org", "patient")
	ce, ok := types.AsConsentError(err)
	require.True(t, ok)
	assert.Equal(t, types.KindRateLimited, ce.Kind)
	assert.False(t, status.Allowed)
	assert.Equal(t, int64(3), ce.Details["count"])
	assert.Equal(t, 23*time.Hour, ce.ResetIn)
	assert.Contains(t, ce.Message, "1380 minutes")

	// a rejected reservation gives its unit back
	n, err := store.Get(ctx, rateKey("org", "patient"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// other pairs are unaffected
	status, err = limiter.Reserve(ctx, "org", "other-patient")
	require.NoError(t, err)
	assert.True(t, status.Allowed)

	clock.Advance(23 * time.Hour)
	status, err = limiter.Reserve(ctx, "org", "patient")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Count)
}

func TestRateLimiter_ReleaseReturnsSlot(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestCounters(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(store, 1, time.Hour)

	_, err := limiter.Reserve(ctx, "org", "patient")
	require.NoError(t, err)
	_, err = limiter.Reserve(ctx, "org", "patient")
	assert.Equal(t, types.KindRateLimited, types.KindOf(err))

	require.NoError(t, limiter.Release(ctx, "org", "patient"))
	_, err = limiter.Reserve(ctx, "org", "patient")
	require.NoError(t, err)

	// releasing after the window lapsed does not open a new one
	clock.Advance(time.Hour)
	require.NoError(t, limiter.Release(ctx, "org", "patient"))
	n, err := store.Get(ctx, rateKey("org", "patient"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRateLimiter_ConcurrentReservations(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestCounters(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewRateLimiter(store, 3, 24*time.Hour)

	const callers = 16
	granted := make([]bool, callers)
	parallel(callers, func(i int) {
		_, err := limiter.Reserve(ctx, "org", "patient")
		granted[i] = err == nil
	})

	n := 0
	for _, ok := range granted {
		if ok {
			n++
		}
	}
	assert.Equal(t, 3, n)
	count, err := store.Get(ctx, rateKey("org", "patient"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestDenialLockout(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestCounters(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	lockout := NewDenialLockout(store, 3, time.Hour)

	for i := 0; i < 2; i++ {
		require.NoError(t, lockout.RecordDenial(ctx, "org", "patient"))
	}
	status, err := lockout.Enforce(ctx, "org", "patient")
	require.NoError(t, err)
	assert.False(t, status.LockedOut)
	assert.Equal(t, int64(2), status.Denials)

	clock.Advance(10 * time.Minute)
	require.NoError(t, lockout.RecordDenial(ctx, "org", "patient"))

	status, err = lockout.Enforce(ctx, "org", "patient")
	assert.Equal(t, types.KindDeniedLockout, types.KindOf(err))
	assert.True(t, status.LockedOut)
	assert.Equal(t, 50*time.Minute, status.ResetIn)

	clock.Advance(50 * time.Minute)
	status, err = lockout.CheckLockout(ctx, "org", "patient")
	require.NoError(t, err)
	assert.False(t, status.LockedOut)
}

func TestMinutesCeil(t *testing.T) {
	assert.Equal(t, int64(0), minutesCeil(0))
	assert.Equal(t, int64(1), minutesCeil(time.Second))
	assert.Equal(t, int64(1), minutesCeil(time.Minute))
	assert.Equal(t, int64(2), minutesCeil(time.Minute+time.Second))
}
