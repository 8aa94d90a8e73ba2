package consent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/medrex/consent-engine/pkg/config"
	"github.com/medrex/consent-engine/pkg/logger"
	"github.com/medrex/consent-engine/pkg/types"
)

// parallel runs fn n times concurrently and waits for every call
func parallel(n int, fn func(i int)) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			fn(i)
		}(i)
	}
	close(start)
	wg.Wait()
}

func colleague(orgID string, i int) *types.Actor {
	a := doctor(orgID)
	a.UserID = fmt.Sprintf("doc-%s-%d", orgID, i)
	return a
}

func TestEngine_ConcurrentCreateRespectsDailyLimit(t *testing.T) {
	// a realistic hashing cost widens the gap between the gate and the commit
	h := newHarness(t, func(c *config.ConsentConfig) { c.OTPBcryptCost = bcrypt.DefaultCost })
	ctx := context.Background()

	const callers = 8
	errs := make([]error, callers)
	parallel(callers, func(i int) {
		_, errs[i] = h.engine.CreateRequest(ctx, colleague(requesterOrg, i), CreateRequestInput{
			PatientID: patientID,
			Scopes:    []types.Scope{types.ScopeReadRecords},
		})
	})

	created, limited := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case types.KindOf(err) == types.KindRateLimited:
			limited++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, created)
	assert.Equal(t, callers-3, limited)

	n, err := h.counters.Get(ctx, rateKey(requesterOrg, patientID))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	requests, err := h.engine.ListRequests(ctx, doctor(requesterOrg), types.AccessRequestFilters{})
	require.NoError(t, err)
	assert.Len(t, requests, 3)
}

func TestEngine_ConcurrentWrongCodesStopAtMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := h.request(t, doctor(requesterOrg))
	bad := wrongCode(h.notifier.codeFor(t, req.ID))

	const callers = 10
	kinds := make([]types.ErrorKind, callers)
	parallel(callers, func(i int) {
		_, err := h.engine.ApproveViaOTP(ctx, req.ID, bad, patient())
		kinds[i] = types.KindOf(err)
	})

	invalid, exceeded := 0, 0
	for _, k := range kinds {
		switch k {
		case types.KindInvalidCode:
			invalid++
		case types.KindAttemptsExceeded:
			exceeded++
		default:
			t.Errorf("unexpected kind %q", k)
		}
	}
	assert.Equal(t, 3, invalid)
	assert.Equal(t, callers-3, exceeded)

	require.NoError(t, h.store.WithTx(ctx, func(tx Tx) error {
		token, err := tx.GetTokenByRequest(ctx, req.ID, false)
		require.NoError(t, err)
		assert.Equal(t, 3, token.AttemptsCount)
		assert.Nil(t, token.UsedAt)
		return nil
	}))
}

func TestEngine_ConcurrentChecksCountEveryAllowedAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	grant := h.approve(t, h.request(t, doctor(requesterOrg)))

	const callers = 20
	allowed := make([]bool, callers)
	parallel(callers, func(i int) {
		decision, err := h.engine.CheckAccess(ctx, colleague(requesterOrg, i), patientID, types.ScopeReadRecords)
		allowed[i] = err == nil && decision.Allowed
	})

	var n int64
	for _, ok := range allowed {
		if ok {
			n++
		}
	}
	assert.Equal(t, int64(callers), n)

	require.NoError(t, h.store.WithTx(ctx, func(tx Tx) error {
		stored, err := tx.GetGrant(ctx, grant.ID, false)
		require.NoError(t, err)
		assert.Equal(t, n, stored.AccessCount)
		return nil
	}))

	reads, err := h.store.ListAuditLogs(ctx, types.AuditLogFilters{PatientID: patientID, Action: types.AuditRead, Limit: maxListLimit})
	require.NoError(t, err)
	assert.Len(t, reads, callers)
}

func TestEngine_RateSlotReleasedWhenLockedOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.counters.Incr(ctx, denialKey(requesterOrg, patientID), time.Hour)
		require.NoError(t, err)
	}

	_, err := h.engine.CreateRequest(ctx, doctor(requesterOrg), CreateRequestInput{
		PatientID: patientID,
		Scopes:    []types.Scope{types.ScopeReadRecords},
	})
	requireKind(t, err, types.KindDeniedLockout)

	n, err := h.counters.Get(ctx, rateKey(requesterOrg, patientID))
	require.NoError(t, err)
	assert.Zero(t, n)
}

// failingTxStore rejects every transaction
type failingTxStore struct {
	Store
	err error
}

func (s failingTxStore) WithTx(context.Context, func(tx Tx) error) error { return s.err }

func TestEngine_RateSlotReleasedWhenCommitFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	engine, err := NewEngine(Dependencies{
		Store:     failingTxStore{Store: h.store, err: errors.New("connection reset")},
		Directory: h.dir,
		Notifier:  h.notifier,
		Counters:  h.counters,
		Config:    testConsentConfig(),
		Logger:    logger.NewWithOutput("error", io.Discard),
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = engine.CreateRequest(ctx, colleague(requesterOrg, i), CreateRequestInput{
			PatientID: patientID,
			Scopes:    []types.Scope{types.ScopeReadRecords},
		})
		require.Error(t, err)
		assert.NotEqual(t, types.KindRateLimited, types.KindOf(err))
	}

	n, err := h.counters.Get(ctx, rateKey(requesterOrg, patientID))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_NoNotificationChannelReportsUndelivered(t *testing.T) {
	h := newHarness(t)
	engine, err := NewEngine(Dependencies{
		Store:     h.store,
		Directory: h.dir,
		Counters:  h.counters,
		Config:    testConsentConfig(),
		Logger:    logger.NewWithOutput("error", io.Discard),
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)

	res, err := engine.CreateRequest(context.Background(), doctor(requesterOrg), CreateRequestInput{
		PatientID: patientID,
		Scopes:    []types.Scope{types.ScopeReadRecords},
	})
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.Equal(t, types.StatusPending, res.Request.Status)
}
