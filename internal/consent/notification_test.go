package consent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/consent-engine/pkg/retry"
	"github.com/medrex/consent-engine/pkg/types"
)

var fastPolicy = retry.Policy{Timeout: time.Second, MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

func testDelivery() OTPDelivery {
	return OTPDelivery{
		RequestID:   "req-1",
		Channel:     types.ChannelTelegram,
		Destination: "100200300",
		OrgName:     "Clinic A",
		Reason:      "consultation",
		Scopes:      []types.Scope{types.ScopeReadRecords},
		Code:        "123456",
		Language:    "ru",
	}
}

func TestBotNotifier_DeliverOTP(t *testing.T) {
	var got OTPDelivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/consent/notify", r.URL.Path)
		assert.Equal(t, "Bearer bot-secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewBotNotifier(srv.URL+"/", "bot-secret", time.Second)
	require.NoError(t, n.DeliverOTP(context.Background(), testDelivery()))
	assert.Equal(t, testDelivery(), got)
}

func TestRetryingNotifier(t *testing.T) {
	t.Run("client error is not retried", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		n := NewRetryingNotifier(NewBotNotifier(srv.URL, "s", time.Second), fastPolicy)
		err := n.DeliverOTP(context.Background(), testDelivery())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 400")
		assert.NotEqual(t, types.KindServiceUnavailable, types.KindOf(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("server error exhausts retries", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		n := NewRetryingNotifier(NewBotNotifier(srv.URL, "s", time.Second), fastPolicy)
		err := n.DeliverOTP(context.Background(), testDelivery())
		requireKind(t, err, types.KindServiceUnavailable)
		assert.True(t, errors.Is(err, retry.ErrExhausted))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("throttled delivery recovers", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		n := NewRetryingNotifier(NewBotNotifier(srv.URL, "s", time.Second), fastPolicy)
		require.NoError(t, n.DeliverOTP(context.Background(), testDelivery()))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestNoopNotifier(t *testing.T) {
	err := NoopNotifier{}.DeliverOTP(context.Background(), testDelivery())
	assert.ErrorIs(t, err, ErrNoNotificationChannel)
}
