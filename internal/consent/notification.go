package consent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medrex/consent-engine/pkg/retry"
	"github.com/medrex/consent-engine/pkg/types"
)

// OTPDelivery is the message asking a patient to confirm an access request
type OTPDelivery struct {
	RequestID   string                `json:"access_request_id"`
	Channel     types.DeliveryChannel `json:"channel"`
	Destination string                `json:"destination"`
	OrgName     string                `json:"org_name"`
	Reason      string                `json:"reason"`
	Scopes      []types.Scope         `json:"scopes"`
	Code        string                `json:"otp_code"`
	Language    string                `json:"language,omitempty"`
}

// Notifier delivers one-time codes to patients
type Notifier interface {
	DeliverOTP(ctx context.Context, d OTPDelivery) error
}

// BotNotifier posts deliveries to the chat bot's HTTP endpoint
type BotNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewBotNotifier creates a notifier posting to baseURL
func NewBotNotifier(baseURL, secret string, timeout time.Duration) *BotNotifier {
	return &BotNotifier{
		url:    strings.TrimRight(baseURL, "/") + "/api/v1/consent/notify",
		secret: secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// DeliverOTP implements Notifier. Client errors are permanent; server
// errors and transport failures may be retried.
func (n *BotNotifier) DeliverOTP(ctx context.Context, d OTPDelivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal delivery: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create delivery request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.secret)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver code: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("bot rejected delivery with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("bot returned status %d", resp.StatusCode)
	}
}

// RetryingNotifier bounds and retries deliveries of the wrapped notifier
type RetryingNotifier struct {
	next   Notifier
	policy retry.Policy
}

// NewRetryingNotifier wraps next with the given policy
func NewRetryingNotifier(next Notifier, policy retry.Policy) *RetryingNotifier {
	return &RetryingNotifier{next: next, policy: policy}
}

// DeliverOTP implements Notifier
func (r *RetryingNotifier) DeliverOTP(ctx context.Context, d OTPDelivery) error {
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.next.DeliverOTP(ctx, d)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, retry.ErrExhausted) {
		return types.NewErrorWithCause(types.KindServiceUnavailable, "notification channel unavailable", err)
	}
	return err
}

// ErrNoNotificationChannel is returned when no delivery endpoint is configured
var ErrNoNotificationChannel = errors.New("no notification channel configured")

// NoopNotifier delivers nothing. Used when no bot endpoint is configured, so
// every request reports its code as undelivered.
type NoopNotifier struct{}

// DeliverOTP implements Notifier
func (NoopNotifier) DeliverOTP(context.Context, OTPDelivery) error { return ErrNoNotificationChannel }
