package consent

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/consent-engine/pkg/encryption"
	"github.com/medrex/consent-engine/pkg/types"
)

// OTPVerifier issues and verifies the one-time codes bound to access requests
type OTPVerifier struct {
	hasher      *encryption.CodeHasher
	length      int
	ttl         time.Duration
	maxAttempts int
}

// NewOTPVerifier creates a verifier issuing codes of the given length
func NewOTPVerifier(hasher *encryption.CodeHasher, length int, ttl time.Duration, maxAttempts int) *OTPVerifier {
	return &OTPVerifier{hasher: hasher, length: length, ttl: ttl, maxAttempts: maxAttempts}
}

// Issue creates the token for a request. The plaintext code is returned once
// and never stored.
func (v *OTPVerifier) Issue(requestID string, now time.Time) (*types.ConsentToken, string, error) {
	code, err := encryption.GenerateNumericCode(v.length)
	if err != nil {
		return nil, "", err
	}
	hashed, err := v.hasher.Hash(code)
	if err != nil {
		return nil, "", err
	}

	token := &types.ConsentToken{
		ID:              uuid.New().String(),
		AccessRequestID: requestID,
		CodeHash:        hashed,
		AttemptsCount:   0,
		MaxAttempts:     v.maxAttempts,
		CreatedAt:       now,
		ExpiresAt:       now.Add(v.ttl),
	}
	return token, code, nil
}

// Verify checks a presented code. The checks run in a fixed order: expiry,
// prior use, attempt cap (before counting this attempt). Every admitted
// attempt increments the counter whatever its outcome; the caller must
// persist the token after every call.
func (v *OTPVerifier) Verify(token *types.ConsentToken, code string, now time.Time) error {
	if now.After(token.ExpiresAt) {
		return types.NewError(types.KindExpired, "one-time code has expired")
	}
	if token.UsedAt != nil {
		return types.NewError(types.KindAlreadyUsed, "one-time code has already been used")
	}
	if token.AttemptsCount >= token.MaxAttempts {
		return types.NewError(types.KindAttemptsExceeded, "maximum verification attempts exceeded")
	}

	token.AttemptsCount++

	if err := v.hasher.Verify(token.CodeHash, code); err != nil {
		if errors.Is(err, encryption.ErrCodeMismatch) {
			return types.NewError(types.KindInvalidCode, "invalid one-time code").
				WithDetails(map[string]interface{}{"attempts_left": token.MaxAttempts - token.AttemptsCount})
		}
		return types.NewErrorWithCause(types.KindInternal, "failed to verify code", err)
	}

	used := now
	token.UsedAt = &used
	return nil
}
