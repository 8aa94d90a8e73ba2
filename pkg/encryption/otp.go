package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinCodeLength bounds how small the numeric code space may get
	MinCodeLength = 4
	// MaxCodeLength keeps codes typeable on a phone keypad
	MaxCodeLength = 10
)

// ErrCodeMismatch is returned when a presented code does not match the stored hash
var ErrCodeMismatch = errors.New("code does not match")

// CodeHasher hashes and verifies one-time codes
type CodeHasher struct {
	cost int
}

// NewCodeHasher creates a hasher using the given bcrypt cost. Out-of-range
// costs fall back to bcrypt.DefaultCost.
func NewCodeHasher(cost int) *CodeHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &CodeHasher{cost: cost}
}

// GenerateNumericCode returns a uniformly random decimal code of the given length
func GenerateNumericCode(length int) (string, error) {
	if length < MinCodeLength || length > MaxCodeLength {
		return "", fmt.Errorf("code length must be between %d and %d, got %d", MinCodeLength, MaxCodeLength, length)
	}

	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to read random digit: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// Hash returns the one-way hash of a code
func (h *CodeHasher) Hash(code string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}
	return string(hashed), nil
}

// Verify compares a code against its stored hash in constant time
func (h *CodeHasher) Verify(hashed, code string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(code))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrCodeMismatch
	}
	return fmt.Errorf("failed to verify code: %w", err)
}
