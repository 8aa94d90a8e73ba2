package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateNumericCode(t *testing.T) {
	for _, length := range []int{4, 6, 8} {
		code, err := GenerateNumericCode(length)
		require.NoError(t, err)
		assert.Len(t, code, length)
		for _, c := range code {
			assert.True(t, c >= '0' && c <= '9', "non-digit in %q", code)
		}
	}
}

func TestGenerateNumericCode_InvalidLength(t *testing.T) {
	_, err := GenerateNumericCode(2)
	assert.Error(t, err)

	_, err = GenerateNumericCode(12)
	assert.Error(t, err)
}

func TestGenerateNumericCode_Varies(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		code, err := GenerateNumericCode(8)
		require.NoError(t, err)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestCodeHasher_HashAndVerify(t *testing.T) {
	hasher := NewCodeHasher(bcrypt.MinCost)

	hashed, err := hasher.Hash("123456")
	require.NoError(t, err)
	assert.NotEqual(t, "123456", hashed)

	assert.NoError(t, hasher.Verify(hashed, "123456"))
	assert.ErrorIs(t, hasher.Verify(hashed, "654321"), ErrCodeMismatch)
}

func TestCodeHasher_MalformedHash(t *testing.T) {
	hasher := NewCodeHasher(bcrypt.MinCost)

	err := hasher.Verify("not-a-bcrypt-hash", "123456")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCodeMismatch)
}

func TestNewCodeHasher_ClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewCodeHasher(0).cost)
	assert.Equal(t, bcrypt.DefaultCost, NewCodeHasher(99).cost)
	assert.Equal(t, bcrypt.MinCost, NewCodeHasher(bcrypt.MinCost).cost)
}

func TestChainHash(t *testing.T) {
	first := ChainHash(GenesisHash, []byte(`{"a":1}`))
	assert.Len(t, first, 64)
	assert.Equal(t, first, ChainHash(GenesisHash, []byte(`{"a":1}`)))
	assert.NotEqual(t, first, ChainHash(GenesisHash, []byte(`{"a":2}`)))
	assert.NotEqual(t, first, ChainHash(first, []byte(`{"a":1}`)))

	assert.True(t, EqualHash(first, first))
	assert.False(t, EqualHash(first, GenesisHash))
}
