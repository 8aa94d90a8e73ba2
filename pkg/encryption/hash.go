package encryption

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// GenesisHash is the previous-hash value of the first ledger entry
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashData creates a SHA-256 hash of data
func HashData(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ChainHash links a payload to the hash of its predecessor
func ChainHash(prevHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'\n'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// EqualHash compares two hex digests without leaking timing
func EqualHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
