package claims

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SHA256Hex returns the lowercase hex SHA-256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DigestMatches reports whether the hex digest claimed matches SHA-256(data).
// Hex case is ignored; the final comparison is constant time.
func DigestMatches(claimed string, data []byte) bool {
	want, err := hex.DecodeString(claimed)
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256(data)
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}
