// Package signature implements Ed25519 signing over domain-separated claim
// bytes and the X-Nexus-Sig header encoding.
package signature

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Domain separates request signatures from response signatures so that one
// can never be accepted as the other.
type Domain string

const (
	DomainRequest  Domain = "nexus.leader_tool.request.v1."
	DomainResponse Domain = "nexus.leader_tool.response.v1."
)

// Size is the length of an Ed25519 signature.
const Size = ed25519.SignatureSize

var ErrInvalidPrivateKey = errors.New("invalid ed25519 private key")

// Message returns domain || claims.
func Message(domain Domain, claims []byte) []byte {
	msg := make([]byte, 0, len(domain)+len(claims))
	msg = append(msg, domain...)
	return append(msg, claims...)
}

// Sign signs domain || claims with key.
func Sign(domain Domain, claims []byte, key ed25519.PrivateKey) ([]byte, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPrivateKey, len(key))
	}
	return ed25519.Sign(key, Message(domain, claims)), nil
}

// Verify reports whether sig is a valid signature of domain || claims by pub.
// Malformed keys or signatures yield false.
func Verify(domain Domain, claims, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != Size {
		return false
	}
	return ed25519.Verify(pub, Message(domain, claims), sig)
}
