package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// suiEd25519Flag prefixes Ed25519 keys exported by Sui tooling.
const suiEd25519Flag = 0x00

var (
	ErrInvalidHex           = errors.New("invalid hex key")
	ErrInvalidBase64        = errors.New("invalid base64 key")
	ErrUnsupportedKeyScheme = errors.New("unsupported sui key scheme flag")
	ErrInvalidKeyLength     = errors.New("invalid key length")
)

// ParseSigningKey decodes an Ed25519 seed given as hex (optionally 0x
// prefixed) or base64 in any of the standard alphabets. A 33-byte value with
// a leading Sui Ed25519 flag byte is accepted.
func ParseSigningKey(s string) (ed25519.PrivateKey, error) {
	s = strings.TrimSpace(s)
	raw, err := decodeKeyBytes(s)
	if err != nil {
		return nil, err
	}

	switch len(raw) {
	case ed25519.SeedSize:
	case ed25519.SeedSize + 1:
		if raw[0] != suiEd25519Flag {
			return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedKeyScheme, raw[0])
		}
		raw = raw[1:]
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(raw))
	}

	return ed25519.NewKeyFromSeed(raw), nil
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePublicKey returns the lowercase hex form used in allowlist files.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

func decodeKeyBytes(s string) ([]byte, error) {
	if h, ok := strings.CutPrefix(s, "0x"); ok {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
		}
		return raw, nil
	}
	if len(s) == 2*ed25519.SeedSize && isHex(s) {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
		}
		return raw, nil
	}

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, ErrInvalidBase64
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
