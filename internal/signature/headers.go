package signature

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
)

const (
	HeaderVersion = "X-Nexus-Sig-V"
	HeaderInput   = "X-Nexus-Sig-Input"
	HeaderSig     = "X-Nexus-Sig"

	Version = "1"
)

var (
	ErrMissingHeader          = errors.New("missing signature header")
	ErrUnsupportedVersion     = errors.New("unsupported signature version")
	ErrInvalidHeaderBase64    = errors.New("invalid base64url in signature header")
	ErrInvalidSignatureLength = errors.New("invalid signature length")
)

// Headers carries the encoded X-Nexus-Sig-* values.
type Headers struct {
	Input string
	Sig   string
}

// Decoded is the raw claims bytes and signature carried by Headers.
type Decoded struct {
	Input []byte
	Sig   []byte
}

// EncodeHeaders base64url-encodes claims bytes and a signature.
func EncodeHeaders(input, sig []byte) Headers {
	return Headers{
		Input: base64.RawURLEncoding.EncodeToString(input),
		Sig:   base64.RawURLEncoding.EncodeToString(sig),
	}
}

// Apply sets the three signature headers on h.
func (s Headers) Apply(h http.Header) {
	h.Set(HeaderVersion, Version)
	h.Set(HeaderInput, s.Input)
	h.Set(HeaderSig, s.Sig)
}

// Present reports whether any signature header is set on h.
func Present(h http.Header) bool {
	return h.Get(HeaderVersion) != "" || h.Get(HeaderInput) != "" || h.Get(HeaderSig) != ""
}

// DecodeHeaders extracts and decodes the signature headers from h. It does
// not parse the claims or verify the signature.
func DecodeHeaders(h http.Header) (*Decoded, error) {
	v := h.Get(HeaderVersion)
	if v == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderVersion)
	}
	if v != Version {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}

	in := h.Get(HeaderInput)
	if in == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderInput)
	}
	sig := h.Get(HeaderSig)
	if sig == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, HeaderSig)
	}

	input, err := base64.RawURLEncoding.DecodeString(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeaderBase64, HeaderInput, err)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeaderBase64, HeaderSig, err)
	}
	if len(sigBytes) != Size {
		return nil, fmt.Errorf("%w: %d, expected %d", ErrInvalidSignatureLength, len(sigBytes), Size)
	}

	return &Decoded{Input: input, Sig: sigBytes}, nil
}
