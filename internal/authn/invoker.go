package authn

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rsclarke/toolauth/internal/allowlist"
	"github.com/rsclarke/toolauth/internal/claims"
	"github.com/rsclarke/toolauth/internal/config"
	"github.com/rsclarke/toolauth/internal/signature"
)

// DefaultRequestValidity is the window an Invoker gives its requests.
const DefaultRequestValidity = 30 * time.Second

// Invoker signs requests on behalf of a leader and verifies the tool's
// signed replies.
type Invoker struct {
	LeaderID  string
	LeaderKID uint64
	Key       ed25519.PrivateKey

	// Tools holds the public keys of the tools this leader calls, keyed by
	// tool id and tool kid.
	Tools *allowlist.Directory

	// Validity is exp_ms - iat_ms for outgoing requests.
	Validity time.Duration
	// ClockSkew and MaxValidity govern acceptance of response claims. A nil
	// ClockSkew means config.DefaultClockSkew; zero demands exact clocks.
	// A non-positive MaxValidity means config.DefaultMaxValidity.
	ClockSkew   *time.Duration
	MaxValidity time.Duration

	Now func() time.Time
}

func (iv *Invoker) now() time.Time {
	if iv.Now != nil {
		return iv.Now()
	}
	return time.Now()
}

// Outbound is one signed request awaiting its reply.
type Outbound struct {
	ToolID   string
	Claims   claims.Request
	SigInput []byte
	Headers  signature.Headers

	inv *Invoker
}

// Begin builds and signs request claims with a fresh nonce.
func (iv *Invoker) Begin(toolID, method, path, query string, body []byte) (*Outbound, error) {
	validity := iv.Validity
	if validity <= 0 {
		validity = DefaultRequestValidity
	}
	nowMS := uint64(max(iv.now().UnixMilli(), 0))

	c := claims.Request{
		LeaderID:    iv.LeaderID,
		LeaderKID:   iv.LeaderKID,
		ToolID:      toolID,
		IssuedAtMS:  nowMS,
		ExpiresAtMS: nowMS + uint64(validity.Milliseconds()),
		Nonce:       uuid.NewString(),
		Method:      method,
		Path:        path,
		Query:       query,
		BodySHA256:  claims.SHA256Hex(body),
	}
	return iv.sign(c)
}

// Sign signs caller-supplied claims. It is used to repeat a request with
// the same nonce.
func (iv *Invoker) Sign(c claims.Request) (*Outbound, error) {
	return iv.sign(c)
}

func (iv *Invoker) sign(c claims.Request) (*Outbound, error) {
	input, err := claims.Encode(&c)
	if err != nil {
		return nil, err
	}
	sig, err := signature.Sign(signature.DomainRequest, input, iv.Key)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return &Outbound{
		ToolID:   c.ToolID,
		Claims:   c,
		SigInput: input,
		Headers:  signature.EncodeHeaders(input, sig),
		inv:      iv,
	}, nil
}

// Apply sets the signature headers on h.
func (o *Outbound) Apply(h http.Header) {
	o.Headers.Apply(h)
}

// VerifyResponse checks the tool's signed reply to this request against the
// received status and body.
func (o *Outbound) VerifyResponse(status int, h http.Header, body []byte) (*claims.Response, error) {
	if !signature.Present(h) {
		return nil, newError(KindMissingSignature, "response is not signed", nil)
	}
	dec, err := signature.DecodeHeaders(h)
	if err != nil {
		return nil, newError(KindMalformedClaims, "invalid signature headers", err)
	}
	rc, err := claims.DecodeResponse(dec.Input)
	if err != nil {
		return nil, newError(KindMalformedClaims, "invalid response claims", err)
	}
	if err := rc.Validate(); err != nil {
		return nil, newError(KindMalformedClaims, "invalid response claims", err)
	}

	if rc.ToolID != o.ToolID {
		return nil, newError(KindWrongTarget, fmt.Sprintf("response is from %q", rc.ToolID), nil)
	}

	skew, maxValidity := config.DefaultClockSkew, o.inv.MaxValidity
	if o.inv.ClockSkew != nil {
		skew = max(*o.inv.ClockSkew, 0)
	}
	if maxValidity <= 0 {
		maxValidity = config.DefaultMaxValidity
	}
	if e := checkWindow(rc.IssuedAtMS, rc.ExpiresAtMS, o.inv.now(), skew, maxValidity); e != nil {
		return nil, e
	}

	if o.inv.Tools == nil {
		return nil, newError(KindConfigMissing, "no tool keys configured", nil)
	}
	pub, err := o.inv.Tools.Resolve(rc.ToolID, rc.ToolKID)
	if err != nil {
		return nil, newError(KindUnknownCaller, "tool key is not known", err)
	}
	if !signature.Verify(signature.DomainResponse, dec.Input, dec.Sig, pub) {
		return nil, newError(KindBadSignature, "signature verification failed", nil)
	}

	if rc.Nonce != o.Claims.Nonce || !claims.DigestMatches(rc.RequestDigest, o.SigInput) {
		return nil, newError(KindBindingMismatch, "response is bound to a different request", nil)
	}
	if int(rc.Status) != status {
		return nil, newError(KindStatusMismatch, fmt.Sprintf("signed status %d, received %d", rc.Status, status), nil)
	}
	if !claims.DigestMatches(rc.BodySHA256, body) {
		return nil, newError(KindBodyMismatch, "body does not match body_sha256", nil)
	}
	return rc, nil
}
