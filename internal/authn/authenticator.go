// Package authn verifies signed invocation requests and signs the replies.
//
// A request is checked in a fixed order: headers and claims decode, target,
// freshness window, caller key, signature, body digest, request binding and
// finally the replay guard. The first failing check determines the reported
// reason.
package authn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/toolauth/internal/claims"
	"github.com/rsclarke/toolauth/internal/config"
	"github.com/rsclarke/toolauth/internal/logging"
	"github.com/rsclarke/toolauth/internal/metrics"
	"github.com/rsclarke/toolauth/internal/replay"
	"github.com/rsclarke/toolauth/internal/signature"
)

// Source publishes the active config snapshot. *config.Watcher implements it.
type Source interface {
	Current() *config.Snapshot
}

// StaticSource serves one fixed snapshot.
type StaticSource struct {
	Snapshot *config.Snapshot
}

func (s StaticSource) Current() *config.Snapshot { return s.Snapshot }

// Request is the part of an inbound HTTP request covered by the signature.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// RequestFromHTTP captures r with an already-read body.
func RequestFromHTTP(r *http.Request, body []byte) *Request {
	return &Request{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Query:  r.URL.RawQuery,
		Header: r.Header,
		Body:   body,
	}
}

// Caller is the verified identity of the invoking leader.
type Caller struct {
	LeaderID  string
	LeaderKID uint64
	Nonce     string
}

// Authenticator verifies inbound requests for one tool. Guard and Source are
// required; the other fields may be left zero.
type Authenticator struct {
	ToolID  string
	Source  Source
	Guard   replay.Guard
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Authenticator) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}

// Authenticate verifies req against the current snapshot. In disabled mode it
// always returns an unauthenticated session. In optional mode failures are
// logged and an unauthenticated session is returned. In required mode every
// failure is returned as an *Error.
//
// A session that proceeds to business logic must be closed with Finish or
// Abort.
func (a *Authenticator) Authenticate(ctx context.Context, req *Request) (*Session, error) {
	return a.AuthenticateWith(ctx, a.Source.Current(), req)
}

// AuthenticateWith is Authenticate against a snapshot the caller has already
// captured, so that limits applied before authentication and the mode used by
// it come from the same generation.
func (a *Authenticator) AuthenticateWith(ctx context.Context, snap *config.Snapshot, req *Request) (*Session, error) {
	if snap.Mode == config.ModeDisabled {
		return &Session{auth: a, snap: snap}, nil
	}

	start := time.Now()
	sess, aerr := a.verify(ctx, snap, req)
	a.Metrics.ObserveVerify(time.Since(start))

	if aerr == nil {
		a.Metrics.ObserveAccepted(sess.outcome.String())
		a.logger().Debug("invocation verified",
			logging.ToolID(a.ToolID),
			logging.LeaderID(sess.caller.LeaderID),
			logging.LeaderKID(sess.caller.LeaderKID),
			logging.Nonce(sess.caller.Nonce),
			zap.Stringer("outcome", sess.outcome))
		return sess, nil
	}

	fields := []zap.Field{
		logging.ToolID(a.ToolID),
		logging.Mode(string(snap.Mode)),
		logging.Reason(aerr.Kind.String()),
		logging.Method(req.Method),
		logging.Path(req.Path),
	}
	if s := aerr.session; s != nil {
		fields = append(fields,
			logging.LeaderID(s.caller.LeaderID),
			logging.LeaderKID(s.caller.LeaderKID),
			logging.Nonce(s.caller.Nonce))
	}
	if aerr.Err != nil {
		fields = append(fields, zap.Error(aerr.Err))
	}

	conflict := aerr.Kind == KindReplayConflict
	if snap.Mode == config.ModeOptional {
		if conflict {
			a.Metrics.ObserveRejected(aerr.Kind.String(), true)
		}
		a.Metrics.ObserveBypass(aerr.Kind.String())
		if aerr.Kind == KindMissingSignature {
			a.logger().Debug("unsigned invocation allowed", fields...)
		} else {
			a.logger().Warn("invocation verification failed, continuing unauthenticated", fields...)
		}
		return &Session{auth: a, snap: snap}, nil
	}

	a.Metrics.ObserveRejected(aerr.Kind.String(), conflict)
	switch {
	case conflict:
		a.logger().Warn("conflicting replay rejected", fields...)
	case aerr.Kind.Status() >= http.StatusInternalServerError:
		a.logger().Error("invocation rejected", fields...)
	default:
		a.logger().Info("invocation rejected", fields...)
	}
	return nil, aerr
}

func (a *Authenticator) verify(ctx context.Context, snap *config.Snapshot, req *Request) (*Session, *Error) {
	if !signature.Present(req.Header) {
		return nil, newError(KindMissingSignature, "request is not signed", nil)
	}
	dec, err := signature.DecodeHeaders(req.Header)
	if err != nil {
		return nil, newError(KindMalformedClaims, "invalid signature headers", err)
	}
	c, err := claims.DecodeRequest(dec.Input)
	if err != nil {
		return nil, newError(KindMalformedClaims, "invalid request claims", err)
	}
	if err := c.Validate(); err != nil {
		return nil, newError(KindMalformedClaims, "invalid request claims", err)
	}

	if c.ToolID != a.ToolID {
		return nil, newError(KindWrongTarget, fmt.Sprintf("claims are addressed to %q", c.ToolID), nil)
	}

	now := a.now()
	if e := checkWindow(c.IssuedAtMS, c.ExpiresAtMS, now, snap.ClockSkew, snap.MaxValidity); e != nil {
		return nil, e
	}

	if snap.Allowlist == nil {
		return nil, newError(KindConfigMissing, "no allowed leaders configured", nil)
	}
	if _, ok := snap.Tool(a.ToolID); !ok {
		return nil, newError(KindConfigMissing, "no signing key configured for tool", nil)
	}
	pub, err := snap.Allowlist.Resolve(c.LeaderID, c.LeaderKID)
	if err != nil {
		return nil, newError(KindUnknownCaller, "caller is not allowed", err)
	}

	if !signature.Verify(signature.DomainRequest, dec.Input, dec.Sig, pub) {
		return nil, newError(KindBadSignature, "signature verification failed", nil)
	}

	if !claims.DigestMatches(c.BodySHA256, req.Body) {
		return nil, newError(KindBodyMismatch, "body does not match body_sha256", nil)
	}
	switch {
	case c.Method != req.Method:
		return nil, newError(KindRequestMismatch, "method does not match claims", nil)
	case c.Path != req.Path:
		return nil, newError(KindRequestMismatch, "path does not match claims", nil)
	case c.Query != req.Query:
		return nil, newError(KindRequestMismatch, "query does not match claims", nil)
	}

	sess := &Session{
		auth:     a,
		snap:     snap,
		claims:   c,
		sigInput: dec.Input,
		sig:      dec.Sig,
		caller:   &Caller{LeaderID: c.LeaderID, LeaderKID: c.LeaderKID, Nonce: c.Nonce},
		key:      replay.Key{CallerID: c.LeaderID, Nonce: c.Nonce},
	}

	expiresAt := time.UnixMilli(int64(c.ExpiresAtMS))
	d, err := a.Guard.Begin(ctx, sess.key, replay.ContentHash(dec.Input), expiresAt, now)
	if err != nil {
		return nil, newError(KindInternal, "replay check unavailable", err)
	}
	sess.outcome = d.Outcome

	switch d.Outcome {
	case replay.OutcomeConflict:
		e := newError(KindReplayConflict, "nonce was already used for a different request", nil)
		e.session = sess
		return nil, e
	case replay.OutcomeInFlight:
		e := newError(KindInFlight, "an identical request is still being processed", nil)
		e.session = sess
		return nil, e
	case replay.OutcomeRetry:
		sess.cached = d.Response
	default:
		sess.reserved = true
	}
	return sess, nil
}

// checkWindow applies the freshness rules shared by request and response
// verification. Skew is tolerated on iat only; expiry is exact.
func checkWindow(iatMS, expMS uint64, now time.Time, skew, maxValidity time.Duration) *Error {
	if expMS-iatMS > uint64(maxValidity.Milliseconds()) {
		return newError(KindWindowTooLarge, fmt.Sprintf("validity window exceeds %d ms", maxValidity.Milliseconds()), nil)
	}
	nowMS := uint64(max(now.UnixMilli(), 0))
	if iatMS > nowMS+uint64(skew.Milliseconds()) {
		return newError(KindNotYetValid, "iat_ms is in the future", nil)
	}
	if nowMS > expMS {
		return newError(KindExpired, "exp_ms has passed", nil)
	}
	return nil
}
