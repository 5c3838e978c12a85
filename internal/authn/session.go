package authn

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rsclarke/toolauth/internal/claims"
	"github.com/rsclarke/toolauth/internal/config"
	"github.com/rsclarke/toolauth/internal/logging"
	"github.com/rsclarke/toolauth/internal/replay"
	"github.com/rsclarke/toolauth/internal/signature"
)

// Session is the result of one Authenticate call. It pins the snapshot the
// request was verified against so that the reply is signed with the same
// key material even if the config is reloaded mid-request.
type Session struct {
	auth *Authenticator
	snap *config.Snapshot

	caller   *Caller
	claims   *claims.Request
	sigInput []byte
	sig      []byte
	key      replay.Key
	outcome  replay.Outcome
	cached   *replay.Response

	mu       sync.Mutex
	reserved bool
}

// Authenticated reports whether the request carried a verified signature.
// Unauthenticated sessions occur in disabled and optional modes and are
// answered without signature headers.
func (s *Session) Authenticated() bool {
	return s.caller != nil
}

// Caller returns the verified caller identity.
func (s *Session) Caller() (Caller, bool) {
	if s.caller == nil {
		return Caller{}, false
	}
	return *s.caller, true
}

func (s *Session) Snapshot() *config.Snapshot { return s.snap }

// Claims returns the verified request claims, or nil.
func (s *Session) Claims() *claims.Request { return s.claims }

// SigInput returns the verified claims bytes exactly as received.
func (s *Session) SigInput() []byte { return s.sigInput }

// Signature returns the verified request signature.
func (s *Session) Signature() []byte { return s.sig }

func (s *Session) Outcome() replay.Outcome { return s.outcome }

// Cached returns the signed reply of an earlier identical request. When it is
// non-nil the caller must send it as is instead of executing the request.
func (s *Session) Cached() *replay.Response { return s.cached }

// SignResponse signs a reply bound to the verified request. It fails with
// KindConfigMissing when the snapshot has no signing key for the tool; an
// unsigned reply must not be sent in its place.
func (s *Session) SignResponse(status int, body []byte) (signature.Headers, error) {
	if s.claims == nil {
		return signature.Headers{}, newError(KindInternal, "no verified request to bind the response to", nil)
	}
	if status < 0 || status > 0xffff {
		return signature.Headers{}, newError(KindInternal, "status out of range", nil)
	}
	tool, ok := s.snap.Tool(s.auth.ToolID)
	if !ok {
		return signature.Headers{}, newError(KindConfigMissing, "no signing key configured for tool", nil)
	}

	nowMS := uint64(max(s.auth.now().UnixMilli(), 0))
	rc := claims.Response{
		ToolID:        s.auth.ToolID,
		ToolKID:       tool.KID,
		IssuedAtMS:    nowMS,
		ExpiresAtMS:   nowMS + uint64(s.snap.MaxValidity.Milliseconds()),
		Nonce:         s.claims.Nonce,
		RequestDigest: claims.SHA256Hex(s.sigInput),
		Status:        uint16(status),
		BodySHA256:    claims.SHA256Hex(body),
	}
	input, err := claims.Encode(&rc)
	if err != nil {
		return signature.Headers{}, newError(KindInternal, "encode response claims", err)
	}
	sig, err := signature.Sign(signature.DomainResponse, input, tool.Key)
	if err != nil {
		return signature.Headers{}, newError(KindConfigInvalid, "sign response", err)
	}
	return signature.EncodeHeaders(input, sig), nil
}

// Finish signs the reply of an executed request and records it in the
// replay guard so that identical retries receive it verbatim. Unauthenticated
// sessions return zero Headers and no error; their reply goes out unsigned.
//
// If signing fails the reservation is released and the error returned.
func (s *Session) Finish(ctx context.Context, status int, body []byte) (signature.Headers, error) {
	if !s.Authenticated() {
		return signature.Headers{}, nil
	}

	headers, err := s.SignResponse(status, body)
	if err != nil {
		s.Abort(ctx)
		return signature.Headers{}, err
	}

	s.mu.Lock()
	reserved := s.reserved
	s.reserved = false
	s.mu.Unlock()
	if !reserved {
		return headers, nil
	}

	resp := &replay.Response{Status: status, Body: append([]byte(nil), body...), Headers: headers}
	if err := s.auth.Guard.Complete(ctx, s.key, resp); err != nil {
		s.auth.logger().Warn("failed to cache signed response",
			logging.LeaderID(s.caller.LeaderID),
			logging.Nonce(s.caller.Nonce),
			zap.Error(err))
		if err := s.auth.Guard.Abandon(ctx, s.key); err != nil {
			s.auth.logger().Error("failed to release replay reservation",
				logging.LeaderID(s.caller.LeaderID),
				logging.Nonce(s.caller.Nonce),
				zap.Error(err))
		}
	}
	return headers, nil
}

// Abort releases the replay reservation of a request that did not produce a
// reply, so an identical retry can run it again. It is a no-op after Finish.
func (s *Session) Abort(ctx context.Context) {
	s.mu.Lock()
	reserved := s.reserved
	s.reserved = false
	s.mu.Unlock()
	if !reserved {
		return
	}
	if err := s.auth.Guard.Abandon(ctx, s.key); err != nil {
		s.auth.logger().Error("failed to release replay reservation",
			logging.LeaderID(s.caller.LeaderID),
			logging.Nonce(s.caller.Nonce),
			zap.Error(err))
	}
}
