package authn

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an authentication failure.
type Kind int

const (
	KindMissingSignature Kind = iota + 1
	KindMalformedClaims
	KindWrongTarget
	KindExpired
	KindNotYetValid
	KindWindowTooLarge
	KindUnknownCaller
	KindBadSignature
	KindBodyMismatch
	KindRequestMismatch
	KindReplayConflict
	KindInFlight
	KindConfigInvalid
	KindConfigMissing
	KindInternal

	// Response verification on the invoking side.
	KindStatusMismatch
	KindBindingMismatch
)

var kindNames = map[Kind]string{
	KindMissingSignature: "missing_signature",
	KindMalformedClaims:  "malformed_claims",
	KindWrongTarget:      "wrong_target",
	KindExpired:          "expired",
	KindNotYetValid:      "not_yet_valid",
	KindWindowTooLarge:   "window_too_large",
	KindUnknownCaller:    "unknown_caller",
	KindBadSignature:     "bad_signature",
	KindBodyMismatch:     "body_mismatch",
	KindRequestMismatch:  "request_mismatch",
	KindReplayConflict:   "replay_conflict",
	KindInFlight:         "in_flight",
	KindConfigInvalid:    "config_invalid",
	KindConfigMissing:    "config_missing",
	KindInternal:         "internal_error",
	KindStatusMismatch:   "status_mismatch",
	KindBindingMismatch:  "binding_mismatch",
}

// String returns the machine-readable reason sent to callers.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Status is the HTTP status a rejection of this kind is reported with.
func (k Kind) Status() int {
	switch k {
	case KindInFlight:
		return http.StatusConflict
	case KindConfigInvalid, KindConfigMissing, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// Error is returned for every authentication failure. Detail is safe to show
// the caller; Err is for logs only.
type Error struct {
	Kind   Kind
	Detail string
	Err    error

	session *Session
}

func newError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Session returns the verified session when the failure happened after the
// request signature was verified (replay conflict, in flight), so that the
// rejection itself can be signed. It is nil otherwise.
func (e *Error) Session() *Session {
	return e.session
}

// KindOf returns the Kind of an *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
