// Package replay tracks consumed (caller, nonce) pairs so that identical
// retries are recognised and conflicting replays are rejected.
//
// Every implementation performs insert-or-compare for a single key as one
// atomic step; unrelated keys never contend on the same lock.
package replay

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/rsclarke/toolauth/internal/signature"
)

// Key identifies a nonce within the scope of one caller.
type Key struct {
	CallerID string
	Nonce    string
}

// Hash is the SHA-256 of the verified request claims bytes.
type Hash [sha256.Size]byte

// ContentHash hashes signed request bytes.
func ContentHash(sigInput []byte) Hash {
	return sha256.Sum256(sigInput)
}

// Outcome is the result of submitting a request to a Guard.
type Outcome int

const (
	// OutcomeFirst: the pair was unseen and is now recorded in flight.
	OutcomeFirst Outcome = iota
	// OutcomeResume: identical content whose earlier attempt was abandoned;
	// the record is back in flight and the request may execute again.
	OutcomeResume
	// OutcomeRetry: identical content that already completed. Response holds
	// the cached signed reply.
	OutcomeRetry
	// OutcomeInFlight: identical content whose first attempt is still running.
	OutcomeInFlight
	// OutcomeConflict: same pair, different content.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFirst:
		return "first"
	case OutcomeResume:
		return "resume"
	case OutcomeRetry:
		return "retry"
	case OutcomeInFlight:
		return "in_flight"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Response is a signed reply cached for identical retries.
type Response struct {
	Status  int
	Body    []byte
	Headers signature.Headers
}

// Decision is returned by Guard.Begin.
type Decision struct {
	Outcome  Outcome
	Response *Response
}

// Proceed reports whether the caller should run the request.
func (d Decision) Proceed() bool {
	return d.Outcome == OutcomeFirst || d.Outcome == OutcomeResume
}

// Guard records request content per (caller, nonce).
type Guard interface {
	// Begin atomically records or compares contentHash for key. expiresAt is
	// the end of the request's freshness window.
	Begin(ctx context.Context, key Key, contentHash Hash, expiresAt, now time.Time) (Decision, error)
	// Complete caches the signed response for an in-flight key.
	Complete(ctx context.Context, key Key, resp *Response) error
	// Abandon releases an in-flight key without forgetting its content hash.
	Abandon(ctx context.Context, key Key) error
	// Purge evicts records whose window closed before now.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// State of a recorded key.
type State int

const (
	StateInFlight State = iota
	StateComplete
	StateAbandoned
)

// Record is the bookkeeping kept per key.
type Record struct {
	ContentHash Hash
	FirstSeen   time.Time
	ExpiresAt   time.Time
	State       State
	Response    *Response
}

// decide applies a repeat observation to an existing live record. It mutates
// rec when an abandoned attempt resumes.
func decide(rec *Record, contentHash Hash) Decision {
	if rec.ContentHash != contentHash {
		return Decision{Outcome: OutcomeConflict}
	}
	switch rec.State {
	case StateComplete:
		return Decision{Outcome: OutcomeRetry, Response: rec.Response}
	case StateAbandoned:
		rec.State = StateInFlight
		return Decision{Outcome: OutcomeResume}
	default:
		return Decision{Outcome: OutcomeInFlight}
	}
}
