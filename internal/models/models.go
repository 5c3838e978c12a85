// Package models defines the database entity types.
package models

// Replay record states.
const (
	ReplayInFlight  = 0
	ReplayComplete  = 1
	ReplayAbandoned = 2
)

// ReplayRecord is one observed (caller_id, nonce) pair.
type ReplayRecord struct {
	CallerID         string
	Nonce            string
	ContentHash      []byte
	FirstSeenAtMS    int64
	ExpiresAtMS      int64
	State            int
	ResponseStatus   *int
	ResponseBody     []byte
	ResponseSigInput *string
	ResponseSig      *string
}

// Invocation is an audited, signature-verified invocation attempt.
type Invocation struct {
	ID         int64
	ToolID     string
	LeaderID   string
	LeaderKID  uint64
	Nonce      string
	Outcome    string
	Status     int
	SigInput   []byte
	Signature  []byte
	OccurredAt int64
}
