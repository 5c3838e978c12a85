package api

// Values of ErrorResponse.Error.
const (
	ErrAuthFailed      = "auth_failed"
	ErrReplayRejected  = "replay_rejected"
	ErrRequestInFlight = "request_in_flight"
	ErrInternal        = "internal_error"
	ErrBodyTooLarge    = "request_body_too_large"
	ErrBadRequest      = "bad_request"
	ErrToolFailed      = "tool_failed"
	ErrSigningFailed   = "response_signing_failed"
)

// ErrorResponse is the body of every rejected /invoke request. Reason is the
// machine-readable authentication failure kind.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	ConfigState  string `json:"config_state"`
	Generation   uint64 `json:"generation"`
	ReloadFailed bool   `json:"reload_failed"`
}

// MetaResponse describes how to call the tool and how to verify its replies.
type MetaResponse struct {
	ToolID           string  `json:"tool_id"`
	Mode             string  `json:"mode"`
	SignatureVersion string  `json:"signature_version"`
	ToolKID          *uint64 `json:"tool_kid,omitempty"`
	ToolPublicKey    string  `json:"tool_public_key,omitempty"`
	MaxBodyBytes     int64   `json:"invoke_max_body_bytes"`
}

// InvocationInfo is one audited invocation.
type InvocationInfo struct {
	ID         int64  `json:"id"`
	ToolID     string `json:"tool_id"`
	LeaderID   string `json:"leader_id"`
	LeaderKID  uint64 `json:"leader_kid"`
	Nonce      string `json:"nonce"`
	Outcome    string `json:"outcome"`
	Status     int    `json:"status"`
	OccurredAt string `json:"occurred_at"`
}
