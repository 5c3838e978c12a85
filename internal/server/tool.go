package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rsclarke/toolauth/internal/authn"
)

// Tool is the business logic behind /invoke. caller is nil when the request
// was not authenticated (disabled or optional mode).
type Tool interface {
	Invoke(ctx context.Context, caller *authn.Caller, body []byte) (status int, resp []byte, err error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, caller *authn.Caller, body []byte) (int, []byte, error)

func (f ToolFunc) Invoke(ctx context.Context, caller *authn.Caller, body []byte) (int, []byte, error) {
	return f(ctx, caller, body)
}

// EchoTool replies with its JSON input and the verified caller.
type EchoTool struct{}

type echoResponse struct {
	LeaderID  *string         `json:"leader_id"`
	LeaderKID *uint64         `json:"leader_kid,omitempty"`
	Input     json.RawMessage `json:"input"`
}

func (EchoTool) Invoke(_ context.Context, caller *authn.Caller, body []byte) (int, []byte, error) {
	if !json.Valid(body) {
		resp, err := json.Marshal(map[string]string{"error": "input must be JSON"})
		return http.StatusBadRequest, resp, err
	}

	out := echoResponse{Input: body}
	if caller != nil {
		out.LeaderID = &caller.LeaderID
		out.LeaderKID = &caller.LeaderKID
	}
	resp, err := json.Marshal(out)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}
