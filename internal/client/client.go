// Package client calls a tool's /invoke endpoint as a leader and verifies the
// signed reply.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rsclarke/toolauth/internal/api"
	"github.com/rsclarke/toolauth/internal/authn"
	"github.com/rsclarke/toolauth/internal/claims"
	"github.com/rsclarke/toolauth/internal/signature"
)

// maxResponseBytes bounds how much of a reply is read.
const maxResponseBytes = 10 << 20

var ErrUnsignedResponse = errors.New("tool response is not signed")

type Client struct {
	BaseURL string
	ToolID  string
	Invoker *authn.Invoker
	HTTP    *http.Client

	// AllowUnsigned accepts unsigned replies, for tools running with
	// signed HTTP disabled or optional.
	AllowUnsigned bool
}

func NewClient(baseURL, toolID string, invoker *authn.Invoker) *Client {
	return &Client{
		BaseURL: baseURL,
		ToolID:  toolID,
		Invoker: invoker,
	}
}

// Result is a successful invocation.
type Result struct {
	Status   int
	Body     []byte
	Response *claims.Response // nil when the reply was unsigned
}

// RejectedError is returned for non-2xx replies.
type RejectedError struct {
	Status   int
	Verified bool
	api.ErrorResponse
}

func (e *RejectedError) Error() string {
	msg := fmt.Sprintf("invoke rejected with status %d: %s", e.Status, e.ErrorResponse.Error)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Invoke signs body with a fresh nonce and posts it to /invoke.
func (c *Client) Invoke(ctx context.Context, body []byte) (*Result, *authn.Outbound, error) {
	u, err := url.Parse(c.BaseURL + "/invoke")
	if err != nil {
		return nil, nil, fmt.Errorf("parse url: %w", err)
	}
	out, err := c.Invoker.Begin(c.ToolID, http.MethodPost, u.EscapedPath(), u.RawQuery, body)
	if err != nil {
		return nil, nil, err
	}
	res, err := c.Send(ctx, out, body)
	return res, out, err
}

// Send posts an already signed request. Sending the same Outbound twice is an
// idempotent retry.
func (c *Client) Send(ctx context.Context, out *authn.Outbound, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	out.Apply(req.Header)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	res := &Result{Status: resp.StatusCode, Body: respBody}
	if signature.Present(resp.Header) {
		rc, err := out.VerifyResponse(resp.StatusCode, resp.Header, respBody)
		if err != nil {
			return nil, fmt.Errorf("verify response: %w", err)
		}
		res.Response = rc
	} else if !c.AllowUnsigned && resp.StatusCode < 300 {
		return nil, ErrUnsignedResponse
	}

	if resp.StatusCode >= 300 {
		return nil, parseError(res)
	}
	return res, nil
}

func parseError(res *Result) error {
	rejected := &RejectedError{Status: res.Status, Verified: res.Response != nil}
	if err := json.Unmarshal(res.Body, &rejected.ErrorResponse); err != nil || rejected.ErrorResponse.Error == "" {
		rejected.ErrorResponse = api.ErrorResponse{Error: http.StatusText(res.Status), Details: string(res.Body)}
	}
	return rejected
}
