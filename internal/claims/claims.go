// Package claims defines the signed request and response claim documents and
// their canonical JSON encoding.
//
// Signatures are computed over the exact bytes produced by Encode, so the
// encoding is deterministic: fields are emitted in declaration order and no
// maps are involved.
package claims

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrMalformed     = errors.New("malformed claims")
	ErrInvalidWindow = errors.New("exp_ms must be >= iat_ms")
)

// Request is what a leader asserts about one invocation attempt.
type Request struct {
	LeaderID    string `json:"leader_id"`
	LeaderKID   uint64 `json:"leader_kid"`
	ToolID      string `json:"tool_id"`
	IssuedAtMS  uint64 `json:"iat_ms"`
	ExpiresAtMS uint64 `json:"exp_ms"`
	Nonce       string `json:"nonce"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Query       string `json:"query"`
	BodySHA256  string `json:"body_sha256"`
}

// Response is what a tool asserts about its reply.
type Response struct {
	ToolID        string `json:"tool_id"`
	ToolKID       uint64 `json:"tool_kid"`
	IssuedAtMS    uint64 `json:"iat_ms"`
	ExpiresAtMS   uint64 `json:"exp_ms"`
	Nonce         string `json:"nonce"`
	RequestDigest string `json:"req_sig_input_sha256"`
	Status        uint16 `json:"status"`
	BodySHA256    string `json:"body_sha256"`
}

// Validate checks the invariants the schema cannot express.
func (r *Request) Validate() error {
	if r.ExpiresAtMS < r.IssuedAtMS {
		return ErrInvalidWindow
	}
	return nil
}

// Validate checks the invariants the schema cannot express.
func (r *Response) Validate() error {
	if r.ExpiresAtMS < r.IssuedAtMS {
		return ErrInvalidWindow
	}
	return nil
}

// Encode returns the canonical bytes for a Request or Response.
func Encode[T Request | Response](c *T) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode claims: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeRequest parses request claims, rejecting anything that does not match
// the request schema exactly.
func DecodeRequest(b []byte) (*Request, error) {
	var c Request
	if err := decode(requestSchema, b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeResponse parses response claims.
func DecodeResponse(b []byte) (*Response, error) {
	var c Response
	if err := decode(responseSchema, b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decode(schema *gojsonschema.Schema, b []byte, v any) error {
	if !utf8.Valid(b) {
		return fmt.Errorf("%w: invalid utf-8", ErrMalformed)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrMalformed, strings.Join(msgs, "; "))
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		return fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	return nil
}
