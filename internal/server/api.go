// Package server hosts a tool behind signed-HTTP authentication.
package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rsclarke/toolauth/internal/api"
	"github.com/rsclarke/toolauth/internal/authn"
	"github.com/rsclarke/toolauth/internal/config"
	"github.com/rsclarke/toolauth/internal/db"
	"github.com/rsclarke/toolauth/internal/logging"
	"github.com/rsclarke/toolauth/internal/models"
	"github.com/rsclarke/toolauth/internal/signature"
)

// StateSource reports config watcher health. *config.Watcher implements it.
type StateSource interface {
	State() (config.State, error)
}

// InvokeServer serves /invoke for one tool plus the unauthenticated /health,
// /meta and /metrics routes.
type InvokeServer struct {
	Auth *authn.Authenticator
	Tool Tool

	// Optional.
	DB       *sql.DB
	Watcher  StateSource
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Handler returns the HTTP handler for the tool.
func (s *InvokeServer) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke", s.handleInvoke)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /meta", s.handleMeta)
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *InvokeServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	snap := s.Auth.Source.Current()
	r.Body = http.MaxBytesReader(w, r.Body, snap.MaxBodyBytesFor(s.Auth.ToolID))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{Error: api.ErrBodyTooLarge})
			return
		}
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: api.ErrBadRequest, Details: "failed to read body"})
		return
	}

	sess, err := s.Auth.AuthenticateWith(r.Context(), snap, authn.RequestFromHTTP(r, body))
	if err != nil {
		s.reject(w, err)
		return
	}

	if cached := sess.Cached(); cached != nil {
		s.audit(sess, "retry", cached.Status)
		writeSigned(w, cached.Status, cached.Headers, cached.Body)
		return
	}

	// The reply is recorded even if the caller goes away mid-request.
	ctx := context.WithoutCancel(r.Context())

	var caller *authn.Caller
	if c, ok := sess.Caller(); ok {
		caller = &c
	}
	status, respBody, err := s.Tool.Invoke(r.Context(), caller, body)
	if err != nil {
		sess.Abort(ctx)
		s.Logger.Error("tool invocation failed", logging.ToolID(s.Auth.ToolID), zap.Error(err))
		s.writeMaybeSigned(w, sess, http.StatusInternalServerError, api.ErrorResponse{Error: api.ErrToolFailed})
		return
	}

	headers, err := sess.Finish(ctx, status, respBody)
	if err != nil {
		s.Logger.Error("failed to sign response", logging.ToolID(s.Auth.ToolID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
			Error:  api.ErrSigningFailed,
			Reason: authn.KindOf(err).String(),
		})
		return
	}

	if sess.Authenticated() {
		s.audit(sess, sess.Outcome().String(), status)
		writeSigned(w, status, headers, respBody)
		return
	}
	writeBody(w, status, respBody)
}

// reject answers a failed authentication. Failures detected after the
// request signature was verified are answered with a signed body.
func (s *InvokeServer) reject(w http.ResponseWriter, err error) {
	var aerr *authn.Error
	if !errors.As(err, &aerr) {
		aerr = &authn.Error{Kind: authn.KindInternal, Detail: "internal error", Err: err}
	}

	resp := api.ErrorResponse{Error: api.ErrAuthFailed, Reason: aerr.Kind.String(), Details: aerr.Detail}
	switch aerr.Kind {
	case authn.KindReplayConflict:
		resp.Error = api.ErrReplayRejected
	case authn.KindInFlight:
		resp.Error = api.ErrRequestInFlight
	case authn.KindConfigInvalid, authn.KindConfigMissing, authn.KindInternal:
		resp.Error = api.ErrInternal
	}

	status := aerr.Kind.Status()
	if sess := aerr.Session(); sess != nil {
		s.audit(sess, aerr.Kind.String(), status)
		s.writeMaybeSigned(w, sess, status, resp)
		return
	}
	writeJSON(w, status, resp)
}

func (s *InvokeServer) writeMaybeSigned(w http.ResponseWriter, sess *authn.Session, status int, data any) {
	body, err := encodeJSON(data)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !sess.Authenticated() {
		writeBody(w, status, body)
		return
	}
	headers, err := sess.SignResponse(status, body)
	if err != nil {
		s.Logger.Error("failed to sign error response", logging.ToolID(s.Auth.ToolID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
			Error:  api.ErrSigningFailed,
			Reason: authn.KindOf(err).String(),
		})
		return
	}
	writeSigned(w, status, headers, body)
}

func (s *InvokeServer) audit(sess *authn.Session, outcome string, status int) {
	if s.DB == nil {
		return
	}
	caller, ok := sess.Caller()
	if !ok {
		return
	}
	_, err := db.CreateInvocation(s.DB, &models.Invocation{
		ToolID:    s.Auth.ToolID,
		LeaderID:  caller.LeaderID,
		LeaderKID: caller.LeaderKID,
		Nonce:     caller.Nonce,
		Outcome:   outcome,
		Status:    status,
		SigInput:  sess.SigInput(),
		Signature: sess.Signature(),
	})
	if err != nil {
		s.Logger.Error("failed to record invocation", logging.LeaderID(caller.LeaderID), logging.Nonce(caller.Nonce), zap.Error(err))
	}
}

func (s *InvokeServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{
		Status:      "ok",
		ConfigState: config.StateReady.String(),
		Generation:  s.Auth.Source.Current().Generation,
	}
	if s.Watcher != nil {
		state, err := s.Watcher.State()
		resp.ConfigState = state.String()
		resp.ReloadFailed = err != nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *InvokeServer) handleMeta(w http.ResponseWriter, r *http.Request) {
	snap := s.Auth.Source.Current()
	resp := api.MetaResponse{
		ToolID:           s.Auth.ToolID,
		Mode:             string(snap.Mode),
		SignatureVersion: signature.Version,
		MaxBodyBytes:     snap.MaxBodyBytesFor(s.Auth.ToolID),
	}
	if tool, ok := snap.Tool(s.Auth.ToolID); ok {
		kid := tool.KID
		resp.ToolKID = &kid
		resp.ToolPublicKey = signature.EncodePublicKey(tool.PublicKey())
	}
	writeJSON(w, http.StatusOK, resp)
}

func encodeJSON(data any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := encodeJSON(data)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeBody(w, status, body)
}

func writeSigned(w http.ResponseWriter, status int, headers signature.Headers, body []byte) {
	headers.Apply(w.Header())
	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
