package replay

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rsclarke/toolauth/internal/db"
	"github.com/rsclarke/toolauth/internal/models"
	"github.com/rsclarke/toolauth/internal/signature"
)

// SQLite is a durable Guard backed by the replay_records table. Each
// transition is a single conditional statement, so SQLite's write lock makes
// it atomic per key.
type SQLite struct {
	DB *sql.DB
}

// NewSQLite returns a guard on an already opened database.
func NewSQLite(d *sql.DB) *SQLite {
	return &SQLite{DB: d}
}

func (s *SQLite) Begin(ctx context.Context, key Key, contentHash Hash, expiresAt, now time.Time) (Decision, error) {
	rec := &models.ReplayRecord{
		CallerID:      key.CallerID,
		Nonce:         key.Nonce,
		ContentHash:   contentHash[:],
		FirstSeenAtMS: now.UnixMilli(),
		ExpiresAtMS:   expiresAt.UnixMilli(),
	}

	inserted, err := db.InsertReplayRecord(ctx, s.DB, rec)
	if err != nil {
		return Decision{}, fmt.Errorf("insert replay record: %w", err)
	}
	if inserted {
		return Decision{Outcome: OutcomeFirst}, nil
	}

	replaced, err := db.ReplaceExpiredReplayRecord(ctx, s.DB, rec, now.UnixMilli())
	if err != nil {
		return Decision{}, fmt.Errorf("replace expired replay record: %w", err)
	}
	if replaced {
		return Decision{Outcome: OutcomeFirst}, nil
	}

	resumed, err := db.ResumeReplayRecord(ctx, s.DB, key.CallerID, key.Nonce, contentHash[:])
	if err != nil {
		return Decision{}, fmt.Errorf("resume replay record: %w", err)
	}
	if resumed {
		return Decision{Outcome: OutcomeResume}, nil
	}

	existing, err := db.GetReplayRecord(ctx, s.DB, key.CallerID, key.Nonce)
	if err != nil {
		return Decision{}, fmt.Errorf("get replay record: %w", err)
	}
	if existing == nil {
		// Purged between statements; the pair is unseen again.
		return s.Begin(ctx, key, contentHash, expiresAt, now)
	}
	if !bytes.Equal(existing.ContentHash, contentHash[:]) {
		return Decision{Outcome: OutcomeConflict}, nil
	}
	if existing.State == models.ReplayComplete {
		return Decision{Outcome: OutcomeRetry, Response: responseFromModel(existing)}, nil
	}
	return Decision{Outcome: OutcomeInFlight}, nil
}

func (s *SQLite) Complete(ctx context.Context, key Key, resp *Response) error {
	if err := db.CompleteReplayRecord(ctx, s.DB, key.CallerID, key.Nonce, resp.Status, resp.Body, resp.Headers.Input, resp.Headers.Sig); err != nil {
		return fmt.Errorf("complete replay record: %w", err)
	}
	return nil
}

func (s *SQLite) Abandon(ctx context.Context, key Key) error {
	if err := db.AbandonReplayRecord(ctx, s.DB, key.CallerID, key.Nonce); err != nil {
		return fmt.Errorf("abandon replay record: %w", err)
	}
	return nil
}

func (s *SQLite) Purge(ctx context.Context, now time.Time) (int, error) {
	n, err := db.PurgeReplayRecords(ctx, s.DB, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge replay records: %w", err)
	}
	return int(n), nil
}

func responseFromModel(r *models.ReplayRecord) *Response {
	if r.ResponseStatus == nil {
		return nil
	}
	resp := &Response{Status: *r.ResponseStatus, Body: r.ResponseBody}
	if r.ResponseSigInput != nil && r.ResponseSig != nil {
		resp.Headers = signature.Headers{Input: *r.ResponseSigInput, Sig: *r.ResponseSig}
	}
	return resp
}
