package db

import (
	"context"
	"database/sql"

	"github.com/rsclarke/toolauth/internal/models"
)

// InsertReplayRecord records a new (caller_id, nonce) pair in flight. It
// reports false without error if the pair is already recorded.
func InsertReplayRecord(ctx context.Context, d *sql.DB, r *models.ReplayRecord) (bool, error) {
	result, err := d.ExecContext(ctx,
		`INSERT INTO replay_records (caller_id, nonce, content_hash, first_seen_at_ms, expires_at_ms, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (caller_id, nonce) DO NOTHING`,
		r.CallerID, r.Nonce, r.ContentHash, r.FirstSeenAtMS, r.ExpiresAtMS, models.ReplayInFlight,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// ReplaceExpiredReplayRecord overwrites the record for r's pair if its window
// closed before nowMS.
func ReplaceExpiredReplayRecord(ctx context.Context, d *sql.DB, r *models.ReplayRecord, nowMS int64) (bool, error) {
	result, err := d.ExecContext(ctx,
		`UPDATE replay_records
		SET content_hash = ?, first_seen_at_ms = ?, expires_at_ms = ?, state = ?,
			response_status = NULL, response_body = NULL, response_sig_input = NULL, response_sig = NULL
		WHERE caller_id = ? AND nonce = ? AND expires_at_ms < ?`,
		r.ContentHash, r.FirstSeenAtMS, r.ExpiresAtMS, models.ReplayInFlight,
		r.CallerID, r.Nonce, nowMS,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// ResumeReplayRecord moves an abandoned record carrying contentHash back in
// flight.
func ResumeReplayRecord(ctx context.Context, d *sql.DB, callerID, nonce string, contentHash []byte) (bool, error) {
	result, err := d.ExecContext(ctx,
		"UPDATE replay_records SET state = ? WHERE caller_id = ? AND nonce = ? AND state = ? AND content_hash = ?",
		models.ReplayInFlight, callerID, nonce, models.ReplayAbandoned, contentHash,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// GetReplayRecord returns the record for (callerID, nonce), or nil if none.
func GetReplayRecord(ctx context.Context, d *sql.DB, callerID, nonce string) (*models.ReplayRecord, error) {
	row := d.QueryRowContext(ctx,
		`SELECT caller_id, nonce, content_hash, first_seen_at_ms, expires_at_ms, state,
			response_status, response_body, response_sig_input, response_sig
		FROM replay_records WHERE caller_id = ? AND nonce = ?`,
		callerID, nonce,
	)
	var r models.ReplayRecord
	err := row.Scan(&r.CallerID, &r.Nonce, &r.ContentHash, &r.FirstSeenAtMS, &r.ExpiresAtMS, &r.State,
		&r.ResponseStatus, &r.ResponseBody, &r.ResponseSigInput, &r.ResponseSig)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CompleteReplayRecord stores the signed response for an in-flight record.
func CompleteReplayRecord(ctx context.Context, d *sql.DB, callerID, nonce string, status int, body []byte, sigInput, sig string) error {
	_, err := d.ExecContext(ctx,
		`UPDATE replay_records
		SET state = ?, response_status = ?, response_body = ?, response_sig_input = ?, response_sig = ?
		WHERE caller_id = ? AND nonce = ?`,
		models.ReplayComplete, status, body, sigInput, sig, callerID, nonce,
	)
	return err
}

// AbandonReplayRecord releases an in-flight record without forgetting its
// content hash.
func AbandonReplayRecord(ctx context.Context, d *sql.DB, callerID, nonce string) error {
	_, err := d.ExecContext(ctx,
		"UPDATE replay_records SET state = ? WHERE caller_id = ? AND nonce = ? AND state = ?",
		models.ReplayAbandoned, callerID, nonce, models.ReplayInFlight,
	)
	return err
}

// PurgeReplayRecords deletes records whose window closed before nowMS.
func PurgeReplayRecords(ctx context.Context, d *sql.DB, nowMS int64) (int64, error) {
	result, err := d.ExecContext(ctx, "DELETE FROM replay_records WHERE expires_at_ms < ?", nowMS)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
