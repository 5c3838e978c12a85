package db

import (
	"database/sql"
	"time"

	"github.com/rsclarke/toolauth/internal/models"
)

// CreateInvocation inserts an audit record and returns its ID.
func CreateInvocation(d *sql.DB, inv *models.Invocation) (int64, error) {
	occurredAt := inv.OccurredAt
	if occurredAt == 0 {
		occurredAt = time.Now().Unix()
	}
	result, err := d.Exec(
		`INSERT INTO invocations (tool_id, leader_id, leader_kid, nonce, outcome, status, sig_input, signature, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ToolID, inv.LeaderID, int64(inv.LeaderKID), inv.Nonce, inv.Outcome, inv.Status, inv.SigInput, inv.Signature, occurredAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListInvocations returns the most recent invocations, newest first. An empty
// leaderID lists all leaders.
func ListInvocations(d *sql.DB, leaderID string, limit int) ([]models.Invocation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, tool_id, leader_id, leader_kid, nonce, outcome, status, sig_input, signature, occurred_at
		FROM invocations`
	args := []any{}
	if leaderID != "" {
		query += " WHERE leader_id = ?"
		args = append(args, leaderID)
	}
	query += " ORDER BY occurred_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invocations []models.Invocation
	for rows.Next() {
		var inv models.Invocation
		var kid int64
		err := rows.Scan(&inv.ID, &inv.ToolID, &inv.LeaderID, &kid, &inv.Nonce, &inv.Outcome, &inv.Status,
			&inv.SigInput, &inv.Signature, &inv.OccurredAt)
		if err != nil {
			return nil, err
		}
		inv.LeaderKID = uint64(kid)
		invocations = append(invocations, inv)
	}
	return invocations, rows.Err()
}
