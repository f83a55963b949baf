package repo

import (
	"context"
	"database/sql"
	"errors"

	"harvestline/internal/domain"
)

func (r Repo) InsertClaimTx(ctx context.Context, tx *sql.Tx, c domain.ClaimRecord) error {
	if c.ID == "" || c.ProblemID == "" || c.AgentID == "" {
		return errors.New("claim id, problem_id and agent_id required")
	}
	_, err := tx.ExecContext(ctx, r.bind(`INSERT INTO claims(id,problem_id,agent_id,claimed_at,estimated_completion,approach,capabilities_json) VALUES (?,?,?,?,?,?,?)`),
		c.ID, c.ProblemID, c.AgentID, c.ClaimedAt, nullableStrPtr(c.EstimatedCompletion), nullable(c.Approach), marshalStrings(c.Capabilities))
	return err
}

// CloseClaimTx marks the open claim of agentID on a problem as closed.
func (r Repo) CloseClaimTx(ctx context.Context, tx *sql.Tx, problemID, agentID, reason, now string) error {
	_, err := tx.ExecContext(ctx, r.bind(`UPDATE claims SET closed_at=?, close_reason=? WHERE problem_id=? AND agent_id=? AND closed_at IS NULL`),
		now, reason, problemID, agentID)
	return err
}

// ListClaims returns the claim history of a problem, oldest first.
func (r Repo) ListClaims(ctx context.Context, problemID string) ([]domain.ClaimRecord, error) {
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT id,problem_id,agent_id,claimed_at,estimated_completion,COALESCE(approach,''),capabilities_json,closed_at,close_reason
FROM claims WHERE problem_id=? ORDER BY claimed_at ASC, id ASC`), problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClaimRecord
	for rows.Next() {
		var c domain.ClaimRecord
		var eta, closedAt, reason sql.NullString
		var caps string
		if err := rows.Scan(&c.ID, &c.ProblemID, &c.AgentID, &c.ClaimedAt, &eta, &c.Approach, &caps, &closedAt, &reason); err != nil {
			return nil, err
		}
		c.EstimatedCompletion = strPtr(eta)
		c.Capabilities = unmarshalStrings(caps)
		c.ClosedAt = strPtr(closedAt)
		c.CloseReason = strPtr(reason)
		res = append(res, c)
	}
	return res, rows.Err()
}
