package repo

import (
	"context"
	"database/sql"

	"harvestline/internal/domain"
)

// AppendFeedback stores an effectiveness record and returns it with its assigned id.
// The table has no update or delete path.
func (r Repo) AppendFeedback(ctx context.Context, f domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	query := `INSERT INTO feedback(solution_id,effectiveness_score,resolution_time_seconds,feedback,recorded_at) VALUES (?,?,?,?,?) RETURNING id`
	err := r.DB.QueryRowContext(ctx, r.bind(query),
		f.SolutionID, f.EffectivenessScore, nullableInt64Ptr(f.ResolutionTimeSeconds), nullable(f.Feedback), f.RecordedAt).Scan(&f.ID)
	return f, err
}

// ListFeedback returns feedback in insertion order; an empty solutionID lists all.
func (r Repo) ListFeedback(ctx context.Context, solutionID string, limit int) ([]domain.FeedbackRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT id,solution_id,effectiveness_score,resolution_time_seconds,COALESCE(feedback,''),recorded_at FROM feedback`
	var args []any
	if solutionID != "" {
		query += ` WHERE solution_id=?`
		args = append(args, solutionID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.FeedbackRecord{}
	for rows.Next() {
		var f domain.FeedbackRecord
		var rt sql.NullInt64
		if err := rows.Scan(&f.ID, &f.SolutionID, &f.EffectivenessScore, &rt, &f.Feedback, &f.RecordedAt); err != nil {
			return nil, err
		}
		if rt.Valid {
			v := rt.Int64
			f.ResolutionTimeSeconds = &v
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
