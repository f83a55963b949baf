package repo

import (
	"context"
	"database/sql"
	"errors"

	"harvestline/internal/domain"
)

// InsertSolutionTx stores a submission. category is denormalized for per-category agent history.
func (r Repo) InsertSolutionTx(ctx context.Context, tx *sql.Tx, s domain.SolutionSubmission, category string) error {
	if s.ID == "" || s.ProblemID == "" || s.AgentID == "" {
		return errors.New("solution id, problem_id and agent_id required")
	}
	_, err := tx.ExecContext(ctx, r.bind(`INSERT INTO solutions(id,problem_id,agent_id,category,content,code_examples_json,explanation,quality_score,created_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		s.ID, s.ProblemID, s.AgentID, category, s.Content, marshalStrings(s.CodeExamples), nullable(s.Explanation), s.QualityScore, s.CreatedAt)
	return err
}

const solutionColumns = `id,problem_id,agent_id,content,code_examples_json,COALESCE(explanation,''),quality_score,created_at`

func scanSolution(row rowScanner) (domain.SolutionSubmission, error) {
	var s domain.SolutionSubmission
	var code string
	err := row.Scan(&s.ID, &s.ProblemID, &s.AgentID, &s.Content, &code, &s.Explanation, &s.QualityScore, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CodeExamples = unmarshalStrings(code)
	return s, nil
}

// GetSolution returns a submission with its latest cross-post outcome.
func (r Repo) GetSolution(ctx context.Context, id string) (domain.SolutionSubmission, error) {
	s, err := scanSolution(r.DB.QueryRowContext(ctx, r.bind(`SELECT `+solutionColumns+` FROM solutions WHERE id=?`), id))
	if err != nil {
		return s, err
	}
	res, err := r.LatestCrossPost(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return s, err
	}
	if err == nil {
		s.CrossPostResult = &res
	}
	return s, nil
}

// CountSolutions reports how many submissions exist for a problem.
func (r Repo) CountSolutions(ctx context.Context, problemID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT COUNT(*) FROM solutions WHERE problem_id=?`), problemID).Scan(&n)
	return n, err
}

func (r Repo) ListSolutions(ctx context.Context, limit int) ([]domain.SolutionSubmission, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT `+solutionColumns+` FROM solutions ORDER BY created_at DESC, id ASC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.SolutionSubmission{}
	for rows.Next() {
		s, err := scanSolution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// AgentAverageQuality returns the mean quality of an agent's past submissions in a category.
func (r Repo) AgentAverageQuality(ctx context.Context, agentID, category string) (float64, int, error) {
	var avg sql.NullFloat64
	var n int
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT AVG(quality_score), COUNT(*) FROM solutions WHERE agent_id=? AND category=?`), agentID, category).Scan(&avg, &n)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, n, nil
}

// InsertCrossPost appends a cross-post attempt for a solution.
func (r Repo) InsertCrossPost(ctx context.Context, solutionID string, res domain.CrossPostResult) error {
	_, err := r.DB.ExecContext(ctx, r.bind(`INSERT INTO cross_posts(solution_id,site,status,url,error,attempted_at) VALUES (?,?,?,?,?,?)`),
		solutionID, res.Site, res.Status, nullable(res.URL), nullable(res.Error), res.AttemptedAt)
	return err
}

func (r Repo) LatestCrossPost(ctx context.Context, solutionID string) (domain.CrossPostResult, error) {
	var res domain.CrossPostResult
	var url, errText sql.NullString
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT site,status,url,error,attempted_at FROM cross_posts WHERE solution_id=? ORDER BY id DESC LIMIT 1`), solutionID).
		Scan(&res.Site, &res.Status, &url, &errText, &res.AttemptedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.URL = url.String
	res.Error = errText.String
	return res, nil
}
