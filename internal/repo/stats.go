package repo

import (
	"context"
	"database/sql"

	"harvestline/internal/domain"
)

// Stats aggregates counts across problems, solutions, feedback and runs.
func (r Repo) Stats(ctx context.Context) (domain.Stats, error) {
	st := domain.Stats{
		ByStatus:   map[string]int{},
		ByCategory: map[string]int{},
		BySite:     map[string]int{},
	}
	groups := []struct {
		column string
		into   map[string]int
	}{
		{"status", st.ByStatus},
		{"category", st.ByCategory},
		{"source_site", st.BySite},
	}
	for _, g := range groups {
		if err := r.countBy(ctx, g.column, g.into); err != nil {
			return st, err
		}
	}
	var avg sql.NullFloat64
	if err := r.DB.QueryRowContext(ctx, `SELECT AVG(quality_score) FROM problems`).Scan(&avg); err != nil {
		return st, err
	}
	st.AverageQuality = avg.Float64
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), AVG(quality_score) FROM solutions`).Scan(&st.Solutions, &avg); err != nil {
		return st, err
	}
	st.AverageSolution = avg.Float64
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), AVG(effectiveness_score) FROM feedback`).Scan(&st.FeedbackRecords, &avg); err != nil {
		return st, err
	}
	st.AverageEffect = avg.Float64
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM harvest_runs`).Scan(&st.HarvestRuns); err != nil {
		return st, err
	}
	return st, nil
}

func (r Repo) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM problems GROUP BY `+column)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
