package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"harvestline/internal/domain"
)

// InsertHarvestRun persists a completed run. Runs are written once.
func (r Repo) InsertHarvestRun(ctx context.Context, run domain.HarvestRun) error {
	breakdown, err := json.Marshal(run.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, r.bind(`INSERT INTO harvest_runs(id,sites_json,categories_json,max_per_site,quality_threshold,started_at,completed_at,items_found,items_stored,breakdown_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`),
		run.ID, marshalStrings(run.Sites), marshalStrings(run.Categories), run.MaxPerSite, run.QualityThreshold,
		run.StartedAt, run.CompletedAt, run.ItemsFound, run.ItemsStored, string(breakdown))
	return err
}

const runColumns = `id,sites_json,categories_json,max_per_site,quality_threshold,started_at,completed_at,items_found,items_stored,breakdown_json`

func scanRun(row rowScanner) (domain.HarvestRun, error) {
	var run domain.HarvestRun
	var sites, cats, breakdown string
	err := row.Scan(&run.ID, &sites, &cats, &run.MaxPerSite, &run.QualityThreshold, &run.StartedAt, &run.CompletedAt,
		&run.ItemsFound, &run.ItemsStored, &breakdown)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.Sites = unmarshalStrings(sites)
	run.Categories = unmarshalStrings(cats)
	run.Breakdown = map[string]domain.SiteStats{}
	if err := json.Unmarshal([]byte(breakdown), &run.Breakdown); err != nil {
		return run, fmt.Errorf("decode breakdown of run %s: %w", run.ID, err)
	}
	return run, nil
}

func (r Repo) GetHarvestRun(ctx context.Context, id string) (domain.HarvestRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, r.bind(`SELECT `+runColumns+` FROM harvest_runs WHERE id=?`), id))
}

// ListHarvestRuns returns the most recent runs first.
func (r Repo) ListHarvestRuns(ctx context.Context, limit int) ([]domain.HarvestRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT `+runColumns+` FROM harvest_runs ORDER BY started_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HarvestRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
