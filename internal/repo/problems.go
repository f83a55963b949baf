package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"harvestline/internal/domain"
)

const problemColumns = `id,external_id,source_site,title,description,canonical_url,COALESCE(author,''),tags_json,category,difficulty,
quality_score,engagement_score,status,assigned_agent_id,assigned_at,source_created_at,harvest_run_id,solution_count,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProblem(row rowScanner) (domain.ExternalProblem, error) {
	var p domain.ExternalProblem
	var tags string
	var agent, assignedAt, sourceCreated, runID sql.NullString
	err := row.Scan(&p.ID, &p.ExternalID, &p.SourceSite, &p.Title, &p.Description, &p.CanonicalURL, &p.Author, &tags,
		&p.Category, &p.Difficulty, &p.QualityScore, &p.EngagementScore, &p.Status, &agent, &assignedAt, &sourceCreated,
		&runID, &p.SolutionCount, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Tags = unmarshalStrings(tags)
	p.AssignedAgentID = strPtr(agent)
	p.AssignedAt = strPtr(assignedAt)
	p.SourceCreatedAt = strPtr(sourceCreated)
	p.HarvestRunID = strPtr(runID)
	return p, nil
}

// InsertProblemIfAbsent stores a harvested problem unless its id or external_id already exists.
// It reports whether a row was written.
func (r Repo) InsertProblemIfAbsent(ctx context.Context, p domain.ExternalProblem, titleKey string) (bool, error) {
	if p.ID == "" || p.ExternalID == "" {
		return false, fmt.Errorf("%w: problem id and external_id required", domain.ErrInvalid)
	}
	if p.Status == "" {
		p.Status = domain.StatusAvailable
	}
	if p.UpdatedAt == "" {
		p.UpdatedAt = p.CreatedAt
	}
	res, err := r.DB.ExecContext(ctx, r.bind(`INSERT INTO problems(id,external_id,source_site,title,title_key,description,canonical_url,author,tags_json,category,difficulty,
quality_score,engagement_score,status,source_created_at,harvest_run_id,solution_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,?,?) ON CONFLICT DO NOTHING`),
		p.ID, p.ExternalID, p.SourceSite, p.Title, titleKey, p.Description, p.CanonicalURL, nullable(p.Author), marshalStrings(p.Tags),
		p.Category, p.Difficulty, p.QualityScore, p.EngagementScore, p.Status, nullableStrPtr(p.SourceCreatedAt),
		nullableStrPtr(p.HarvestRunID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExistsExternalID probes the unique index on external_id.
func (r Repo) ExistsExternalID(ctx context.Context, externalID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, r.bind(`SELECT 1 FROM problems WHERE external_id=? LIMIT 1`), externalID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TitleKey is the normalized title of a recently harvested problem.
type TitleKey struct {
	ExternalID string
	Key        string
}

// RecentTitleKeys returns normalized titles harvested at or after since, newest first, bounded by limit.
func (r Repo) RecentTitleKeys(ctx context.Context, since string, limit int) ([]TitleKey, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT external_id,title_key FROM problems WHERE created_at>=? ORDER BY created_at DESC LIMIT ?`), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TitleKey
	for rows.Next() {
		var k TitleKey
		if err := rows.Scan(&k.ExternalID, &k.Key); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (r Repo) GetProblem(ctx context.Context, id string) (domain.ExternalProblem, error) {
	return r.getProblem(ctx, r.DB, id)
}

func (r Repo) GetProblemTx(ctx context.Context, tx *sql.Tx, id string) (domain.ExternalProblem, error) {
	return r.getProblem(ctx, tx, id)
}

func (r Repo) getProblem(ctx context.Context, q querier, id string) (domain.ExternalProblem, error) {
	return scanProblem(q.QueryRowContext(ctx, r.bind(`SELECT `+problemColumns+` FROM problems WHERE id=?`), id))
}

type ProblemFilter struct {
	Status     string
	Category   string
	Difficulty string
	SourceSite string
	Limit      int
	Offset     int
}

func (r Repo) ListProblems(ctx context.Context, f ProblemFilter) ([]domain.ExternalProblem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Difficulty != "" {
		clauses = append(clauses, "difficulty=?")
		args = append(args, f.Difficulty)
	}
	if f.SourceSite != "" {
		clauses = append(clauses, "source_site=?")
		args = append(args, f.SourceSite)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM problems %s ORDER BY quality_score DESC, created_at DESC, id ASC LIMIT ? OFFSET ?`, problemColumns, where)
	args = append(args, f.Limit, f.Offset)
	rows, err := r.DB.QueryContext(ctx, r.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ExternalProblem{}
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ClaimProblemTx moves an available problem to assigned. The affected-row count decides success.
func (r Repo) ClaimProblemTx(ctx context.Context, tx *sql.Tx, id, agentID, now string) (bool, error) {
	return affected(tx.ExecContext(ctx, r.bind(`UPDATE problems SET status='assigned', assigned_agent_id=?, assigned_at=?, updated_at=?
WHERE id=? AND status='available'`), agentID, now, now, id))
}

// ReleaseProblemTx returns an assigned problem to the pool when agentID holds it.
func (r Repo) ReleaseProblemTx(ctx context.Context, tx *sql.Tx, id, agentID, now string) (bool, error) {
	return affected(tx.ExecContext(ctx, r.bind(`UPDATE problems SET status='available', assigned_agent_id=NULL, assigned_at=NULL, updated_at=?
WHERE id=? AND status='assigned' AND assigned_agent_id=?`), now, id, agentID))
}

// ReleaseStaleTx releases an assignment only if it is still the exact one observed as stale.
func (r Repo) ReleaseStaleTx(ctx context.Context, tx *sql.Tx, id, agentID, assignedAt, now string) (bool, error) {
	return affected(tx.ExecContext(ctx, r.bind(`UPDATE problems SET status='available', assigned_agent_id=NULL, assigned_at=NULL, updated_at=?
WHERE id=? AND status='assigned' AND assigned_agent_id=? AND assigned_at=?`), now, id, agentID, assignedAt))
}

// CompleteProblemTx moves a problem held by agentID to completed and counts the solution.
func (r Repo) CompleteProblemTx(ctx context.Context, tx *sql.Tx, id, agentID, now string) (bool, error) {
	return affected(tx.ExecContext(ctx, r.bind(`UPDATE problems SET status='completed', assigned_agent_id=NULL, assigned_at=NULL,
solution_count=solution_count+1, updated_at=? WHERE id=? AND status='assigned' AND assigned_agent_id=?`), now, id, agentID))
}

// ListStaleAssignments returns assigned problems whose assignment started before cutoff.
func (r Repo) ListStaleAssignments(ctx context.Context, cutoff string, limit int) ([]domain.ExternalProblem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.bind(`SELECT `+problemColumns+` FROM problems WHERE status='assigned' AND assigned_at<? ORDER BY assigned_at ASC LIMIT ?`), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExternalProblem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
