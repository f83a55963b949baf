package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/migrate"
	"harvestline/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.DriverSQLite))
	return repo.Repo{DB: conn, Driver: db.DriverSQLite}
}

func problem(id, ext string) domain.ExternalProblem {
	return domain.ExternalProblem{
		ID:           id,
		ExternalID:   ext,
		SourceSite:   "stackoverflow",
		Title:        "context cancel leaks goroutines",
		Description:  "body",
		CanonicalURL: "https://stackoverflow.com/q/1",
		Tags:         []string{"go"},
		Category:     "backend",
		Difficulty:   domain.DifficultyEasy,
		QualityScore: 0.7,
		CreatedAt:    ts,
	}
}

func TestInsertProblemIfAbsent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	ok, err := r.InsertProblemIfAbsent(ctx, problem("p1", "so_1"), "context cancel leaks goroutines")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.InsertProblemIfAbsent(ctx, problem("p2", "so_1"), "x")
	require.NoError(t, err)
	assert.False(t, ok, "same external_id")

	ok, err = r.InsertProblemIfAbsent(ctx, problem("p1", "so_2"), "x")
	require.NoError(t, err)
	assert.False(t, ok, "same id")

	_, err = r.InsertProblemIfAbsent(ctx, problem("", "so_3"), "x")
	assert.ErrorIs(t, err, domain.ErrInvalid)

	exists, err := r.ExistsExternalID(ctx, "so_1")
	require.NoError(t, err)
	assert.True(t, exists)

	p, err := r.GetProblem(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAvailable, p.Status)
	assert.Equal(t, []string{"go"}, p.Tags)

	_, err = r.GetProblem(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConditionalTransitions(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.InsertProblemIfAbsent(ctx, problem("p1", "so_1"), "k")
	require.NoError(t, err)

	step := func(fn func(tx *sql.Tx) (bool, error)) bool {
		tx, err := r.BeginTx(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		ok, err := fn(tx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		return ok
	}

	assert.True(t, step(func(tx *sql.Tx) (bool, error) { return r.ClaimProblemTx(ctx, tx, "p1", "a", ts) }))
	assert.False(t, step(func(tx *sql.Tx) (bool, error) { return r.ClaimProblemTx(ctx, tx, "p1", "b", ts) }), "second claim")
	assert.False(t, step(func(tx *sql.Tx) (bool, error) { return r.ReleaseProblemTx(ctx, tx, "p1", "b", ts) }), "release by non-owner")
	assert.False(t, step(func(tx *sql.Tx) (bool, error) { return r.ReleaseStaleTx(ctx, tx, "p1", "a", "2023-01-01T00:00:00Z", ts) }), "stale assignment mismatch")
	assert.True(t, step(func(tx *sql.Tx) (bool, error) { return r.CompleteProblemTx(ctx, tx, "p1", "a", ts) }))
	assert.False(t, step(func(tx *sql.Tx) (bool, error) { return r.CompleteProblemTx(ctx, tx, "p1", "a", ts) }), "complete twice")

	p, err := r.GetProblem(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, p.Status)
	assert.Nil(t, p.AssignedAgentID)
	assert.Equal(t, 1, p.SolutionCount)
}

func TestListProblemsFiltersAndOrders(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	low := problem("p1", "so_1")
	low.QualityScore = 0.5
	high := problem("p2", "so_2")
	high.QualityScore = 0.9
	other := problem("p3", "gh_3")
	other.SourceSite = "github"
	other.Category = "frontend"
	for _, p := range []domain.ExternalProblem{low, high, other} {
		_, err := r.InsertProblemIfAbsent(ctx, p, p.ID)
		require.NoError(t, err)
	}

	items, err := r.ListProblems(ctx, repo.ProblemFilter{SourceSite: "stackoverflow"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "p2", items[0].ID)

	items, err = r.ListProblems(ctx, repo.ProblemFilter{Category: "frontend"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p3", items[0].ID)

	items, err = r.ListProblems(ctx, repo.ProblemFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestFeedbackIsAppendOnly(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.InsertProblemIfAbsent(ctx, problem("p1", "so_1"), "k")
	require.NoError(t, err)
	tx, err := r.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, r.InsertSolutionTx(ctx, tx, domain.SolutionSubmission{
		ID: "s1", ProblemID: "p1", AgentID: "a", Content: "fix", QualityScore: 0.6, CreatedAt: ts,
	}, "backend"))
	require.NoError(t, tx.Commit())

	first, err := r.AppendFeedback(ctx, domain.FeedbackRecord{SolutionID: "s1", EffectivenessScore: 0.2, RecordedAt: ts})
	require.NoError(t, err)
	second, err := r.AppendFeedback(ctx, domain.FeedbackRecord{SolutionID: "s1", EffectivenessScore: 0.9, RecordedAt: ts})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	items, err := r.ListFeedback(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.InDelta(t, 0.2, items[0].EffectivenessScore, 1e-9)

	st, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.FeedbackRecords)
	assert.Equal(t, 1, st.Solutions)
	assert.InDelta(t, 0.55, st.AverageEffect, 1e-9)
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key, plain, err := r.IssueAPIKey(ctx, "agent-a", "laptop")
	require.NoError(t, err)

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.ActorID)

	keys, err := r.ListAPIKeys(ctx, "agent-a")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.RevokeAPIKey(ctx, key.ID))
	assert.ErrorIs(t, r.RevokeAPIKey(ctx, key.ID), repo.ErrNotFound)
	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
