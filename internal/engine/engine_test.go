package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/migrate"
	"harvestline/internal/normalize"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, db.DriverSQLite, cfg)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), clock: &clock}
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env testEnv) seed(t *testing.T, native, title string) domain.ExternalProblem {
	t.Helper()
	ext := "so_" + native
	p := domain.ExternalProblem{
		ID:           normalize.ProblemID(ext),
		ExternalID:   ext,
		SourceSite:   "stackoverflow",
		Title:        title,
		Description:  "How do I make the goroutine pool stop leaking when the context is cancelled?",
		CanonicalURL: "https://stackoverflow.com/q/" + native,
		Tags:         []string{"go", "concurrency"},
		Category:     "backend",
		Difficulty:   domain.DifficultyMedium,
		QualityScore: 0.7,
		Status:       domain.StatusAvailable,
		CreatedAt:    "2024-01-01T00:00:00Z",
	}
	ok, err := env.Engine.Repo.InsertProblemIfAbsent(env.Ctx, p, title)
	if err != nil || !ok {
		t.Fatalf("seed problem: ok=%v err=%v", ok, err)
	}
	return p
}

func TestClaimAssignsAvailableProblem(t *testing.T) {
	env := newTestEnv(t)
	p := env.seed(t, "1", "goroutine leak")
	est := "2024-01-01T02:00:00Z"
	res, err := env.Engine.Claim(env.Ctx, p.ID, "agent-a", engine.ClaimOptions{
		Capabilities:        []string{"go"},
		EstimatedCompletion: &est,
		Approach:            "bounded worker pool",
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Problem.Status != domain.StatusAssigned || res.Problem.AssignedAgentID == nil || *res.Problem.AssignedAgentID != "agent-a" {
		t.Fatalf("unexpected problem after claim: %+v", res.Problem)
	}
	if res.Assignment.ID == "" || res.Assignment.ClaimedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected assignment: %+v", res.Assignment)
	}
	claims, err := env.Engine.Repo.ListClaims(env.Ctx, p.ID)
	if err != nil || len(claims) != 1 || claims[0].Approach != "bounded worker pool" {
		t.Fatalf("claim history: %+v err=%v", claims, err)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	p := env.seed(t, "2", "race me")

	const agents = 8
	var wg sync.WaitGroup
	errs := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Claim(env.Ctx, p.ID, fmt.Sprintf("agent-%d", i), engine.ClaimOptions{})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrAlreadyClaimed):
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	claims, err := env.Engine.Repo.ListClaims(env.Ctx, p.ID)
	if err != nil || len(claims) != 1 {
		t.Fatalf("expected one claim record, got %d err=%v", len(claims), err)
	}
}

func TestClaimErrors(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Claim(env.Ctx, "missing", "agent-a", engine.ClaimOptions{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	p := env.seed(t, "3", "claim errors")
	if _, err := env.Engine.Claim(env.Ctx, p.ID, " ", engine.ClaimOptions{}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid agent, got %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, p.ID, "agent-a", engine.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, p.ID, "agent-b", engine.ClaimOptions{}); !errors.Is(err, domain.ErrAlreadyClaimed) {
		t.Fatalf("expected already claimed, got %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, p.ID, "agent-a", engine.SubmitOptions{Content: "done"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, p.ID, "agent-b", engine.ClaimOptions{}); !errors.Is(err, domain.ErrNotAvailable) {
		t.Fatalf("expected not available, got %v", err)
	}
}

func TestReleaseByOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	p := env.seed(t, "4", "release")
	if _, err := env.Engine.Claim(env.Ctx, p.ID, "agent-a", engine.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Release(env.Ctx, p.ID, "agent-b"); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	got, err := env.Engine.Repo.GetProblem(env.Ctx, p.ID)
	if err != nil || got.Status != domain.StatusAssigned || *got.AssignedAgentID != "agent-a" {
		t.Fatalf("foreign release changed state: %+v err=%v", got, err)
	}
	released, err := env.Engine.Release(env.Ctx, p.ID, "agent-a")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != domain.StatusAvailable || released.AssignedAgentID != nil {
		t.Fatalf("unexpected released problem: %+v", released)
	}
	if _, err := env.Engine.Release(env.Ctx, "missing", "agent-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	claims, _ := env.Engine.Repo.ListClaims(env.Ctx, p.ID)
	if len(claims) != 1 || claims[0].CloseReason == nil || *claims[0].CloseReason != "released" {
		t.Fatalf("claim not closed as released: %+v", claims)
	}
	if _, err := env.Engine.Claim(env.Ctx, p.ID, "agent-b", engine.ClaimOptions{}); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
}

func TestSubmitCompletesAtomically(t *testing.T) {
	env := newTestEnv(t)
	p := env.seed(t, "5", "submit")
	if _, err := env.Engine.Claim(env.Ctx, p.ID, "agent-a", engine.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, p.ID, "agent-b", engine.SubmitOptions{Content: "not mine"}); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	res, err := env.Engine.Submit(env.Ctx, p.ID, "agent-a", engine.SubmitOptions{
		Content:      "The goroutine leaks because the worker never selects on ctx.Done(). Therefore add a select.",
		CodeExamples: []string{"select {\ncase <-ctx.Done():\n\treturn\ncase j := <-jobs:\n\trun(j)\n}"},
		Explanation:  "First stop the producer, then drain the pool.",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Solution.QualityScore <= 0 || res.Solution.QualityScore > 1 {
		t.Fatalf("quality score out of range: %v", res.Solution.QualityScore)
	}
	if res.Solution.CrossPostResult != nil {
		t.Fatalf("no poster configured, got %+v", res.Solution.CrossPostResult)
	}
	got, err := env.Engine.Repo.GetProblem(env.Ctx, p.ID)
	if err != nil || got.Status != domain.StatusCompleted || got.AssignedAgentID != nil || got.SolutionCount != 1 {
		t.Fatalf("unexpected completed problem: %+v err=%v", got, err)
	}
	if _, err := env.Engine.Submit(env.Ctx, p.ID, "agent-a", engine.SubmitOptions{Content: "again"}); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("second submit should fail with not owner, got %v", err)
	}
	n, err := env.Engine.Repo.CountSolutions(env.Ctx, p.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected one stored solution, got %d err=%v", n, err)
	}
	claims, _ := env.Engine.Repo.ListClaims(env.Ctx, p.ID)
	if len(claims) != 1 || claims[0].CloseReason == nil || *claims[0].CloseReason != "completed" {
		t.Fatalf("claim not closed as completed: %+v", claims)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Submit(env.Ctx, "x", "agent-a", engine.SubmitOptions{}); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, "missing", "agent-a", engine.SubmitOptions{Content: "c"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	p := env.seed(t, "6", "unclaimed")
	if _, err := env.Engine.Submit(env.Ctx, p.ID, "agent-a", engine.SubmitOptions{Content: "c"}); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("submit on available problem should fail, got %v", err)
	}
}

type recordingPoster struct {
	calls int
}

func (r *recordingPoster) Post(_ context.Context, p domain.ExternalProblem, _ domain.SolutionSubmission) domain.CrossPostResult {
	r.calls++
	return domain.CrossPostResult{Status: domain.CrossPostFailed, Site: p.SourceSite, Error: domain.ErrCrossPostFailure.Error(), AttemptedAt: "2024-01-01T00:00:00Z"}
}

func TestCrossPostFailureDoesNotFailSubmit(t *testing.T) {
	env := newTestEnv(t)
	poster := &recordingPoster{}
	env.Engine.Poster = poster
	p := env.seed(t, "7", "crosspost")
	if _, err := env.Engine.Claim(env.Ctx, p.ID, "agent-a", engine.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, err := env.Engine.Submit(env.Ctx, p.ID, "agent-a", engine.SubmitOptions{Content: "answer"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if poster.calls != 1 || res.Solution.CrossPostResult == nil || res.Solution.CrossPostResult.Status != domain.CrossPostFailed {
		t.Fatalf("unexpected cross-post outcome: calls=%d res=%+v", poster.calls, res.Solution.CrossPostResult)
	}
	stored, err := env.Engine.Repo.GetSolution(env.Ctx, res.Solution.ID)
	if err != nil || stored.CrossPostResult == nil || stored.CrossPostResult.Status != domain.CrossPostFailed {
		t.Fatalf("cross-post outcome not stored: %+v err=%v", stored.CrossPostResult, err)
	}
}

func TestRecordEffectiveness(t *testing.T) {
	env := newTestEnv(t)
	p := env.seed(t, "8", "feedback")
	if _, err := env.Engine.Claim(env.Ctx, p.ID, "agent-a", engine.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, err := env.Engine.Submit(env.Ctx, p.ID, "agent-a", engine.SubmitOptions{Content: "answer"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	secs := int64(3600)
	for _, score := range []float64{0.9, 0.4} {
		if _, err := env.Engine.RecordEffectiveness(env.Ctx, res.Solution.ID, score, &secs, "worked"); err != nil {
			t.Fatalf("record %v: %v", score, err)
		}
	}
	list, err := env.Engine.Repo.ListFeedback(env.Ctx, res.Solution.ID, 10)
	if err != nil || len(list) != 2 {
		t.Fatalf("expected two feedback rows, got %d err=%v", len(list), err)
	}
	if _, err := env.Engine.RecordEffectiveness(env.Ctx, res.Solution.ID, 1.5, nil, ""); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid score, got %v", err)
	}
	if _, err := env.Engine.RecordEffectiveness(env.Ctx, "missing", 0.5, nil, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReapStaleReleasesOldAssignments(t *testing.T) {
	env := newTestEnv(t)
	old := env.seed(t, "9", "old claim")
	fresh := env.seed(t, "10", "fresh claim")
	if _, err := env.Engine.Claim(env.Ctx, old.ID, "agent-a", engine.ClaimOptions{}); err != nil {
		t.Fatalf("claim old: %v", err)
	}
	env.advance(3 * time.Hour)
	if _, err := env.Engine.Claim(env.Ctx, fresh.ID, "agent-b", engine.ClaimOptions{}); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}
	n, err := env.Engine.ReapStale(env.Ctx, 2*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one reaped assignment, got %d err=%v", n, err)
	}
	got, _ := env.Engine.Repo.GetProblem(env.Ctx, old.ID)
	if got.Status != domain.StatusAvailable {
		t.Fatalf("old assignment not released: %+v", got)
	}
	got, _ = env.Engine.Repo.GetProblem(env.Ctx, fresh.ID)
	if got.Status != domain.StatusAssigned {
		t.Fatalf("fresh assignment released: %+v", got)
	}
	claims, _ := env.Engine.Repo.ListClaims(env.Ctx, old.ID)
	if len(claims) != 1 || claims[0].CloseReason == nil || !strings.EqualFold(*claims[0].CloseReason, "expired") {
		t.Fatalf("claim not closed as expired: %+v", claims)
	}
	if _, err := env.Engine.ReapStale(env.Ctx, 0); !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid age, got %v", err)
	}
}
