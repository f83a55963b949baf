package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/events"
	"harvestline/internal/metrics"
	"harvestline/internal/repo"
	"harvestline/internal/scoring"
)

// CrossPoster publishes an accepted solution to its origin. It reports every
// outcome in the result and never fails the submission.
type CrossPoster interface {
	Post(ctx context.Context, p domain.ExternalProblem, s domain.SolutionSubmission) domain.CrossPostResult
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   *events.Notifier
	Config   *config.Config
	Assessor *scoring.Assessor
	Poster   CrossPoster
	Log      *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, driver string, cfg *config.Config) Engine {
	r := repo.Repo{DB: db, Driver: driver}
	return Engine{
		DB:       db,
		Repo:     r,
		Config:   cfg,
		Assessor: scoring.NewAssessor(r),
		Log:      slog.Default(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ClaimOptions carry the agent's optional claim metadata.
type ClaimOptions struct {
	Capabilities        []string
	EstimatedCompletion *string
	Approach            string
}

type ClaimResult struct {
	Assignment domain.ClaimRecord
	Problem    domain.ExternalProblem
}

// Claim assigns an available problem to agentID with a single conditional
// write. The follow-up read only picks the error kind.
func (e Engine) Claim(ctx context.Context, problemID, agentID string, opts ClaimOptions) (ClaimResult, error) {
	if strings.TrimSpace(agentID) == "" {
		return ClaimResult{}, fmt.Errorf("%w: agent_id is required", domain.ErrInvalid)
	}
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return ClaimResult{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	ok, err := e.Repo.ClaimProblemTx(ctx, tx, problemID, agentID, now)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim problem: %w", err)
	}
	if !ok {
		cerr := e.classifyClaimMiss(ctx, tx, problemID)
		metrics.Claims.WithLabelValues(resultLabel(cerr)).Inc()
		return ClaimResult{}, cerr
	}
	claim := domain.ClaimRecord{
		ID:                  uuid.NewString(),
		ProblemID:           problemID,
		AgentID:             agentID,
		ClaimedAt:           now,
		EstimatedCompletion: opts.EstimatedCompletion,
		Approach:            opts.Approach,
		Capabilities:        opts.Capabilities,
	}
	if claim.Capabilities == nil {
		claim.Capabilities = []string{}
	}
	if err := e.Repo.InsertClaimTx(ctx, tx, claim); err != nil {
		return ClaimResult{}, fmt.Errorf("insert claim: %w", err)
	}
	p, err := e.Repo.GetProblemTx(ctx, tx, problemID)
	if err != nil {
		return ClaimResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}
	metrics.Claims.WithLabelValues("claimed").Inc()
	e.log().Info("problem claimed", "problem_id", problemID, "agent_id", agentID, "assignment_id", claim.ID)
	e.Events.Notify(events.ProblemClaimed, events.EntityProblem, problemID, agentID, events.Payload{
		"assignment_id": claim.ID,
		"external_id":   p.ExternalID,
	})
	return ClaimResult{Assignment: claim, Problem: p}, nil
}

func (e Engine) classifyClaimMiss(ctx context.Context, tx *sql.Tx, problemID string) error {
	p, err := e.Repo.GetProblemTx(ctx, tx, problemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("problem %s: %w", problemID, domain.ErrNotFound)
		}
		return err
	}
	switch p.Status {
	case domain.StatusAssigned:
		return fmt.Errorf("problem %s: %w", problemID, domain.ErrAlreadyClaimed)
	default:
		return fmt.Errorf("problem %s is %s: %w", problemID, p.Status, domain.ErrNotAvailable)
	}
}

// Release returns a problem held by agentID to the pool.
func (e Engine) Release(ctx context.Context, problemID, agentID string) (domain.ExternalProblem, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return domain.ExternalProblem{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	ok, err := e.Repo.ReleaseProblemTx(ctx, tx, problemID, agentID, now)
	if err != nil {
		return domain.ExternalProblem{}, fmt.Errorf("release problem: %w", err)
	}
	if !ok {
		return domain.ExternalProblem{}, e.ownerMiss(ctx, tx, problemID, agentID)
	}
	if err := e.Repo.CloseClaimTx(ctx, tx, problemID, agentID, "released", now); err != nil {
		return domain.ExternalProblem{}, fmt.Errorf("close claim: %w", err)
	}
	p, err := e.Repo.GetProblemTx(ctx, tx, problemID)
	if err != nil {
		return domain.ExternalProblem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExternalProblem{}, err
	}
	metrics.Releases.WithLabelValues("released").Inc()
	e.log().Info("problem released", "problem_id", problemID, "agent_id", agentID)
	e.Events.Notify(events.ProblemReleased, events.EntityProblem, problemID, agentID, nil)
	return p, nil
}

func (e Engine) ownerMiss(ctx context.Context, tx *sql.Tx, problemID, agentID string) error {
	_, err := e.Repo.GetProblemTx(ctx, tx, problemID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("problem %s: %w", problemID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("problem %s, agent %s: %w", problemID, agentID, domain.ErrNotOwner)
}

// ReapStale releases assignments older than olderThan. Each release is guarded
// on the observed agent and assigned_at, so a fresh re-claim is left alone.
func (e Engine) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: reap age must be positive", domain.ErrInvalid)
	}
	cutoff := e.now().Add(-olderThan).UTC().Format(time.RFC3339)
	stale, err := e.Repo.ListStaleAssignments(ctx, cutoff, 500)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, p := range stale {
		if p.AssignedAgentID == nil || p.AssignedAt == nil {
			continue
		}
		ok, err := e.releaseStale(ctx, p.ID, *p.AssignedAgentID, *p.AssignedAt)
		if err != nil {
			return released, err
		}
		if !ok {
			continue
		}
		released++
		metrics.Releases.WithLabelValues("expired").Inc()
		e.log().Info("stale assignment released", "problem_id", p.ID, "agent_id", *p.AssignedAgentID, "assigned_at", *p.AssignedAt)
		e.Events.Notify(events.ProblemExpired, events.EntityProblem, p.ID, events.SystemActor, events.Payload{
			"agent_id":    *p.AssignedAgentID,
			"assigned_at": *p.AssignedAt,
		})
	}
	return released, nil
}

func (e Engine) releaseStale(ctx context.Context, problemID, agentID, assignedAt string) (bool, error) {
	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	now := e.stamp()
	ok, err := e.Repo.ReleaseStaleTx(ctx, tx, problemID, agentID, assignedAt, now)
	if err != nil || !ok {
		return false, err
	}
	if err := e.Repo.CloseClaimTx(ctx, tx, problemID, agentID, "expired", now); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// SubmitOptions is the solution body.
type SubmitOptions struct {
	Content      string
	CodeExamples []string
	Explanation  string
}

type SubmitResult struct {
	Solution   domain.SolutionSubmission
	Assessment scoring.Assessment
}

// Submit stores a solution and completes the problem in one transaction.
// A failed transition rolls the submission back. Cross-posting runs after
// commit and never affects the outcome.
func (e Engine) Submit(ctx context.Context, problemID, agentID string, opts SubmitOptions) (SubmitResult, error) {
	if strings.TrimSpace(opts.Content) == "" {
		return SubmitResult{}, fmt.Errorf("%w: content is required", domain.ErrInvalid)
	}
	p, err := e.Repo.GetProblem(ctx, problemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return SubmitResult{}, fmt.Errorf("problem %s: %w", problemID, domain.ErrNotFound)
		}
		return SubmitResult{}, err
	}
	if p.Status != domain.StatusAssigned || p.AssignedAgentID == nil || *p.AssignedAgentID != agentID {
		metrics.Solutions.WithLabelValues("not_owner").Inc()
		return SubmitResult{}, fmt.Errorf("problem %s, agent %s: %w", problemID, agentID, domain.ErrNotOwner)
	}

	s := domain.SolutionSubmission{
		ID:           uuid.NewString(),
		ProblemID:    problemID,
		AgentID:      agentID,
		Content:      opts.Content,
		CodeExamples: opts.CodeExamples,
		Explanation:  opts.Explanation,
		CreatedAt:    e.stamp(),
	}
	if s.CodeExamples == nil {
		s.CodeExamples = []string{}
	}
	assessment, err := e.Assessor.Assess(ctx, p, s)
	if err != nil {
		return SubmitResult{}, err
	}
	s.QualityScore = assessment.Total

	tx, err := e.Repo.BeginTx(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSolutionTx(ctx, tx, s, p.Category); err != nil {
		return SubmitResult{}, fmt.Errorf("insert solution: %w", err)
	}
	ok, err := e.Repo.CompleteProblemTx(ctx, tx, problemID, agentID, s.CreatedAt)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("complete problem: %w", err)
	}
	if !ok {
		metrics.Solutions.WithLabelValues("not_owner").Inc()
		return SubmitResult{}, fmt.Errorf("problem %s, agent %s: %w", problemID, agentID, domain.ErrNotOwner)
	}
	if err := e.Repo.CloseClaimTx(ctx, tx, problemID, agentID, "completed", s.CreatedAt); err != nil {
		return SubmitResult{}, fmt.Errorf("close claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}
	metrics.Solutions.WithLabelValues("accepted").Inc()
	metrics.SolutionQuality.Observe(s.QualityScore)
	e.log().Info("solution accepted", "problem_id", problemID, "agent_id", agentID, "solution_id", s.ID, "quality_score", s.QualityScore)

	if e.Poster != nil {
		res := e.Poster.Post(context.WithoutCancel(ctx), p, s)
		if err := e.Repo.InsertCrossPost(context.WithoutCancel(ctx), s.ID, res); err != nil {
			e.log().Warn("record cross-post outcome", "solution_id", s.ID, "err", err)
		}
		s.CrossPostResult = &res
	}
	payload := events.Payload{"problem_id": problemID, "quality_score": s.QualityScore}
	if s.CrossPostResult != nil {
		payload["cross_post"] = s.CrossPostResult.Status
	}
	e.Events.Notify(events.SolutionSubmitted, events.EntitySolution, s.ID, agentID, payload)
	return SubmitResult{Solution: s, Assessment: assessment}, nil
}

// RecordEffectiveness appends a feedback row for an existing solution.
func (e Engine) RecordEffectiveness(ctx context.Context, solutionID string, score float64, resolutionSeconds *int64, feedback string) (domain.FeedbackRecord, error) {
	if score < 0 || score > 1 || score != score {
		return domain.FeedbackRecord{}, fmt.Errorf("%w: effectiveness score must be within [0,1]", domain.ErrInvalid)
	}
	if resolutionSeconds != nil && *resolutionSeconds < 0 {
		return domain.FeedbackRecord{}, fmt.Errorf("%w: resolution time must not be negative", domain.ErrInvalid)
	}
	if _, err := e.Repo.GetSolution(ctx, solutionID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.FeedbackRecord{}, fmt.Errorf("solution %s: %w", solutionID, domain.ErrNotFound)
		}
		return domain.FeedbackRecord{}, err
	}
	rec, err := e.Repo.AppendFeedback(ctx, domain.FeedbackRecord{
		SolutionID:            solutionID,
		EffectivenessScore:    score,
		ResolutionTimeSeconds: resolutionSeconds,
		Feedback:              feedback,
		RecordedAt:            e.stamp(),
	})
	if err != nil {
		return domain.FeedbackRecord{}, fmt.Errorf("append feedback: %w", err)
	}
	e.Events.Notify(events.FeedbackRecorded, events.EntitySolution, solutionID, "", events.Payload{
		"feedback_id":         rec.ID,
		"effectiveness_score": score,
	})
	return rec, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, domain.ErrNotAvailable):
		return "not_available"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
