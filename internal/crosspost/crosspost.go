// Package crosspost publishes accepted solutions back to their origin site.
package crosspost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/metrics"
	"harvestline/internal/sites"
)

const defaultTimeout = 5 * time.Second

// Posters resolves the SolutionPoster of a site.
type Posters interface {
	Poster(site string) (sites.SolutionPoster, bool)
}

// Poster decides whether and where a solution is cross-posted. Post never
// returns an error: every outcome is reported in the result.
type Poster struct {
	cfg     *config.Config
	posters Posters
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func New(cfg *config.Config, posters Posters, logger *slog.Logger) *Poster {
	timeout := cfg.CrossPost.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poster{cfg: cfg, posters: posters, timeout: timeout, log: logger, now: time.Now}
}

// Post attempts the cross-post within the configured timeout.
func (p *Poster) Post(ctx context.Context, problem domain.ExternalProblem, s domain.SolutionSubmission) domain.CrossPostResult {
	res := domain.CrossPostResult{Site: problem.SourceSite, Status: domain.CrossPostSkipped}
	site, ok := p.cfg.Site(problem.SourceSite)
	if !ok || !site.CrossPost {
		return p.finish(res)
	}
	poster, ok := p.posters.Poster(problem.SourceSite)
	if !ok {
		return p.finish(res)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	url, err := poster.PostSolution(ctx, problem, s)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", p.timeout, err)
		}
		res.Status = domain.CrossPostFailed
		res.Error = fmt.Errorf("%w: %v", domain.ErrCrossPostFailure, err).Error()
		p.log.Warn("cross-post failed", "site", problem.SourceSite, "problem_id", problem.ID, "solution_id", s.ID, "err", err)
		return p.finish(res)
	}
	res.Status = domain.CrossPostPosted
	res.URL = url
	p.log.Info("cross-posted solution", "site", problem.SourceSite, "problem_id", problem.ID, "url", url)
	return p.finish(res)
}

func (p *Poster) finish(res domain.CrossPostResult) domain.CrossPostResult {
	res.AttemptedAt = p.now().UTC().Format(time.RFC3339)
	metrics.CrossPosts.WithLabelValues(res.Site, res.Status).Inc()
	return res
}
