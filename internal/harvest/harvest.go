// Package harvest runs the fetch, normalize, dedup, score and store pipeline
// across the configured sites.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"harvestline/internal/config"
	"harvestline/internal/dedup"
	"harvestline/internal/domain"
	"harvestline/internal/events"
	"harvestline/internal/metrics"
	"harvestline/internal/normalize"
	"harvestline/internal/repo"
	"harvestline/internal/scoring"
	"harvestline/internal/sites"
)

const maxPerSiteCap = 100

// Adapters resolves a site adapter by name.
type Adapters interface {
	Get(name string) (sites.Adapter, bool)
}

// Request selects what one run harvests. Zero values fall back to config.
type Request struct {
	Sites            []string
	Categories       []string
	MaxPerSite       int
	QualityThreshold *float64
}

type Runner struct {
	Repo       repo.Repo
	Adapters   Adapters
	Config     *config.Config
	Normalizer *normalize.Normalizer
	Dedup      *dedup.Deduplicator
	Policy     scoring.Policy
	Events     *events.Notifier
	Log        *slog.Logger
	Now        func() time.Time
}

func New(r repo.Repo, adapters Adapters, cfg *config.Config) *Runner {
	return &Runner{
		Repo:       r,
		Adapters:   adapters,
		Config:     cfg,
		Normalizer: normalize.New(cfg.Sites),
		Dedup:      dedup.New(r, cfg.Dedup),
		Policy:     scoring.PolicyFromConfig(cfg.Scoring),
		Log:        slog.Default(),
		Now:        time.Now,
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

type plan struct {
	sites      []string
	adapters   []sites.Adapter
	categories []string
	maxPerSite int
	threshold  float64
}

func (r *Runner) resolve(req Request) (plan, error) {
	pl := plan{maxPerSite: req.MaxPerSite, threshold: r.Config.Harvest.QualityThreshold}
	if pl.maxPerSite == 0 {
		pl.maxPerSite = r.Config.Harvest.MaxPerSite
	}
	if pl.maxPerSite <= 0 || pl.maxPerSite > maxPerSiteCap {
		return plan{}, fmt.Errorf("%w: max_per_site must be within 1..%d", domain.ErrInvalid, maxPerSiteCap)
	}
	if req.QualityThreshold != nil {
		pl.threshold = *req.QualityThreshold
	}
	if pl.threshold < 0 || pl.threshold > 1 {
		return plan{}, fmt.Errorf("%w: quality_threshold must be within [0,1]", domain.ErrInvalid)
	}

	names := req.Sites
	if len(names) == 0 {
		names = r.Config.EnabledSites()
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if slices.Contains(pl.sites, name) {
			continue
		}
		sc, ok := r.Config.Site(name)
		if !ok || !sc.IsEnabled() {
			return plan{}, fmt.Errorf("%w: unknown or disabled site %q", domain.ErrInvalid, name)
		}
		a, ok := r.Adapters.Get(name)
		if !ok {
			return plan{}, fmt.Errorf("%w: no adapter for site %q", domain.ErrInvalid, name)
		}
		pl.sites = append(pl.sites, name)
		pl.adapters = append(pl.adapters, a)
	}
	if len(pl.sites) == 0 {
		return plan{}, fmt.Errorf("%w: no sites to harvest", domain.ErrInvalid)
	}

	known := append(normalize.Categories(), normalize.CategoryGeneral)
	for _, c := range req.Categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if !slices.Contains(known, c) {
			return plan{}, fmt.Errorf("%w: unknown category %q", domain.ErrInvalid, c)
		}
		if !slices.Contains(pl.categories, c) {
			pl.categories = append(pl.categories, c)
		}
	}
	return pl, nil
}

// Run harvests every requested site concurrently and persists the run. Site
// failures land in the run's breakdown and never fail the run.
func (r *Runner) Run(ctx context.Context, req Request) (domain.HarvestRun, error) {
	pl, err := r.resolve(req)
	if err != nil {
		return domain.HarvestRun{}, err
	}
	session, err := r.Dedup.Session(ctx)
	if err != nil {
		return domain.HarvestRun{}, err
	}
	run := domain.HarvestRun{
		ID:               uuid.NewString(),
		Sites:            pl.sites,
		Categories:       pl.categories,
		MaxPerSite:       pl.maxPerSite,
		QualityThreshold: pl.threshold,
		StartedAt:        r.now().UTC().Format(time.RFC3339),
		Breakdown:        map[string]domain.SiteStats{},
	}
	if run.Categories == nil {
		run.Categories = []string{}
	}
	r.log().Info("harvest started", "run_id", run.ID, "sites", pl.sites, "max_per_site", pl.maxPerSite, "quality_threshold", pl.threshold)

	results := make([]domain.SiteStats, len(pl.adapters))
	var g errgroup.Group
	g.SetLimit(len(pl.adapters))
	for i, a := range pl.adapters {
		g.Go(func() error {
			results[i] = r.harvestSite(ctx, run.ID, a, pl, session)
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range results {
		run.Breakdown[st.Site] = st
		run.ItemsFound += st.Found
		run.ItemsStored += st.Stored
	}
	run.CompletedAt = r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.InsertHarvestRun(context.WithoutCancel(ctx), run); err != nil {
		return run, fmt.Errorf("persist harvest run: %w", err)
	}
	metrics.HarvestRuns.Inc()
	r.log().Info("harvest completed", "run_id", run.ID, "found", run.ItemsFound, "stored", run.ItemsStored)
	r.Events.Notify(events.HarvestCompleted, events.EntityHarvestRun, run.ID, events.SystemActor, events.Payload{
		"sites":        run.Sites,
		"items_found":  run.ItemsFound,
		"items_stored": run.ItemsStored,
	})
	return run, nil
}

type draft struct {
	problem domain.ExternalProblem
	key     string
}

func (r *Runner) harvestSite(ctx context.Context, runID string, a sites.Adapter, pl plan, session *dedup.Session) domain.SiteStats {
	site := a.Name()
	st := domain.SiteStats{Site: site, Errors: []string{}}
	log := r.log().With("site", site, "run_id", runID)
	count := func(outcome string) {
		metrics.HarvestCandidates.WithLabelValues(site, outcome).Inc()
	}
	fail := func(kind string, err error) {
		metrics.HarvestSiteErrors.WithLabelValues(site, kind).Inc()
		st.Errors = append(st.Errors, err.Error())
		log.Warn("site harvest stopped", "kind", kind, "err", err)
	}

	multiplier := max(r.Config.Harvest.FetchMultiplier, 1)
	drafts := map[string]draft{}
	var scored []domain.ExternalProblem
	for c, err := range a.Fetch(ctx, sites.Query{Limit: pl.maxPerSite * multiplier}) {
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrMalformedUpstream):
				st.Malformed++
				count("malformed")
				log.Debug("skipping malformed candidate", "err", err)
				continue
			case errors.Is(err, domain.ErrRateLimitExceeded):
				st.RateLimited = true
				fail("rate_limited", err)
			case errors.Is(err, domain.ErrSiteUnavailable):
				fail("unavailable", err)
			default:
				fail("error", err)
			}
			break
		}
		st.Found++
		p, err := r.Normalizer.Normalize(c)
		if err != nil {
			st.Malformed++
			count("malformed")
			log.Debug("skipping malformed candidate", "native_id", c.NativeID, "err", err)
			continue
		}
		if len(pl.categories) > 0 && !slices.Contains(pl.categories, p.Category) {
			st.OffCategory++
			count("off_category")
			continue
		}
		if _, seen := drafts[p.ExternalID]; seen {
			st.Duplicates++
			count("duplicate")
			continue
		}
		key, err := session.Check(ctx, p)
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateProblem) {
				st.Duplicates++
				count("duplicate")
				continue
			}
			fail("store", err)
			break
		}
		p.QualityScore = r.Policy.Score(p, r.now()).Total
		p.HarvestRunID = &runID
		drafts[p.ExternalID] = draft{problem: p, key: key}
		scored = append(scored, p)
	}

	kept, below := scoring.Filter(scored, pl.threshold, 0)
	st.BelowThreshold = below
	for range below {
		count("below_threshold")
	}
	for _, p := range kept {
		if st.Stored >= pl.maxPerSite {
			break
		}
		if err := session.Admit(p, drafts[p.ExternalID].key); err != nil {
			st.Duplicates++
			count("duplicate")
			continue
		}
		ok, err := r.Repo.InsertProblemIfAbsent(context.WithoutCancel(ctx), p, drafts[p.ExternalID].key)
		if err != nil {
			fail("store", err)
			break
		}
		if !ok {
			st.Duplicates++
			count("duplicate")
			continue
		}
		st.Stored++
		count("stored")
	}
	log.Info("site harvested", "found", st.Found, "stored", st.Stored, "duplicates", st.Duplicates,
		"below_threshold", st.BelowThreshold, "malformed", st.Malformed, "off_category", st.OffCategory)
	return st
}
