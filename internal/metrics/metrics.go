// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HarvestCandidates counts candidates per site by pipeline outcome
	// (stored, duplicate, below_threshold, malformed, off_category).
	HarvestCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvestline",
		Name:      "harvest_candidates_total",
		Help:      "Harvested candidates by site and outcome.",
	}, []string{"site", "outcome"})

	HarvestSiteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvestline",
		Name:      "harvest_site_errors_total",
		Help:      "Site-level harvest failures by kind.",
	}, []string{"site", "kind"})

	HarvestRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvestline",
		Name:      "harvest_runs_total",
		Help:      "Completed harvest runs.",
	})

	RateLimitWaits = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harvestline",
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for a site token.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"site", "result"})

	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvestline",
		Name:      "claims_total",
		Help:      "Claim attempts by result.",
	}, []string{"result"})

	Releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvestline",
		Name:      "releases_total",
		Help:      "Assignment releases by reason.",
	}, []string{"reason"})

	Solutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvestline",
		Name:      "solutions_total",
		Help:      "Solution submissions by result.",
	}, []string{"result"})

	SolutionQuality = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "harvestline",
		Name:      "solution_quality",
		Help:      "Assessed quality of accepted solutions.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	CrossPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvestline",
		Name:      "crossposts_total",
		Help:      "Cross-post attempts by site and status.",
	}, []string{"site", "status"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvestline",
		Name:      "events_dropped_total",
		Help:      "Events dropped because the notifier buffer was full.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
