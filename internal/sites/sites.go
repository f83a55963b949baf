// Package sites fetches candidate problems from upstream communities.
package sites

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/ratelimit"
)

// Query bounds what an adapter fetches in one run. Category filtering happens
// after normalization, since upstream taxonomies differ per site.
type Query struct {
	Limit int
}

// Adapter yields raw candidates from one upstream source. The sequence is
// lazy and finite; a non-nil error with ErrRateLimitExceeded or
// ErrSiteUnavailable is the last value yielded.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, q Query) iter.Seq2[domain.RawCandidate, error]
}

// SolutionPoster is implemented by adapters that can publish a solution back to the origin.
type SolutionPoster interface {
	PostSolution(ctx context.Context, p domain.ExternalProblem, s domain.SolutionSubmission) (string, error)
}

// Options tune the shared HTTP behavior of adapters.
type Options struct {
	HTTPClient *http.Client
	MaxWait    time.Duration
	Retries    int
	Backoff    time.Duration
	UserAgent  string
	Logger     *slog.Logger
}

// Registry holds the configured adapters by site name.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Add(a Adapter) {
	if _, ok := r.adapters[a.Name()]; !ok {
		r.order = append(r.order, a.Name())
	}
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Poster returns the site's SolutionPoster when the adapter supports it.
func (r *Registry) Poster(name string) (SolutionPoster, bool) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, false
	}
	p, ok := a.(SolutionPoster)
	return p, ok
}

func (r *Registry) Names() []string {
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Build constructs an adapter for every site in cfg and registers its bucket in limits.
func Build(cfg *config.Config, limits *ratelimit.Registry, opts Options) (*Registry, error) {
	reg := NewRegistry()
	for _, sc := range cfg.Sites {
		bucket := limits.Register(sc.Name, sc.Rate.Capacity, sc.Rate.RefillPerSecond)
		f := newFetcher(sc, bucket, opts)
		var a Adapter
		switch sc.Kind {
		case "stackexchange":
			a = &StackExchange{site: sc, f: f}
		case "github":
			a = &GitHub{site: sc, f: f}
		case "reddit":
			a = &Reddit{site: sc, f: f}
		case "hackernews":
			a = &HackerNews{site: sc, f: f}
		default:
			return nil, fmt.Errorf("site %s: unknown kind %q", sc.Name, sc.Kind)
		}
		reg.Add(a)
	}
	return reg, nil
}
