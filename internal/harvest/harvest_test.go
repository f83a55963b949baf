package harvest

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/migrate"
	"harvestline/internal/repo"
	"harvestline/internal/scoring"
	"harvestline/internal/sites"
)

type fakeAdapter struct {
	name  string
	items []domain.RawCandidate
	err   error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(_ context.Context, q sites.Query) iter.Seq2[domain.RawCandidate, error] {
	return func(yield func(domain.RawCandidate, error) bool) {
		for i, c := range f.items {
			if q.Limit > 0 && i >= q.Limit {
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if f.err != nil {
			yield(domain.RawCandidate{}, f.err)
		}
	}
}

type fakeAdapters map[string]sites.Adapter

func (m fakeAdapters) Get(name string) (sites.Adapter, bool) {
	a, ok := m[name]
	return a, ok
}

var topics = []string{
	"parser", "scheduler", "websocket", "migration", "allocator",
	"tokenizer", "renderer", "compiler", "debugger", "profiler", "linker", "bundler",
}

// candidate builds a plain-text candidate whose detail score is bodyLen/100.
func candidate(site string, i, bodyLen int) domain.RawCandidate {
	return domain.RawCandidate{
		Site:       site,
		NativeID:   fmt.Sprintf("%d", 1000+i),
		Title:      fmt.Sprintf("%s stalls on startup", topics[i%len(topics)]),
		Body:       strings.Repeat("z", bodyLen),
		BodyFormat: domain.BodyText,
		URL:        fmt.Sprintf("https://example.com/%s/%d", site, i),
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestRunner(t *testing.T, adapters fakeAdapters) *Runner {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.DriverSQLite))

	r := New(repo.Repo{DB: conn, Driver: db.DriverSQLite}, adapters, config.Default())
	r.Policy = scoring.Policy{Weights: scoring.Weights{Detail: 1}, DetailTarget: 100}
	return r
}

func threshold(v float64) *float64 { return &v }

func TestRunKeepsBestAboveThreshold(t *testing.T) {
	var items []domain.RawCandidate
	for i, n := range []int{95, 30, 90, 30, 85, 30, 80, 30, 75, 70} {
		items = append(items, candidate("stackoverflow", i, n))
	}
	r := newTestRunner(t, fakeAdapters{"stackoverflow": &fakeAdapter{name: "stackoverflow", items: items}})

	run, err := r.Run(context.Background(), Request{Sites: []string{"stackoverflow"}, MaxPerSite: 5, QualityThreshold: threshold(0.6)})
	require.NoError(t, err)

	st := run.Breakdown["stackoverflow"]
	assert.Equal(t, 10, st.Found)
	assert.Equal(t, 4, st.BelowThreshold)
	assert.Equal(t, 5, st.Stored)
	assert.Equal(t, 10, run.ItemsFound)
	assert.Equal(t, 5, run.ItemsStored)

	stored, err := r.Repo.ListProblems(context.Background(), repo.ProblemFilter{Limit: 50})
	require.NoError(t, err)
	require.Len(t, stored, 5)
	for _, p := range stored {
		assert.GreaterOrEqual(t, p.QualityScore, 0.75)
		require.NotNil(t, p.HarvestRunID)
		assert.Equal(t, run.ID, *p.HarvestRunID)
	}

	saved, err := r.Repo.GetHarvestRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, saved.ItemsStored)
	assert.Equal(t, 4, saved.Breakdown["stackoverflow"].BelowThreshold)
}

func TestRunIsIdempotent(t *testing.T) {
	items := []domain.RawCandidate{candidate("github", 0, 90), candidate("github", 1, 90)}
	r := newTestRunner(t, fakeAdapters{"github": &fakeAdapter{name: "github", items: items}})
	req := Request{Sites: []string{"github"}, MaxPerSite: 5, QualityThreshold: threshold(0)}

	first, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, first.ItemsStored)

	second, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ItemsStored)
	assert.Equal(t, 2, second.Breakdown["github"].Duplicates)

	stored, err := r.Repo.ListProblems(context.Background(), repo.ProblemFilter{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRunIsolatesFailingSite(t *testing.T) {
	r := newTestRunner(t, fakeAdapters{
		"reddit":     &fakeAdapter{name: "reddit", err: fmt.Errorf("%w: reddit returned 503", domain.ErrSiteUnavailable)},
		"hackernews": &fakeAdapter{name: "hackernews", items: []domain.RawCandidate{candidate("hackernews", 0, 90)}, err: fmt.Errorf("%w: slow down", domain.ErrRateLimitExceeded)},
		"github":     &fakeAdapter{name: "github", items: []domain.RawCandidate{candidate("github", 5, 90)}},
	})
	run, err := r.Run(context.Background(), Request{Sites: []string{"reddit", "hackernews", "github"}, MaxPerSite: 5, QualityThreshold: threshold(0.5)})
	require.NoError(t, err)

	require.Len(t, run.Breakdown, 3)
	assert.Len(t, run.Breakdown["reddit"].Errors, 1)
	assert.Equal(t, 0, run.Breakdown["reddit"].Stored)
	assert.True(t, run.Breakdown["hackernews"].RateLimited)
	assert.Equal(t, 1, run.Breakdown["hackernews"].Stored)
	assert.Empty(t, run.Breakdown["github"].Errors)
	assert.Equal(t, 1, run.Breakdown["github"].Stored)
	assert.Equal(t, 2, run.ItemsStored)
}

func TestRunCountsMalformedAndOffCategory(t *testing.T) {
	bad := candidate("stackoverflow", 0, 90)
	bad.URL = ""
	web := candidate("stackoverflow", 1, 90)
	web.Title = "react component css layout breaks"
	other := candidate("stackoverflow", 2, 90)
	r := newTestRunner(t, fakeAdapters{"stackoverflow": &fakeAdapter{name: "stackoverflow", items: []domain.RawCandidate{bad, web, other}}})

	run, err := r.Run(context.Background(), Request{Categories: []string{"web"}, Sites: []string{"stackoverflow"}, MaxPerSite: 5, QualityThreshold: threshold(0)})
	require.NoError(t, err)
	st := run.Breakdown["stackoverflow"]
	assert.Equal(t, 1, st.Malformed)
	assert.Equal(t, 1, st.OffCategory)
	assert.Equal(t, 1, st.Stored)
}

func TestRunDropsNearDuplicatesAcrossSites(t *testing.T) {
	a := candidate("github", 0, 90)
	b := candidate("reddit", 0, 90)
	r := newTestRunner(t, fakeAdapters{
		"github": &fakeAdapter{name: "github", items: []domain.RawCandidate{a}},
		"reddit": &fakeAdapter{name: "reddit", items: []domain.RawCandidate{b}},
	})
	run, err := r.Run(context.Background(), Request{Sites: []string{"github", "reddit"}, MaxPerSite: 5, QualityThreshold: threshold(0)})
	require.NoError(t, err)
	assert.Equal(t, 1, run.ItemsStored)
	assert.Equal(t, 1, run.Breakdown["github"].Duplicates+run.Breakdown["reddit"].Duplicates)
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	r := newTestRunner(t, fakeAdapters{"github": &fakeAdapter{name: "github"}})
	cases := []Request{
		{Sites: []string{"myspace"}},
		{Sites: []string{"stackoverflow"}},
		{Sites: []string{"github"}, Categories: []string{"cooking"}},
		{Sites: []string{"github"}, MaxPerSite: 1000},
		{Sites: []string{"github"}, QualityThreshold: threshold(1.5)},
	}
	for _, req := range cases {
		_, err := r.Run(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalid, "%+v", req)
	}
}
