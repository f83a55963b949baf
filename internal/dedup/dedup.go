// Package dedup rejects problems already stored or near-identical to recent ones.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gosimple/slug"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/repo"
)

// Store is the slice of the problem store the deduplicator reads.
type Store interface {
	ExistsExternalID(ctx context.Context, externalID string) (bool, error)
	RecentTitleKeys(ctx context.Context, since string, limit int) ([]repo.TitleKey, error)
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "with": true, "at": true, "by": true, "from": true, "is": true,
	"are": true, "was": true, "be": true, "it": true, "this": true, "that": true, "my": true, "i": true,
	"how": true, "what": true, "why": true, "when": true, "can": true, "do": true, "does": true,
	"not": true, "using": true, "use": true, "into": true, "ask": true, "hn": true,
}

// TitleKey reduces a title to its sorted, unique, stop-word-free slug tokens.
func TitleKey(title string) string {
	seen := map[string]bool{}
	for _, tok := range strings.Split(slug.Make(title), "-") {
		if tok == "" || stopwords[tok] {
			continue
		}
		seen[tok] = true
	}
	toks := make([]string, 0, len(seen))
	for tok := range seen {
		toks = append(toks, tok)
	}
	sort.Strings(toks)
	return strings.Join(toks, "-")
}

func tokenSet(key string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Split(key, "-") {
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when either set is empty.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

type Deduplicator struct {
	store     Store
	threshold float64
	window    time.Duration
	limit     int
	now       func() time.Time
}

func New(store Store, cfg config.DedupConfig) *Deduplicator {
	return &Deduplicator{
		store:     store,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		limit:     cfg.WindowLimit,
		now:       time.Now,
	}
}

type entry struct {
	externalID string
	tokens     map[string]bool
}

// Session is a run-scoped view: the recent-title baseline is loaded once and
// drafts admitted during the run are checked across sites.
type Session struct {
	d        *Deduplicator
	baseline []entry

	mu       sync.Mutex
	admitted []entry
	ids      map[string]bool
}

func (d *Deduplicator) Session(ctx context.Context) (*Session, error) {
	since := d.now().Add(-d.window).UTC().Format(time.RFC3339)
	keys, err := d.store.RecentTitleKeys(ctx, since, d.limit)
	if err != nil {
		return nil, fmt.Errorf("load recent titles: %w", err)
	}
	s := &Session{d: d, ids: map[string]bool{}}
	for _, k := range keys {
		s.baseline = append(s.baseline, entry{externalID: k.ExternalID, tokens: tokenSet(k.Key)})
	}
	return s, nil
}

// Check returns the draft's title key, or ErrDuplicateProblem when the draft is
// already stored, already admitted in this run, or a near-duplicate of either.
func (s *Session) Check(ctx context.Context, p domain.ExternalProblem) (string, error) {
	key := TitleKey(p.Title)
	s.mu.Lock()
	dupID := s.ids[p.ExternalID]
	s.mu.Unlock()
	if dupID {
		return key, fmt.Errorf("%w: %s already admitted in this run", domain.ErrDuplicateProblem, p.ExternalID)
	}
	exists, err := s.d.store.ExistsExternalID(ctx, p.ExternalID)
	if err != nil {
		return key, err
	}
	if exists {
		return key, fmt.Errorf("%w: %s already stored", domain.ErrDuplicateProblem, p.ExternalID)
	}
	toks := tokenSet(key)
	if other, ok := s.near(s.baseline, p.ExternalID, toks); ok {
		return key, fmt.Errorf("%w: %s resembles %s", domain.ErrDuplicateProblem, p.ExternalID, other)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.near(s.admitted, p.ExternalID, toks); ok {
		return key, fmt.Errorf("%w: %s resembles %s", domain.ErrDuplicateProblem, p.ExternalID, other)
	}
	return key, nil
}

// Admit records a draft about to be stored. It re-checks against drafts admitted
// concurrently by other sites since Check.
func (s *Session) Admit(p domain.ExternalProblem, key string) error {
	toks := tokenSet(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids[p.ExternalID] {
		return fmt.Errorf("%w: %s already admitted in this run", domain.ErrDuplicateProblem, p.ExternalID)
	}
	if other, ok := s.near(s.admitted, p.ExternalID, toks); ok {
		return fmt.Errorf("%w: %s resembles %s", domain.ErrDuplicateProblem, p.ExternalID, other)
	}
	s.ids[p.ExternalID] = true
	s.admitted = append(s.admitted, entry{externalID: p.ExternalID, tokens: toks})
	return nil
}

func (s *Session) near(entries []entry, externalID string, toks map[string]bool) (string, bool) {
	for _, e := range entries {
		if e.externalID == externalID {
			continue
		}
		if Jaccard(toks, e.tokens) > s.d.threshold {
			return e.externalID, true
		}
	}
	return "", false
}
