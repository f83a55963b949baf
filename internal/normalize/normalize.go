// Package normalize maps raw upstream candidates onto the canonical problem shape.
package normalize

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"harvestline/internal/config"
	"harvestline/internal/domain"
)

const (
	CategoryGeneral = "general"
	maxTags         = 5
)

type categoryRule struct {
	name     string
	keywords []string
}

// categories is ordered: on equal match counts the earlier entry wins.
var categories = []categoryRule{
	{"web", []string{"html", "css", "javascript", "react", "vue", "angular", "frontend", "dom", "browser", "typescript", "nextjs", "http"}},
	{"backend", []string{"api", "server", "rest", "graphql", "database", "sql", "postgres", "mysql", "django", "flask", "express", "spring", "microservice"}},
	{"data", []string{"pandas", "numpy", "etl", "csv", "dataframe", "spark", "analytics", "warehouse", "excel", "json"}},
	{"ml", []string{"machine learning", "neural", "model", "training", "pytorch", "tensorflow", "llm", "embedding", "classifier", "dataset"}},
	{"devops", []string{"docker", "kubernetes", "ci", "deploy", "terraform", "aws", "gcp", "azure", "nginx", "pipeline", "helm", "ansible"}},
	{"mobile", []string{"android", "ios", "swift", "kotlin", "flutter", "react native", "xcode", "mobile"}},
	{"security", []string{"security", "auth", "oauth", "jwt", "encryption", "xss", "csrf", "vulnerability", "tls", "certificate"}},
	{"systems", []string{"memory", "thread", "concurrency", "kernel", "compiler", "rust", "golang", "c++", "performance", "segfault", "goroutine"}},
}

var complexityKeywords = []string{
	"architecture", "distributed", "concurrency", "race condition", "deadlock", "scalability",
	"optimization", "algorithm", "performance", "memory leak", "consistency", "migration",
}

// Categories lists the known category names in dictionary order.
func Categories() []string {
	out := make([]string, 0, len(categories))
	for _, c := range categories {
		out = append(out, c.name)
	}
	return out
}

// CategoryKeywords returns the dictionary keywords of a category.
func CategoryKeywords(category string) []string {
	for _, c := range categories {
		if c.name == category {
			return c.keywords
		}
	}
	return nil
}

// Normalizer turns RawCandidates into ExternalProblem drafts. It holds no
// mutable state and is safe for concurrent use.
type Normalizer struct {
	prefixes map[string]string
	md       *converter.Converter
	text     *bluemonday.Policy
	now      func() time.Time
}

func New(sites []config.SiteConfig) *Normalizer {
	prefixes := make(map[string]string, len(sites))
	for _, s := range sites {
		prefixes[s.Name] = s.Prefix
	}
	return &Normalizer{
		prefixes: prefixes,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		text: bluemonday.StrictPolicy(),
		now:  time.Now,
	}
}

// ExternalID builds the site-prefixed identifier.
func (n *Normalizer) ExternalID(site, nativeID string) string {
	prefix, ok := n.prefixes[site]
	if !ok {
		prefix = site + "_"
	}
	return prefix + nativeID
}

// ProblemID derives the stable public id of an external problem.
func ProblemID(externalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(externalID)).String()
}

func (n *Normalizer) Normalize(c domain.RawCandidate) (domain.ExternalProblem, error) {
	nativeID := strings.TrimSpace(c.NativeID)
	title := n.plainText(c.Title)
	url := strings.TrimSpace(c.URL)
	if nativeID == "" || title == "" || url == "" {
		return domain.ExternalProblem{}, fmt.Errorf("%w: site %s: candidate missing native id, title or url", domain.ErrMalformedUpstream, c.Site)
	}
	desc, err := n.description(c)
	if err != nil {
		return domain.ExternalProblem{}, fmt.Errorf("%w: site %s: %v", domain.ErrMalformedUpstream, c.Site, err)
	}

	text := strings.ToLower(title + "\n" + desc + "\n" + strings.Join(c.Tags, " "))
	category, matched := classify(text)
	tags := matched
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	if tags == nil {
		tags = []string{}
	}

	externalID := n.ExternalID(c.Site, nativeID)
	now := n.now().UTC().Format(time.RFC3339)
	p := domain.ExternalProblem{
		ID:              ProblemID(externalID),
		ExternalID:      externalID,
		SourceSite:      c.Site,
		Title:           title,
		Description:     desc,
		CanonicalURL:    url,
		Author:          strings.TrimSpace(c.Author),
		Tags:            tags,
		Category:        category,
		Difficulty:      difficulty(desc, text, len(c.Tags)),
		EngagementScore: max(c.EngagementScore, 0),
		Status:          domain.StatusAvailable,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if !c.CreatedAt.IsZero() {
		ts := c.CreatedAt.UTC().Format(time.RFC3339)
		p.SourceCreatedAt = &ts
	}
	return p, nil
}

func (n *Normalizer) plainText(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(n.text.Sanitize(s))), " ")
}

func (n *Normalizer) description(c domain.RawCandidate) (string, error) {
	switch c.BodyFormat {
	case domain.BodyHTML:
		if strings.TrimSpace(c.Body) == "" {
			return "", nil
		}
		md, err := n.md.ConvertString(c.Body, converter.WithDomain(c.URL))
		if err != nil {
			return "", fmt.Errorf("convert body: %w", err)
		}
		return strings.TrimSpace(md), nil
	default:
		return strings.TrimSpace(c.Body), nil
	}
}

// classify returns the best category and the keywords it matched, in
// descending category-relevance order.
func classify(text string) (string, []string) {
	best, bestCount := CategoryGeneral, 0
	hits := make(map[string][]string, len(categories))
	for _, c := range categories {
		for _, kw := range c.keywords {
			if containsWord(text, kw) {
				hits[c.name] = append(hits[c.name], kw)
			}
		}
		if n := len(hits[c.name]); n > bestCount {
			best, bestCount = c.name, n
		}
	}
	if bestCount == 0 {
		return CategoryGeneral, nil
	}
	// winning category's keywords first, then the rest in dictionary order
	out := append([]string(nil), hits[best]...)
	for _, c := range categories {
		if c.name != best {
			out = append(out, hits[c.name]...)
		}
	}
	return best, dedupe(out)
}

func difficulty(desc, text string, nativeTags int) string {
	points := 0
	switch {
	case len(desc) > 1500:
		points += 2
	case len(desc) > 500:
		points++
	}
	signals := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(text, kw) {
			signals++
		}
	}
	switch {
	case signals >= 2:
		points += 2
	case signals == 1:
		points++
	}
	if nativeTags >= 4 {
		points++
	}
	switch {
	case points >= 4:
		return domain.DifficultyHard
	case points >= 2:
		return domain.DifficultyMedium
	default:
		return domain.DifficultyEasy
	}
}

// containsWord matches kw in text on word boundaries, so "ci" does not match "precision".
func containsWord(text, kw string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], kw)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(kw)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
