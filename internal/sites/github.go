package sites

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/domain"
)

// GitHub searches open issues and can comment solutions back onto them.
type GitHub struct {
	site config.SiteConfig
	f    *fetcher
}

type ghSearchResponse struct {
	TotalCount int       `json:"total_count"`
	Items      []ghIssue `json:"items"`
}

type ghIssue struct {
	ID       int64  `json:"id"`
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	HTMLURL  string `json:"html_url"`
	Comments int    `json:"comments"`
	User     struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Reactions struct {
		TotalCount int `json:"total_count"`
	} `json:"reactions"`
	CreatedAt time.Time `json:"created_at"`
}

type ghComment struct {
	HTMLURL string `json:"html_url"`
}

func (g *GitHub) Name() string { return g.site.Name }

func (g *GitHub) headers() map[string]string {
	h := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if token := g.site.Token(); token != "" {
		h["Authorization"] = "Bearer " + token
	}
	return h
}

func (g *GitHub) Fetch(ctx context.Context, q Query) iter.Seq2[domain.RawCandidate, error] {
	return func(yield func(domain.RawCandidate, error) bool) {
		limit := q.Limit
		if limit <= 0 {
			limit = 30
		}
		perPage := min(limit, 100)
		emitted, skipped := 0, 0
		// search results stop at 1000 items
		for page := 1; emitted < limit && (page-1)*perPage < 1000; page++ {
			var resp ghSearchResponse
			err := g.f.getJSON(ctx, g.searchURL(page, perPage), g.headers(), &resp)
			if errors.Is(err, errSkip) {
				if skipped++; skipped >= maxPageSkips {
					return
				}
				continue
			}
			skipped = 0
			if err != nil {
				yield(domain.RawCandidate{}, err)
				return
			}
			for _, item := range resp.Items {
				cand, err := g.candidate(item)
				if !yield(cand, err) {
					return
				}
				if err == nil {
					emitted++
					if emitted >= limit {
						return
					}
				}
			}
			if len(resp.Items) < perPage {
				return
			}
		}
	}
}

func (g *GitHub) searchURL(page, perPage int) string {
	query := strings.TrimSpace("is:issue is:open " + g.site.Options["query"])
	v := url.Values{}
	v.Set("q", query)
	v.Set("sort", "created")
	v.Set("order", "desc")
	v.Set("per_page", strconv.Itoa(perPage))
	v.Set("page", strconv.Itoa(page))
	return strings.TrimRight(g.site.BaseURL, "/") + "/search/issues?" + v.Encode()
}

func (g *GitHub) candidate(item ghIssue) (domain.RawCandidate, error) {
	if item.ID == 0 || strings.TrimSpace(item.Title) == "" || item.HTMLURL == "" {
		return domain.RawCandidate{}, fmt.Errorf("%w: site %s: issue missing id, title or html_url", domain.ErrMalformedUpstream, g.site.Name)
	}
	tags := make([]string, 0, len(item.Labels))
	for _, l := range item.Labels {
		if l.Name != "" {
			tags = append(tags, l.Name)
		}
	}
	return domain.RawCandidate{
		Site:            g.site.Name,
		NativeID:        strconv.FormatInt(item.ID, 10),
		Title:           item.Title,
		Body:            item.Body,
		BodyFormat:      domain.BodyMarkdown,
		URL:             item.HTMLURL,
		Author:          item.User.Login,
		Tags:            tags,
		EngagementScore: float64(item.Reactions.TotalCount + item.Comments),
		CreatedAt:       item.CreatedAt.UTC(),
	}, nil
}

// PostSolution comments the solution onto the originating issue and returns the comment URL.
func (g *GitHub) PostSolution(ctx context.Context, p domain.ExternalProblem, s domain.SolutionSubmission) (string, error) {
	if g.site.Token() == "" {
		return "", fmt.Errorf("%s: no token configured in %s", g.site.Name, g.site.TokenEnv)
	}
	owner, repo, number, err := parseIssueURL(p.CanonicalURL)
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", strings.TrimRight(g.site.BaseURL, "/"), owner, repo, number)
	var out ghComment
	if err := g.f.postJSON(ctx, endpoint, g.headers(), map[string]string{"body": FormatSolution(s)}, &out); err != nil {
		return "", err
	}
	return out.HTMLURL, nil
}

// parseIssueURL splits https://github.com/{owner}/{repo}/issues/{n}.
func parseIssueURL(raw string) (string, string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", 0, fmt.Errorf("parse issue url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "issues" {
		return "", "", 0, fmt.Errorf("not an issue url: %s", raw)
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n <= 0 {
		return "", "", 0, fmt.Errorf("bad issue number in %s", raw)
	}
	return parts[0], parts[1], n, nil
}

// FormatSolution renders a submission as a markdown comment body.
func FormatSolution(s domain.SolutionSubmission) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.Content))
	if exp := strings.TrimSpace(s.Explanation); exp != "" {
		b.WriteString("\n\n**Explanation**\n\n")
		b.WriteString(exp)
	}
	for _, code := range s.CodeExamples {
		if strings.TrimSpace(code) == "" {
			continue
		}
		b.WriteString("\n\n```\n")
		b.WriteString(strings.TrimRight(code, "\n"))
		b.WriteString("\n```")
	}
	return b.String()
}
