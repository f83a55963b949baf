package sites

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"harvestline/internal/config"
	"harvestline/internal/domain"
)

// HackerNews reads Ask HN stories through the Algolia search API.
type HackerNews struct {
	site config.SiteConfig
	f    *fetcher
}

type hnSearchResponse struct {
	Hits    []hnHit `json:"hits"`
	NbPages int     `json:"nbPages"`
	Page    int     `json:"page"`
}

type hnHit struct {
	ObjectID    string `json:"objectID"`
	Title       string `json:"title"`
	StoryText   string `json:"story_text"`
	Author      string `json:"author"`
	Points      int    `json:"points"`
	NumComments int    `json:"num_comments"`
	CreatedAtI  int64  `json:"created_at_i"`
}

func (h *HackerNews) Name() string { return h.site.Name }

func (h *HackerNews) Fetch(ctx context.Context, q Query) iter.Seq2[domain.RawCandidate, error] {
	return func(yield func(domain.RawCandidate, error) bool) {
		limit := q.Limit
		if limit <= 0 {
			limit = 30
		}
		perPage := min(limit, 100)
		emitted, skipped := 0, 0
		for page := 0; emitted < limit; page++ {
			var resp hnSearchResponse
			err := h.f.getJSON(ctx, h.searchURL(page, perPage), nil, &resp)
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
			for _, hit := range resp.Hits {
				cand, err := h.candidate(hit)
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
			if len(resp.Hits) == 0 || page+1 >= resp.NbPages {
				return
			}
		}
	}
}

func (h *HackerNews) searchURL(page, perPage int) string {
	v := url.Values{}
	v.Set("tags", optionOr(h.site.Options, "tags", "ask_hn"))
	v.Set("hitsPerPage", strconv.Itoa(perPage))
	v.Set("page", strconv.Itoa(page))
	return strings.TrimRight(h.site.BaseURL, "/") + "/api/v1/search_by_date?" + v.Encode()
}

func (h *HackerNews) candidate(hit hnHit) (domain.RawCandidate, error) {
	if hit.ObjectID == "" || strings.TrimSpace(hit.Title) == "" {
		return domain.RawCandidate{}, fmt.Errorf("%w: site %s: hit missing objectID or title", domain.ErrMalformedUpstream, h.site.Name)
	}
	return domain.RawCandidate{
		Site:            h.site.Name,
		NativeID:        hit.ObjectID,
		Title:           hit.Title,
		Body:            hit.StoryText,
		BodyFormat:      domain.BodyHTML,
		URL:             optionOr(h.site.Options, "item_url", "https://news.ycombinator.com/item?id=") + hit.ObjectID,
		Author:          hit.Author,
		EngagementScore: float64(hit.Points + hit.NumComments),
		CreatedAt:       unixTime(hit.CreatedAtI),
	}, nil
}
