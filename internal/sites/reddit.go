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

// Reddit reads new self posts from the configured subreddits.
type Reddit struct {
	site config.SiteConfig
	f    *fetcher
}

type redditListing struct {
	Data struct {
		After    *string `json:"after"`
		Children []struct {
			Kind string     `json:"kind"`
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Selftext      string  `json:"selftext"`
	Permalink     string  `json:"permalink"`
	Author        string  `json:"author"`
	LinkFlairText *string `json:"link_flair_text"`
	Score         int     `json:"score"`
	NumComments   int     `json:"num_comments"`
	CreatedUTC    float64 `json:"created_utc"`
	IsSelf        bool    `json:"is_self"`
	Stickied      bool    `json:"stickied"`
}

func (r *Reddit) Name() string { return r.site.Name }

func (r *Reddit) subreddits() []string {
	var subs []string
	for _, s := range strings.Split(optionOr(r.site.Options, "subreddits", "learnprogramming"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			subs = append(subs, s)
		}
	}
	return subs
}

func (r *Reddit) Fetch(ctx context.Context, q Query) iter.Seq2[domain.RawCandidate, error] {
	return func(yield func(domain.RawCandidate, error) bool) {
		limit := q.Limit
		if limit <= 0 {
			limit = 30
		}
		subs := r.subreddits()
		if len(subs) == 0 {
			return
		}
		perSub := (limit + len(subs) - 1) / len(subs)
		emitted := 0
		for _, sub := range subs {
			after := ""
			got := 0
			for got < perSub && emitted < limit {
				var listing redditListing
				err := r.f.getJSON(ctx, r.listingURL(sub, min(perSub-got, 100), after), nil, &listing)
				if errors.Is(err, errSkip) {
					break
				}
				if err != nil {
					yield(domain.RawCandidate{}, err)
					return
				}
				for _, child := range listing.Data.Children {
					post := child.Data
					if child.Kind != "t3" || !post.IsSelf || post.Stickied {
						continue
					}
					cand, err := r.candidate(post)
					if !yield(cand, err) {
						return
					}
					if err == nil {
						got++
						emitted++
						if got >= perSub || emitted >= limit {
							break
						}
					}
				}
				if listing.Data.After == nil || *listing.Data.After == "" || len(listing.Data.Children) == 0 {
					break
				}
				after = *listing.Data.After
			}
			if emitted >= limit {
				return
			}
		}
	}
}

func (r *Reddit) listingURL(sub string, limit int, after string) string {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(limit))
	v.Set("raw_json", "1")
	if after != "" {
		v.Set("after", after)
	}
	return fmt.Sprintf("%s/r/%s/new.json?%s", strings.TrimRight(r.site.BaseURL, "/"), url.PathEscape(sub), v.Encode())
}

func (r *Reddit) candidate(post redditPost) (domain.RawCandidate, error) {
	if post.ID == "" || strings.TrimSpace(post.Title) == "" || post.Permalink == "" {
		return domain.RawCandidate{}, fmt.Errorf("%w: site %s: post missing id, title or permalink", domain.ErrMalformedUpstream, r.site.Name)
	}
	var tags []string
	if post.LinkFlairText != nil && strings.TrimSpace(*post.LinkFlairText) != "" {
		tags = append(tags, strings.TrimSpace(*post.LinkFlairText))
	}
	return domain.RawCandidate{
		Site:            r.site.Name,
		NativeID:        post.ID,
		Title:           post.Title,
		Body:            post.Selftext,
		BodyFormat:      domain.BodyMarkdown,
		URL:             optionOr(r.site.Options, "web_url", "https://www.reddit.com") + post.Permalink,
		Author:          post.Author,
		Tags:            tags,
		EngagementScore: float64(post.Score + post.NumComments),
		CreatedAt:       unixTime(int64(post.CreatedUTC)),
	}, nil
}
