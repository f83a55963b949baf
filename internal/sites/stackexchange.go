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

// StackExchange reads recent questions from the StackExchange API.
type StackExchange struct {
	site config.SiteConfig
	f    *fetcher
}

type seResponse struct {
	Items          []seQuestion `json:"items"`
	HasMore        bool         `json:"has_more"`
	QuotaRemaining *int         `json:"quota_remaining"`
	Backoff        int          `json:"backoff"`
}

type seQuestion struct {
	QuestionID   int64    `json:"question_id"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Link         string   `json:"link"`
	Tags         []string `json:"tags"`
	Score        int      `json:"score"`
	ViewCount    int      `json:"view_count"`
	AnswerCount  int      `json:"answer_count"`
	CreationDate int64    `json:"creation_date"`
	Owner        struct {
		DisplayName string `json:"display_name"`
	} `json:"owner"`
}

func (s *StackExchange) Name() string { return s.site.Name }

func (s *StackExchange) Fetch(ctx context.Context, q Query) iter.Seq2[domain.RawCandidate, error] {
	return func(yield func(domain.RawCandidate, error) bool) {
		limit := q.Limit
		if limit <= 0 {
			limit = 30
		}
		pageSize := min(limit, 100)
		emitted, skipped := 0, 0
		for page := 1; emitted < limit; page++ {
			var resp seResponse
			err := s.f.getJSON(ctx, s.pageURL(page, pageSize), nil, &resp)
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
			if resp.Backoff > 0 {
				s.f.bucket.Backoff(time.Now().Add(time.Duration(resp.Backoff) * time.Second))
			}
			if resp.QuotaRemaining != nil {
				s.f.bucket.Observe(*resp.QuotaRemaining, time.Time{})
			}
			for _, item := range resp.Items {
				cand, err := s.candidate(item)
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
			if !resp.HasMore || len(resp.Items) == 0 {
				return
			}
		}
	}
}

func (s *StackExchange) pageURL(page, pageSize int) string {
	v := url.Values{}
	v.Set("order", "desc")
	v.Set("sort", "creation")
	v.Set("filter", "withbody")
	v.Set("site", optionOr(s.site.Options, "site", "stackoverflow"))
	v.Set("page", strconv.Itoa(page))
	v.Set("pagesize", strconv.Itoa(pageSize))
	if tagged := s.site.Options["tagged"]; tagged != "" {
		v.Set("tagged", tagged)
	}
	if key := s.site.Token(); key != "" {
		v.Set("key", key)
	}
	return strings.TrimRight(s.site.BaseURL, "/") + "/2.3/questions?" + v.Encode()
}

func (s *StackExchange) candidate(item seQuestion) (domain.RawCandidate, error) {
	if item.QuestionID == 0 || strings.TrimSpace(item.Title) == "" || item.Link == "" {
		return domain.RawCandidate{}, fmt.Errorf("%w: site %s: question missing id, title or link", domain.ErrMalformedUpstream, s.site.Name)
	}
	return domain.RawCandidate{
		Site:            s.site.Name,
		NativeID:        strconv.FormatInt(item.QuestionID, 10),
		Title:           item.Title,
		Body:            item.Body,
		BodyFormat:      domain.BodyHTML,
		URL:             item.Link,
		Author:          item.Owner.DisplayName,
		Tags:            item.Tags,
		EngagementScore: float64(item.Score) + 2*float64(item.AnswerCount) + float64(item.ViewCount)/100,
		CreatedAt:       unixTime(item.CreationDate),
	}, nil
}

func optionOr(opts map[string]string, key, fallback string) string {
	if v := strings.TrimSpace(opts[key]); v != "" {
		return v
	}
	return fallback
}
