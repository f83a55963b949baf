// Package scoring rates harvested problems and submitted solutions.
package scoring

import (
	"math"
	"sort"
	"strings"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/domain"
)

// Weights are the composite-score coefficients. They are normalized by their sum.
type Weights struct {
	Detail     float64 `json:"detail"`
	Recency    float64 `json:"recency"`
	Engagement float64 `json:"engagement"`
	Clarity    float64 `json:"clarity"`
}

func (w Weights) sum() float64 {
	return w.Detail + w.Recency + w.Engagement + w.Clarity
}

// Policy holds every knob of problem scoring in one place.
type Policy struct {
	Weights              Weights
	DetailTarget         int
	RecencyHalfLife      time.Duration
	EngagementSaturation float64
}

// DefaultPolicy is the 0.3/0.2/0.25/0.25 composite.
func DefaultPolicy() Policy {
	return Policy{
		Weights:              Weights{Detail: 0.3, Recency: 0.2, Engagement: 0.25, Clarity: 0.25},
		DetailTarget:         1200,
		RecencyHalfLife:      7 * 24 * time.Hour,
		EngagementSaturation: 100,
	}
}

func PolicyFromConfig(c config.ScoringConfig) Policy {
	p := DefaultPolicy()
	w := Weights{Detail: c.Weights.Detail, Recency: c.Weights.Recency, Engagement: c.Weights.Engagement, Clarity: c.Weights.Clarity}
	if w.sum() > 0 {
		p.Weights = w
	}
	if c.DetailTarget > 0 {
		p.DetailTarget = c.DetailTarget
	}
	if c.RecencyHalfLife > 0 {
		p.RecencyHalfLife = c.RecencyHalfLife
	}
	if c.EngagementSaturation > 0 {
		p.EngagementSaturation = c.EngagementSaturation
	}
	return p
}

// Breakdown exposes the sub-scores behind a composite.
type Breakdown struct {
	Detail     float64 `json:"detail"`
	Recency    float64 `json:"recency"`
	Engagement float64 `json:"engagement"`
	Clarity    float64 `json:"clarity"`
	Total      float64 `json:"total"`
}

// Score rates a draft at time now. The result is always within [0,1].
func (p Policy) Score(d domain.ExternalProblem, now time.Time) Breakdown {
	b := Breakdown{
		Detail:     p.detail(d.Description),
		Recency:    p.recency(d.SourceCreatedAt, now),
		Engagement: p.engagement(d.EngagementScore),
		Clarity:    clarity(d.Title, d.Description),
	}
	sum := p.Weights.sum()
	if sum <= 0 {
		return b
	}
	w := p.Weights
	b.Total = clamp((w.Detail*b.Detail + w.Recency*b.Recency + w.Engagement*b.Engagement + w.Clarity*b.Clarity) / sum)
	return b
}

func (p Policy) detail(desc string) float64 {
	if p.DetailTarget <= 0 {
		return 0
	}
	return clamp(float64(len(strings.TrimSpace(desc))) / float64(p.DetailTarget))
}

// recency halves every half-life; an unknown source date counts as half fresh.
func (p Policy) recency(created *string, now time.Time) float64 {
	if created == nil {
		return 0.5
	}
	t, err := time.Parse(time.RFC3339, *created)
	if err != nil {
		return 0.5
	}
	age := now.Sub(t)
	if age <= 0 {
		return 1
	}
	if p.RecencyHalfLife <= 0 {
		return 0
	}
	return clamp(math.Exp(-math.Ln2 * age.Hours() / p.RecencyHalfLife.Hours()))
}

func (p Policy) engagement(e float64) float64 {
	if e <= 0 || p.EngagementSaturation <= 0 {
		return 0
	}
	return clamp(math.Log1p(e) / math.Log1p(p.EngagementSaturation))
}

func clarity(title, desc string) float64 {
	score := 0.0
	if n := len([]rune(strings.TrimSpace(title))); n >= 15 && n <= 150 {
		score += 0.5
	}
	if len(strings.TrimSpace(desc)) >= 100 {
		score += 0.3
	}
	if strings.Contains(title, "?") || strings.Contains(desc, "`") {
		score += 0.2
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Filter drops drafts below threshold and keeps the best limit drafts by
// descending score, ties broken by external_id. QualityScore must already be set.
func Filter(drafts []domain.ExternalProblem, threshold float64, limit int) (kept []domain.ExternalProblem, below int) {
	for _, d := range drafts {
		if d.QualityScore < threshold {
			below++
			continue
		}
		kept = append(kept, d)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].QualityScore != kept[j].QualityScore {
			return kept[i].QualityScore > kept[j].QualityScore
		}
		return kept[i].ExternalID < kept[j].ExternalID
	})
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept, below
}
