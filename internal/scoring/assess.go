package scoring

import (
	"context"
	"fmt"
	"strings"

	"harvestline/internal/domain"
	"harvestline/internal/normalize"
)

// History reports an agent's track record in a category.
type History interface {
	AgentAverageQuality(ctx context.Context, agentID, category string) (float64, int, error)
}

var reasoningMarkers = []string{
	"because", "therefore", "the reason", "this means", "so that", "first", "then",
	"finally", "instead", "otherwise", "step", "root cause", "which causes",
}

const (
	depthTarget    = 1500
	reasoningCap   = 3
	alignmentCap   = 3
	weightDepth    = 0.3
	weightCode     = 0.2
	weightReason   = 0.2
	weightAlign    = 0.2
	weightHistory  = 0.1
	neutralAlign   = 0.5
	historyMinimum = 1
)

// Assessment is a solution score with its parts.
type Assessment struct {
	Depth     float64  `json:"depth"`
	Code      float64  `json:"code"`
	Reasoning float64  `json:"reasoning"`
	Alignment float64  `json:"alignment"`
	History   *float64 `json:"history,omitempty"`
	Total     float64  `json:"total"`
}

type Assessor struct {
	history History
}

func NewAssessor(h History) *Assessor {
	return &Assessor{history: h}
}

// Assess scores a submission for problem p. Without history for the agent in
// the problem's category, the history weight is spread over the other parts.
func (a *Assessor) Assess(ctx context.Context, p domain.ExternalProblem, s domain.SolutionSubmission) (Assessment, error) {
	text := strings.ToLower(s.Content + "\n" + s.Explanation)
	res := Assessment{
		Depth:     clamp(float64(len(strings.TrimSpace(s.Content))+len(strings.TrimSpace(s.Explanation))) / depthTarget),
		Code:      codeScore(s),
		Reasoning: reasoningScore(text),
		Alignment: alignmentScore(p, text),
	}
	parts := weightDepth*res.Depth + weightCode*res.Code + weightReason*res.Reasoning + weightAlign*res.Alignment
	total := weightDepth + weightCode + weightReason + weightAlign
	if a.history != nil {
		avg, n, err := a.history.AgentAverageQuality(ctx, s.AgentID, p.Category)
		if err != nil {
			return Assessment{}, fmt.Errorf("agent history: %w", err)
		}
		if n >= historyMinimum {
			h := clamp(avg)
			res.History = &h
			parts += weightHistory * h
			total += weightHistory
		}
	}
	res.Total = clamp(parts / total)
	return res, nil
}

func codeScore(s domain.SolutionSubmission) float64 {
	for _, c := range s.CodeExamples {
		if strings.TrimSpace(c) != "" {
			return 1
		}
	}
	if strings.Contains(s.Content, "```") {
		return 1
	}
	if strings.Contains(s.Content, "`") {
		return 0.5
	}
	return 0
}

func reasoningScore(text string) float64 {
	n := 0
	for _, m := range reasoningMarkers {
		if strings.Contains(text, m) {
			n++
		}
	}
	return clamp(float64(n) / reasoningCap)
}

// alignmentScore measures how many of the problem's topic words the solution uses.
func alignmentScore(p domain.ExternalProblem, text string) float64 {
	vocab := map[string]bool{}
	for _, t := range p.Tags {
		vocab[strings.ToLower(t)] = true
	}
	for _, kw := range normalize.CategoryKeywords(p.Category) {
		vocab[kw] = true
	}
	if len(vocab) == 0 {
		return neutralAlign
	}
	hits := 0
	for kw := range vocab {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	return clamp(float64(hits) / float64(min(alignmentCap, len(vocab))))
}
