package harvestlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Harvestline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	AgentID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Problem represents the API problem model (partial).
type Problem struct {
	ID              string   `json:"id"`
	ExternalID      string   `json:"external_id"`
	SourceSite      string   `json:"source_site"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	CanonicalURL    string   `json:"canonical_url"`
	Tags            []string `json:"tags"`
	Category        string   `json:"category"`
	Difficulty      string   `json:"difficulty"`
	QualityScore    float64  `json:"quality_score"`
	Status          string   `json:"status"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	SolutionCount   int      `json:"solution_count"`
}

// Assignment is one claim on a problem.
type Assignment struct {
	ID          string  `json:"id"`
	ProblemID   string  `json:"problem_id"`
	AgentID     string  `json:"agent_id"`
	ClaimedAt   string  `json:"claimed_at"`
	CloseReason *string `json:"close_reason,omitempty"`
}

type ClaimResponse struct {
	AssignmentID string     `json:"assignment_id"`
	Assignment   Assignment `json:"assignment"`
	Problem      Problem    `json:"problem"`
}

type CrossPostResult struct {
	Status string `json:"status"`
	Site   string `json:"site"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

type SolutionResponse struct {
	SolutionID      string           `json:"solution_id"`
	QualityScore    float64          `json:"quality_score"`
	Assessment      map[string]any   `json:"assessment"`
	CrossPostResult *CrossPostResult `json:"cross_post_result,omitempty"`
}

type SiteStats struct {
	Found          int      `json:"found"`
	Duplicates     int      `json:"duplicates"`
	BelowThreshold int      `json:"below_threshold"`
	Stored         int      `json:"stored"`
	RateLimited    bool     `json:"rate_limited"`
	Errors         []string `json:"errors"`
}

type HarvestResponse struct {
	RunID              string               `json:"run_id"`
	ProblemsDiscovered int                  `json:"problems_discovered"`
	ProblemsCreated    int                  `json:"problems_created"`
	SiteBreakdown      map[string]SiteStats `json:"site_breakdown"`
}

// HarvestOptions narrows a harvest run. Zero values use server defaults.
type HarvestOptions struct {
	Sites            []string `json:"sites,omitempty"`
	Categories       []string `json:"categories,omitempty"`
	MaxPerSite       int      `json:"max_per_site,omitempty"`
	QualityThreshold *float64 `json:"quality_threshold,omitempty"`
}

// ProblemQuery filters ListProblems.
type ProblemQuery struct {
	Status     string
	Category   string
	Difficulty string
	SourceSite string
	Limit      int
	Offset     int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Harvest triggers a harvest run.
func (c *Client) Harvest(ctx context.Context, opts HarvestOptions) (HarvestResponse, error) {
	var resp HarvestResponse
	err := c.do(ctx, http.MethodPost, "harvest", opts, &resp)
	return resp, err
}

// ListProblems returns problems matching q, best first.
func (c *Client) ListProblems(ctx context.Context, q ProblemQuery) ([]Problem, error) {
	v := url.Values{}
	for k, s := range map[string]string{"status": q.Status, "category": q.Category, "difficulty": q.Difficulty, "source_site": q.SourceSite} {
		if s != "" {
			v.Set(k, s)
		}
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	endpoint := "problems"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp []Problem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetProblem fetches a problem by id.
func (c *Client) GetProblem(ctx context.Context, id string) (Problem, error) {
	var resp Problem
	err := c.do(ctx, http.MethodGet, "problems/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Claim assigns an available problem to the client's agent.
func (c *Client) Claim(ctx context.Context, problemID string, capabilities []string, approach string) (ClaimResponse, error) {
	body := map[string]any{
		"agent_id":     c.AgentID,
		"capabilities": capabilities,
		"approach":     approach,
	}
	var resp ClaimResponse
	err := c.do(ctx, http.MethodPost, "problems/"+url.PathEscape(problemID)+"/claim", body, &resp)
	return resp, err
}

// Release gives a claimed problem back to the pool.
func (c *Client) Release(ctx context.Context, problemID string) (Problem, error) {
	var resp Problem
	err := c.do(ctx, http.MethodPost, "problems/"+url.PathEscape(problemID)+"/release", map[string]any{"agent_id": c.AgentID}, &resp)
	return resp, err
}

// Submit sends a solution for a problem the agent holds.
func (c *Client) Submit(ctx context.Context, problemID, content string, codeExamples []string, explanation string) (SolutionResponse, error) {
	body := map[string]any{
		"agent_id":      c.AgentID,
		"content":       content,
		"code_examples": codeExamples,
		"explanation":   explanation,
	}
	var resp SolutionResponse
	err := c.do(ctx, http.MethodPost, "problems/"+url.PathEscape(problemID)+"/solution", body, &resp)
	return resp, err
}

// RecordEffectiveness appends an effectiveness report for a solution.
func (c *Client) RecordEffectiveness(ctx context.Context, solutionID string, score float64, resolution *time.Duration, feedback string) (int64, error) {
	body := map[string]any{"score": score, "feedback": feedback}
	if resolution != nil {
		body["resolution_time"] = int64(resolution.Seconds())
	}
	var resp struct {
		Ack        bool  `json:"ack"`
		FeedbackID int64 `json:"feedback_id"`
	}
	err := c.do(ctx, http.MethodPost, "solutions/"+url.PathEscape(solutionID)+"/effectiveness", body, &resp)
	return resp.FeedbackID, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
