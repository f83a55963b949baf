package server

import (
	"harvestline/internal/domain"
	"harvestline/internal/scoring"
)

// Request payloads

type HarvestRequest struct {
	Sites            []string `json:"sites,omitempty" doc:"Site names; empty harvests every enabled site"`
	Categories       []string `json:"categories,omitempty"`
	MaxPerSite       int      `json:"max_per_site,omitempty" minimum:"0" maximum:"100"`
	QualityThreshold *float64 `json:"quality_threshold,omitempty" minimum:"0" maximum:"1"`
}

type ClaimRequest struct {
	AgentID             string   `json:"agent_id,omitempty" doc:"Defaults to the authenticated agent"`
	Capabilities        []string `json:"capabilities,omitempty"`
	EstimatedCompletion *string  `json:"estimated_completion,omitempty"`
	Approach            string   `json:"approach,omitempty"`
}

type ReleaseRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

type SolutionRequest struct {
	AgentID      string   `json:"agent_id,omitempty"`
	Content      string   `json:"content" minLength:"1"`
	CodeExamples []string `json:"code_examples,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`
}

type EffectivenessRequest struct {
	Score          float64 `json:"score" minimum:"0" maximum:"1"`
	ResolutionTime *int64  `json:"resolution_time,omitempty" minimum:"0" doc:"Seconds until the upstream issue was resolved"`
	Feedback       string  `json:"feedback,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Responses

type HarvestResponse struct {
	RunID              string                      `json:"run_id"`
	ProblemsDiscovered int                         `json:"problems_discovered"`
	ProblemsCreated    int                         `json:"problems_created"`
	SiteBreakdown      map[string]domain.SiteStats `json:"site_breakdown"`
}

type ClaimResponse struct {
	AssignmentID string                 `json:"assignment_id"`
	Assignment   domain.ClaimRecord     `json:"assignment"`
	Problem      domain.ExternalProblem `json:"problem"`
}

type ProblemDetailResponse struct {
	domain.ExternalProblem
	Claims []domain.ClaimRecord `json:"claims"`
}

type SolutionResponse struct {
	SolutionID      string                  `json:"solution_id"`
	QualityScore    float64                 `json:"quality_score"`
	Assessment      scoring.Assessment      `json:"assessment"`
	CrossPostResult *domain.CrossPostResult `json:"cross_post_result,omitempty"`
}

type EffectivenessResponse struct {
	Ack        bool  `json:"ack"`
	FeedbackID int64 `json:"feedback_id"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key" doc:"Shown once"`
	CreatedAt string `json:"created_at"`
}

type MeResponse struct {
	AgentID string `json:"agent_id"`
	Source  string `json:"source"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
