package domain

import "time"

const (
	StatusAvailable = "available"
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
)

const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

const (
	BodyHTML     = "html"
	BodyMarkdown = "markdown"
	BodyText     = "text"
)

type ExternalProblem struct {
	ID              string   `json:"id"`
	ExternalID      string   `json:"external_id"`
	SourceSite      string   `json:"source_site"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	CanonicalURL    string   `json:"canonical_url"`
	Author          string   `json:"author,omitempty"`
	Tags            []string `json:"tags"`
	Category        string   `json:"category"`
	Difficulty      string   `json:"difficulty" enum:"easy,medium,hard"`
	QualityScore    float64  `json:"quality_score" minimum:"0" maximum:"1"`
	EngagementScore float64  `json:"engagement_score"`
	Status          string   `json:"status" enum:"available,assigned,completed"`
	AssignedAgentID *string  `json:"assigned_agent_id,omitempty"`
	AssignedAt      *string  `json:"assigned_at,omitempty" format:"date-time"`
	SourceCreatedAt *string  `json:"source_created_at,omitempty" format:"date-time"`
	HarvestRunID    *string  `json:"harvest_run_id,omitempty"`
	SolutionCount   int      `json:"solution_count"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
}

// RawCandidate is an upstream item mapped to the common shape before normalization.
type RawCandidate struct {
	Site            string
	NativeID        string
	Title           string
	Body            string
	BodyFormat      string
	URL             string
	Author          string
	Tags            []string
	EngagementScore float64
	CreatedAt       time.Time
}

type ClaimRecord struct {
	ID                  string   `json:"id"`
	ProblemID           string   `json:"problem_id"`
	AgentID             string   `json:"agent_id"`
	ClaimedAt           string   `json:"claimed_at" format:"date-time"`
	EstimatedCompletion *string  `json:"estimated_completion,omitempty"`
	Approach            string   `json:"approach,omitempty"`
	Capabilities        []string `json:"capabilities"`
	ClosedAt            *string  `json:"closed_at,omitempty" format:"date-time"`
	CloseReason         *string  `json:"close_reason,omitempty" enum:"released,completed,expired"`
}

type SolutionSubmission struct {
	ID              string           `json:"id"`
	ProblemID       string           `json:"problem_id"`
	AgentID         string           `json:"agent_id"`
	Content         string           `json:"content"`
	CodeExamples    []string         `json:"code_examples"`
	Explanation     string           `json:"explanation,omitempty"`
	QualityScore    float64          `json:"quality_score" minimum:"0" maximum:"1"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
	CrossPostResult *CrossPostResult `json:"cross_post_result,omitempty"`
}

const (
	CrossPostPosted  = "posted"
	CrossPostFailed  = "failed"
	CrossPostSkipped = "skipped"
)

type CrossPostResult struct {
	Status      string `json:"status" enum:"posted,failed,skipped"`
	Site        string `json:"site"`
	URL         string `json:"url,omitempty"`
	Error       string `json:"error,omitempty"`
	AttemptedAt string `json:"attempted_at" format:"date-time"`
}

type FeedbackRecord struct {
	ID                    int64   `json:"id"`
	SolutionID            string  `json:"solution_id"`
	EffectivenessScore    float64 `json:"effectiveness_score"`
	ResolutionTimeSeconds *int64  `json:"resolution_time_seconds,omitempty"`
	Feedback              string  `json:"feedback,omitempty"`
	RecordedAt            string  `json:"recorded_at" format:"date-time"`
}

type RateLimiterState struct {
	Site         string    `json:"site"`
	Capacity     int       `json:"capacity"`
	RefillRate   float64   `json:"refill_rate"`
	Tokens       float64   `json:"tokens"`
	LastRefillAt time.Time `json:"last_refill_at"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
}

type SiteStats struct {
	Site           string   `json:"site"`
	Found          int      `json:"found"`
	Malformed      int      `json:"malformed"`
	OffCategory    int      `json:"off_category"`
	Duplicates     int      `json:"duplicates"`
	BelowThreshold int      `json:"below_threshold"`
	Stored         int      `json:"stored"`
	RateLimited    bool     `json:"rate_limited"`
	Errors         []string `json:"errors"`
}

type HarvestRun struct {
	ID               string               `json:"id"`
	Sites            []string             `json:"sites"`
	Categories       []string             `json:"categories"`
	MaxPerSite       int                  `json:"max_per_site"`
	QualityThreshold float64              `json:"quality_threshold"`
	StartedAt        string               `json:"started_at" format:"date-time"`
	CompletedAt      string               `json:"completed_at" format:"date-time"`
	ItemsFound       int                  `json:"items_found"`
	ItemsStored      int                  `json:"items_stored"`
	Breakdown        map[string]SiteStats `json:"site_breakdown"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}

// Stats aggregates store contents for reporting and backups.
type Stats struct {
	ByStatus        map[string]int `json:"by_status"`
	ByCategory      map[string]int `json:"by_category"`
	BySite          map[string]int `json:"by_site"`
	AverageQuality  float64        `json:"average_quality"`
	Solutions       int            `json:"solutions"`
	AverageSolution float64        `json:"average_solution_quality"`
	FeedbackRecords int            `json:"feedback_records"`
	AverageEffect   float64        `json:"average_effectiveness"`
	HarvestRuns     int            `json:"harvest_runs"`
}
