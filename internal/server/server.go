package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/harvest"
	"harvestline/internal/metrics"
	"harvestline/internal/ratelimit"
	"harvestline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Runner   *harvest.Runner
	Limits   *ratelimit.Registry
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_claimed"`
	Message string         `json:"message" example:"problem already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the {"error":{code,message,details}} envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the harvestline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("server: harvest runner is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", metrics.Handler())

	hcfg := huma.DefaultConfig("Harvestline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerHarvest(group, cfg.Runner)
	registerProblems(group, cfg.Engine)
	registerSolutions(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSites(group, cfg.Limits)
	registerKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, "already_claimed", msg, nil)
	case errors.Is(err, domain.ErrNotAvailable):
		return newAPIError(http.StatusConflict, "not_available", msg, nil)
	case errors.Is(err, domain.ErrNotOwner):
		return newAPIError(http.StatusForbidden, "not_owner", msg, nil)
	case errors.Is(err, domain.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Harvestline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated agent",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, _ := principalFromContext(ctx)
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{AgentID: p.AgentID, Source: p.Source}}, nil
	})
}

func registerHarvest(api huma.API, runner *harvest.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "harvest",
		Method:      http.MethodPost,
		Path:        "/harvest",
		Summary:     "Harvest problems from external sites",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body HarvestRequest
	}) (*struct {
		Body HarvestResponse `json:"body"`
	}, error) {
		run, err := runner.Run(ctx, harvest.Request{
			Sites:            input.Body.Sites,
			Categories:       input.Body.Categories,
			MaxPerSite:       input.Body.MaxPerSite,
			QualityThreshold: input.Body.QualityThreshold,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HarvestResponse `json:"body"`
		}{Body: HarvestResponse{
			RunID:              run.ID,
			ProblemsDiscovered: run.ItemsFound,
			ProblemsCreated:    run.ItemsStored,
			SiteBreakdown:      run.Breakdown,
		}}, nil
	})
}

var problemStatuses = map[string]bool{
	"":                      true,
	domain.StatusAvailable: true,
	domain.StatusAssigned:  true,
	domain.StatusCompleted: true,
}

func registerProblems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-problems",
		Method:      http.MethodGet,
		Path:        "/problems",
		Summary:     "List problems",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" doc:"available, assigned or completed"`
		Category   string `query:"category"`
		Difficulty string `query:"difficulty"`
		SourceSite string `query:"source_site"`
		Limit      int    `query:"limit" default:"50"`
		Offset     int    `query:"offset"`
	}) (*struct {
		Body []domain.ExternalProblem `json:"body"`
	}, error) {
		if !problemStatuses[input.Status] {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
		}
		if input.Offset < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "offset must not be negative", nil)
		}
		items, err := e.Repo.ListProblems(ctx, repo.ProblemFilter{
			Status:     input.Status,
			Category:   input.Category,
			Difficulty: input.Difficulty,
			SourceSite: input.SourceSite,
			Limit:      normalizeLimit(input.Limit),
			Offset:     input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExternalProblem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-problem",
		Method:      http.MethodGet,
		Path:        "/problems/{id}",
		Summary:     "Get problem with its claim history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProblemDetailResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProblem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		claims, err := e.Repo.ListClaims(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProblemDetailResponse `json:"body"`
		}{Body: ProblemDetailResponse{ExternalProblem: p, Claims: claims}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-problem",
		Method:      http.MethodPost,
		Path:        "/problems/{id}/claim",
		Summary:     "Claim an available problem",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ClaimRequest
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		agentID, aerr := agentFor(ctx, input.Body.AgentID)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.Claim(ctx, input.ID, agentID, engine.ClaimOptions{
			Capabilities:        input.Body.Capabilities,
			EstimatedCompletion: input.Body.EstimatedCompletion,
			Approach:            input.Body.Approach,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{AssignmentID: res.Assignment.ID, Assignment: res.Assignment, Problem: res.Problem}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-problem",
		Method:      http.MethodPost,
		Path:        "/problems/{id}/release",
		Summary:     "Release a claimed problem",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body *ReleaseRequest `required:"false"`
	}) (*struct {
		Body domain.ExternalProblem `json:"body"`
	}, error) {
		var bodyAgent string
		if input.Body != nil {
			bodyAgent = input.Body.AgentID
		}
		agentID, aerr := agentFor(ctx, bodyAgent)
		if aerr != nil {
			return nil, aerr
		}
		p, err := e.Release(ctx, input.ID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExternalProblem `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-solution",
		Method:      http.MethodPost,
		Path:        "/problems/{id}/solution",
		Summary:     "Submit a solution for a claimed problem",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body SolutionRequest
	}) (*struct {
		Body SolutionResponse `json:"body"`
	}, error) {
		agentID, aerr := agentFor(ctx, input.Body.AgentID)
		if aerr != nil {
			return nil, aerr
		}
		res, err := e.Submit(ctx, input.ID, agentID, engine.SubmitOptions{
			Content:      input.Body.Content,
			CodeExamples: input.Body.CodeExamples,
			Explanation:  input.Body.Explanation,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SolutionResponse `json:"body"`
		}{Body: SolutionResponse{
			SolutionID:      res.Solution.ID,
			QualityScore:    res.Solution.QualityScore,
			Assessment:      res.Assessment,
			CrossPostResult: res.Solution.CrossPostResult,
		}}, nil
	})
}

func registerSolutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-solution",
		Method:      http.MethodGet,
		Path:        "/solutions/{id}",
		Summary:     "Get solution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.SolutionSubmission `json:"body"`
	}, error) {
		s, err := e.Repo.GetSolution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SolutionSubmission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-effectiveness",
		Method:      http.MethodPost,
		Path:        "/solutions/{id}/effectiveness",
		Summary:     "Record how well a solution worked",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body EffectivenessRequest
	}) (*struct {
		Body EffectivenessResponse `json:"body"`
	}, error) {
		rec, err := e.RecordEffectiveness(ctx, input.ID, input.Body.Score, input.Body.ResolutionTime, input.Body.Feedback)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EffectivenessResponse `json:"body"`
		}{Body: EffectivenessResponse{Ack: true, FeedbackID: rec.ID}}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List harvest runs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.HarvestRun `json:"body"`
	}, error) {
		runs, err := e.Repo.ListHarvestRuns(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HarvestRun `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get harvest run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.HarvestRun `json:"body"`
	}, error) {
		run, err := e.Repo.GetHarvestRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HarvestRun `json:"body"`
		}{Body: run}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Store analytics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		st, err := e.Repo.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: st}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSites(api huma.API, limits *ratelimit.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-site-limits",
		Method:      http.MethodGet,
		Path:        "/sites",
		Summary:     "Per-site rate limiter state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RateLimiterState `json:"body"`
	}, error) {
		states := []domain.RateLimiterState{}
		if limits != nil {
			states = limits.States()
		}
		return &struct {
			Body []domain.RateLimiterState `json:"body"`
		}{Body: states}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/keys",
		Summary:     "Issue an API key for the authenticated agent",
	}, func(ctx context.Context, input *struct {
		Body *CreateAPIKeyRequest `required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		agentID, aerr := agentFor(ctx, "")
		if aerr != nil {
			return nil, aerr
		}
		var name string
		if input.Body != nil {
			name = input.Body.Name
		}
		key, plain, err := e.Repo.IssueAPIKey(ctx, agentID, name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, AgentID: key.ActorID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
