package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"testing"
	"time"

	"harvestline/internal/config"
	"harvestline/internal/db"
	"harvestline/internal/domain"
	"harvestline/internal/engine"
	"harvestline/internal/harvest"
	"harvestline/internal/migrate"
	"harvestline/internal/ratelimit"
	"harvestline/internal/sites"
)

const testSecret = "test-secret"

type stubAdapter struct {
	items []domain.RawCandidate
}

func (a stubAdapter) Name() string { return "stackoverflow" }

func (a stubAdapter) Fetch(_ context.Context, _ sites.Query) iter.Seq2[domain.RawCandidate, error] {
	return func(yield func(domain.RawCandidate, error) bool) {
		for _, c := range a.items {
			if !yield(c, nil) {
				return
			}
		}
	}
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, db.DriverSQLite, cfg)

	reg := sites.NewRegistry()
	reg.Add(stubAdapter{items: []domain.RawCandidate{
		{Site: "stackoverflow", NativeID: "101", Title: "Goroutine leak in worker pool", Body: "<p>My <code>goroutine</code> pool never exits.</p>",
			BodyFormat: domain.BodyHTML, URL: "https://stackoverflow.com/q/101", CreatedAt: time.Now().Add(-time.Hour)},
		{Site: "stackoverflow", NativeID: "102", Title: "CSS grid overflows on mobile Safari", Body: "The grid spills out of the viewport.",
			BodyFormat: domain.BodyText, URL: "https://stackoverflow.com/q/102", CreatedAt: time.Now().Add(-time.Hour)},
	}})
	runner := harvest.New(e.Repo, reg, cfg)

	handler, err := New(Config{
		Engine:   e,
		Runner:   runner,
		Limits:   ratelimit.NewRegistry(),
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyAgentHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(agent string) map[string]string {
	return map[string]string{"X-Agent-Id": agent}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v: %s", err, data)
	}
	return env.Error.Code
}

func harvestAll(t *testing.T, srv *testServer) HarvestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/harvest", map[string]any{
		"sites":             []string{"stackoverflow"},
		"max_per_site":      5,
		"quality_threshold": 0,
	}, as("harvester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("harvest status %d: %s", res.StatusCode, data)
	}
	var out HarvestResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode harvest: %v", err)
	}
	return out
}

func listProblems(t *testing.T, srv *testServer, query string) []domain.ExternalProblem {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/problems"+query, nil, as("reader"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list problems status %d: %s", res.StatusCode, data)
	}
	var items []domain.ExternalProblem
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode problems: %v", err)
	}
	return items
}

func TestHarvestClaimSubmitFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	run := harvestAll(t, srv)
	if run.ProblemsDiscovered != 2 || run.ProblemsCreated != 2 || run.SiteBreakdown["stackoverflow"].Stored != 2 {
		t.Fatalf("unexpected harvest result: %+v", run)
	}
	if again := harvestAll(t, srv); again.ProblemsCreated != 0 {
		t.Fatalf("second harvest should store nothing, got %+v", again)
	}

	available := listProblems(t, srv, "?status=available")
	if len(available) != 2 {
		t.Fatalf("expected 2 available problems, got %d", len(available))
	}
	id := available[0].ID

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/claim", map[string]any{
		"capabilities": []string{"go"},
		"approach":     "reproduce first",
	}, as("agent-a"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, data)
	}
	var claim ClaimResponse
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claim.AssignmentID == "" || claim.Problem.Status != domain.StatusAssigned {
		t.Fatalf("unexpected claim response: %s", data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/claim", nil, as("agent-b"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_claimed" {
		t.Fatalf("expected 409 already_claimed, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/solution", map[string]any{"content": "mine now"}, as("agent-b"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "not_owner" {
		t.Fatalf("expected 403 not_owner, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/solution", map[string]any{
		"content":       "The pool leaks because workers never watch ctx.Done(), therefore they block forever.",
		"code_examples": []string{"select { case <-ctx.Done(): return }"},
		"explanation":   "First cancel, then wait on the group.",
	}, as("agent-a"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var sol SolutionResponse
	if err := json.Unmarshal(data, &sol); err != nil {
		t.Fatalf("decode solution: %v", err)
	}
	if sol.SolutionID == "" || sol.QualityScore <= 0 || sol.QualityScore > 1 {
		t.Fatalf("unexpected solution response: %s", data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/claim", nil, as("agent-b"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "not_available" {
		t.Fatalf("expected 409 not_available, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/solutions/"+sol.SolutionID+"/effectiveness", map[string]any{
		"score":           0.8,
		"resolution_time": 1800,
		"feedback":        "fixed in prod",
	}, as("reporter"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("effectiveness status %d: %s", res.StatusCode, data)
	}
	var ack EffectivenessResponse
	if err := json.Unmarshal(data, &ack); err != nil || !ack.Ack || ack.FeedbackID == 0 {
		t.Fatalf("unexpected ack: %s err=%v", data, err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/solutions/"+sol.SolutionID+"/effectiveness", map[string]any{"score": 2}, as("reporter"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range score, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/solutions/missing/effectiveness", map[string]any{"score": 0.5}, as("reporter"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown solution, got %d: %s", res.StatusCode, data)
	}

	completed := listProblems(t, srv, "?status=completed")
	if len(completed) != 1 || completed[0].SolutionCount != 1 {
		t.Fatalf("expected one completed problem with one solution, got %+v", completed)
	}
}

func TestReleaseAndOwnership(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	harvestAll(t, srv)
	id := listProblems(t, srv, "")[0].ID

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/claim", nil, as("agent-a")); res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, data)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/release", nil, as("agent-b"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "not_owner" {
		t.Fatalf("expected 403 not_owner, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/release", nil, as("agent-a"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/problems/"+id, nil, as("agent-a"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get problem status %d: %s", res.StatusCode, data)
	}
	var detail ProblemDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Status != domain.StatusAvailable || len(detail.Claims) != 1 || detail.Claims[0].CloseReason == nil {
		t.Fatalf("unexpected detail after release: %s", data)
	}
}

func TestClaimErrorsAndValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/nope/claim", nil, as("agent-a"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/problems?status=lost", nil, as("agent-a"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/harvest", map[string]any{"sites": []string{"myspace"}}, as("agent-a"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected 400 for unknown site, got %d: %s", res.StatusCode, data)
	}

	harvestAll(t, srv)
	id := listProblems(t, srv, "")[0].ID
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/claim", map[string]any{"agent_id": "someone-else"}, as("agent-a"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "agent_mismatch" {
		t.Fatalf("expected 403 agent_mismatch, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/problems/"+id+"/solution", map[string]any{"content": ""}, as("agent-a"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d: %s", res.StatusCode, data)
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/problems", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics should be public, got %d", res.StatusCode)
	}

	token, err := IssueToken(testSecret, "jwt-agent", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via jwt status %d: %s", res.StatusCode, data)
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil || me.AgentID != "jwt-agent" || me.Source != "jwt" {
		t.Fatalf("unexpected me: %s", data)
	}

	bad, _ := IssueToken("other-secret", "jwt-agent", time.Hour)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected 401 for forged token, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{"name": "ci"}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create key status %d: %s", res.StatusCode, data)
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("unexpected key response: %s", data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &me); err != nil || me.AgentID != "jwt-agent" || me.Source != "api_key" {
		t.Fatalf("unexpected me via api key: %s", data)
	}
}

func TestEventsAndRunsAreListed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	run := harvestAll(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+run.RunID, nil, as("reader"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/missing", nil, as("reader"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 run, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, as("reader"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, data)
	}
	var st domain.Stats
	if err := json.Unmarshal(data, &st); err != nil || st.ByStatus[domain.StatusAvailable] != 2 {
		t.Fatalf("unexpected stats: %s", data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+fmt.Sprintf("/v0/events?limit=%d&cursor=abc", 5), nil, as("reader"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, data)
	}
}
