package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"baton/internal/config"
	"baton/internal/db"
	"baton/internal/domain"
	"baton/internal/engine"
	"baton/internal/migrate"
	"baton/internal/repo"
)

type testServer struct {
	baseURL string
	eng     engine.Engine
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	if auth.Logger == nil {
		auth.Logger = log.New(io.Discard, "", 0)
	}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	eng, err := engine.New(conn, config.Default("default"))
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.SeedDefinitions(context.Background()); err != nil {
		t.Fatal(err)
	}
	handler, err := New(Config{Engine: eng, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{baseURL: "http://" + ln.Addr().String(), eng: eng}
}

// doJSON issues one request and decodes the JSON response into out when
// out is non-nil. Headers may be nil.
func doJSON(t *testing.T, method, url string, headers map[string]string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s (%d): %v\n%s", method, url, resp.StatusCode, err, data)
		}
	}
	return resp.StatusCode
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func featureWorkflowBody() map[string]any {
	return map[string]any{
		"id":   "wf-feature",
		"name": "Feature delivery",
		"steps": []map[string]any{
			{"id": "s-plan", "name": "Draft plan", "action": "analyze", "template_id": "plan.outline", "order": 1},
			{"id": "s-impl", "name": "Implement", "action": "create", "rule_ids": []string{"lint.todo", "lint.debug"}, "order": 2},
			{"id": "s-test", "name": "Write tests", "action": "test", "rule_ids": []string{"tests.assert"}, "order": 3},
			{"id": "s-review", "name": "Review", "action": "validate", "template_id": "review.checklist", "order": 4},
			{"id": "s-docs", "name": "Document", "action": "document", "order": 5},
		},
	}
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	var body map[string]string
	if code := doJSON(t, http.MethodGet, ts.baseURL+"/v1/health", nil, nil, &body); code != http.StatusOK {
		t.Fatalf("health status %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body %v", body)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, AuthConfig{AllowAnonymous: true})

	var wf domain.Workflow
	if code := doJSON(t, http.MethodPost, ts.baseURL+"/v1/workflows", nil, featureWorkflowBody(), &wf); code != http.StatusCreated {
		t.Fatalf("import workflow status %d", code)
	}

	var exec domain.Execution
	code := doJSON(t, http.MethodPost, ts.baseURL+"/v1/executions", nil, map[string]any{
		"workflow_id": wf.ID,
		"variables": map[string]string{
			"feature":  "search",
			"goals":    "index docs; rank results",
			"approach": "inverted index",
			"verdict":  "approved",
		},
	}, &exec)
	if code != http.StatusCreated {
		t.Fatalf("create execution status %d", code)
	}
	if exec.CurrentRole != "planner" {
		t.Fatalf("initial role %s", exec.CurrentRole)
	}

	execURL := ts.baseURL + "/v1/executions/" + exec.ID
	var res engine.ProcessResult
	for pass := 0; pass < 4; pass++ {
		if code := doJSON(t, http.MethodPost, execURL+"/process", nil, nil, &res); code != http.StatusOK {
			t.Fatalf("process pass %d status %d (errors %v)", pass, code, res.Errors)
		}
		if !res.Success {
			t.Fatalf("process pass %d failed: %+v", pass, res)
		}
	}
	if !res.Completed {
		t.Fatalf("execution not completed: %+v", res)
	}

	var final domain.Execution
	if code := doJSON(t, http.MethodGet, execURL, nil, nil, &final); code != http.StatusOK {
		t.Fatalf("get execution status %d", code)
	}
	if final.Status != domain.ExecutionCompleted {
		t.Fatalf("final status %s", final.Status)
	}
	if len(final.RoleHistory) != 3 {
		t.Fatalf("role history %d", len(final.RoleHistory))
	}

	var steps []domain.StepExecution
	if code := doJSON(t, http.MethodGet, execURL+"/steps", nil, nil, &steps); code != http.StatusOK {
		t.Fatalf("steps status %d", code)
	}
	if len(steps) != 5 {
		t.Fatalf("step attempts %d", len(steps))
	}

	var m domain.ExecutionMetrics
	if code := doJSON(t, http.MethodGet, execURL+"/metrics", nil, nil, &m); code != http.StatusOK {
		t.Fatalf("metrics status %d", code)
	}
	if m.SuccessRate != 1 || m.RoleTransitions != 3 {
		t.Fatalf("metrics %+v", m)
	}

	var events EventListResponse
	if code := doJSON(t, http.MethodGet, ts.baseURL+"/v1/events?execution="+exec.ID, nil, nil, &events); code != http.StatusOK {
		t.Fatalf("events status %d", code)
	}
	if len(events.Items) == 0 {
		t.Fatal("no events recorded")
	}
}

func TestTransitionBlockedReturns422(t *testing.T) {
	ts := newTestServer(t, AuthConfig{AllowAnonymous: true})

	var wf domain.Workflow
	if code := doJSON(t, http.MethodPost, ts.baseURL+"/v1/workflows", nil, featureWorkflowBody(), &wf); code != http.StatusCreated {
		t.Fatalf("import workflow status %d", code)
	}
	var exec domain.Execution
	if code := doJSON(t, http.MethodPost, ts.baseURL+"/v1/executions", nil, map[string]any{"workflow_id": wf.ID}, &exec); code != http.StatusCreated {
		t.Fatalf("create execution status %d", code)
	}

	// No steps have run, so the planner's own gate is unearned.
	var envelope errorEnvelope
	code := doJSON(t, http.MethodPost, ts.baseURL+"/v1/executions/"+exec.ID+"/transition", nil, map[string]any{"to_role": "implementer"}, &envelope)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("transition status %d", code)
	}
	if envelope.Error.Code != "transition_blocked" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
	missing, ok := envelope.Error.Details["missing_gates"].([]any)
	if !ok || len(missing) != 1 || missing[0] != "plan.reviewed" {
		t.Fatalf("missing gates detail: %v", envelope.Error.Details)
	}
}

func TestUnknownExecutionIs404(t *testing.T) {
	ts := newTestServer(t, AuthConfig{AllowAnonymous: true})
	var envelope errorEnvelope
	if code := doJSON(t, http.MethodGet, ts.baseURL+"/v1/executions/nope", nil, nil, &envelope); code != http.StatusNotFound {
		t.Fatalf("status %d", code)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
}

func TestJWTAuthFlow(t *testing.T) {
	ts := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})

	var envelope errorEnvelope
	if code := doJSON(t, http.MethodGet, ts.baseURL+"/v1/workflows", nil, nil, &envelope); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", code)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}

	var login DevLoginResponse
	if code := doJSON(t, http.MethodPost, ts.baseURL+"/v1/auth/dev/login", nil, map[string]any{"actor_id": "dev"}, &login); code != http.StatusOK {
		t.Fatalf("dev login status %d", code)
	}
	if login.Token == "" {
		t.Fatal("empty token")
	}

	headers := map[string]string{"Authorization": "Bearer " + login.Token}
	var me WhoAmIResponse
	if code := doJSON(t, http.MethodGet, ts.baseURL+"/v1/me", headers, nil, &me); code != http.StatusOK {
		t.Fatalf("me status %d", code)
	}
	if me.ActorID != "dev" || me.Source != "jwt" {
		t.Fatalf("principal %+v", me)
	}

	bad := map[string]string{"Authorization": "Bearer not-a-token"}
	if code := doJSON(t, http.MethodGet, ts.baseURL+"/v1/me", bad, nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d", code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	ts := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	ctx := context.Background()

	secret := "bk_test_secret_value"
	err := ts.eng.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:      "key-1",
		ActorID: "ci-bot",
		Name:    "ci",
		KeyHash: repo.HashAPIKey(secret),
	})
	if err != nil {
		t.Fatal(err)
	}

	headers := map[string]string{"X-Api-Key": secret}
	var me WhoAmIResponse
	if code := doJSON(t, http.MethodGet, ts.baseURL+"/v1/me", headers, nil, &me); code != http.StatusOK {
		t.Fatalf("me status %d", code)
	}
	if me.ActorID != "ci-bot" || me.Source != "api_key" {
		t.Fatalf("principal %+v", me)
	}

	wrong := map[string]string{"X-Api-Key": "bk_wrong"}
	if code := doJSON(t, http.MethodGet, ts.baseURL+"/v1/me", wrong, nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", code)
	}
}

func TestValidationRejectsEmptyBody(t *testing.T) {
	ts := newTestServer(t, AuthConfig{AllowAnonymous: true})
	req, err := http.NewRequest(http.MethodPost, ts.baseURL+"/v1/workflows", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status %d", resp.StatusCode)
	}
}

func TestProcessPausedExecutionConflicts(t *testing.T) {
	ts := newTestServer(t, AuthConfig{AllowAnonymous: true})

	var wf domain.Workflow
	if code := doJSON(t, http.MethodPost, ts.baseURL+"/v1/workflows", nil, featureWorkflowBody(), &wf); code != http.StatusCreated {
		t.Fatalf("import workflow status %d", code)
	}
	var exec domain.Execution
	if code := doJSON(t, http.MethodPost, ts.baseURL+"/v1/executions", nil, map[string]any{"workflow_id": wf.ID}, &exec); code != http.StatusCreated {
		t.Fatalf("create execution status %d", code)
	}
	execURL := ts.baseURL + "/v1/executions/" + exec.ID

	if code := doJSON(t, http.MethodPost, execURL+"/pause", nil, map[string]any{"reason": "hold"}, nil); code != http.StatusOK {
		t.Fatalf("pause status %d", code)
	}
	var envelope errorEnvelope
	if code := doJSON(t, http.MethodPost, execURL+"/process", nil, nil, &envelope); code != http.StatusConflict {
		t.Fatalf("process paused status %d", code)
	}
	if envelope.Error.Code != "execution_paused" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}
	if code := doJSON(t, http.MethodPost, execURL+"/resume", nil, nil, nil); code != http.StatusOK {
		t.Fatalf("resume status %d", code)
	}
}
