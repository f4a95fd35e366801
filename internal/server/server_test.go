package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"punchd/internal/config"
	"punchd/internal/db"
	"punchd/internal/domain"
	"punchd/internal/engine"
	"punchd/internal/migrate"
	"punchd/internal/punchcard"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
	seq    int
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, dialect, config.Default(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	cfg := Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowAnonymous: true}}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
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

func (s *testServer) event(task, eventType string, payload map[string]any) map[string]any {
	s.seq++
	return map[string]any{
		"task_id":    task,
		"event_type": eventType,
		"payload":    payload,
		"emitted_at": t0.Add(time.Duration(s.seq) * time.Second).Format(time.RFC3339Nano),
	}
}

func (s *testServer) submit(t *testing.T, task, eventType string, payload map[string]any) IngestResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/events", s.event(task, eventType, payload), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit %s status %d: %s", eventType, res.StatusCode, string(data))
	}
	var out IngestResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal ingest: %v", err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.AllowAnonymous = false })
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cards", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
}

func TestSubmitEventIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil)
	evt := srv.event("t1", "tool", map[string]any{"tool": "read_file"})
	var results []string
	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", evt, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
		}
		var out IngestResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		results = append(results, out.Result)
	}
	if results[0] != "inserted" || results[1] != "duplicate" {
		t.Fatalf("expected inserted then duplicate, got %v", results)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/t1/punches", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("punches status %d: %s", res.StatusCode, string(data))
	}
	var punches []domain.Punch
	if err := json.Unmarshal(data, &punches); err != nil {
		t.Fatalf("unmarshal punches: %v", err)
	}
	if len(punches) != 1 || punches[0].PunchKey != "read_file" {
		t.Fatalf("unexpected punches %+v", punches)
	}
}

func TestMalformedEventRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", srv.event("t1", "gate_run", map[string]any{"gate_id": "pytest"}), nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "malformed_event" {
		t.Fatalf("expected malformed_event, got %s", code)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", srv.event("t1", "telepathy", nil), nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "unknown_event_type" {
		t.Fatalf("expected unknown_event_type, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBatchReportsEachEvent(t *testing.T) {
	srv := newTestServer(t, nil)
	body := map[string]any{"events": []any{
		srv.event("t1", "tool", map[string]any{"tool": "read_file"}),
		srv.event("t1", "gate_run", map[string]any{}),
		srv.event("t1", "step", map[string]any{"name": "plan"}),
	}}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events/batch", body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch status %d: %s", res.StatusCode, string(data))
	}
	var out BatchResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if out.Accepted != 2 || out.Rejected != 1 {
		t.Fatalf("expected 2 accepted 1 rejected, got %+v", out)
	}
	if out.Items[1].Error == nil || out.Items[1].Error.Code != "malformed_event" {
		t.Fatalf("expected malformed error at index 1, got %+v", out.Items[1])
	}
}

func TestCheckpointFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/cards/tests", map[string]any{
		"rules": []map[string]any{
			{"punch_type": "gate_pass", "punch_key_pattern": "pytest"},
			{"punch_type": "command_exec", "punch_key_pattern": "rm -rf%", "required": false},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replace card status %d: %s", res.StatusCode, string(data))
	}

	srv.submit(t, "t1", "tool", map[string]any{"tool": "apply_diff"})
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/t1/validate?card_id=tests", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var vr punchcard.Result
	if err := json.Unmarshal(data, &vr); err != nil {
		t.Fatalf("unmarshal validate: %v", err)
	}
	if vr.Status != punchcard.StatusFail || len(vr.Missing) != 1 {
		t.Fatalf("expected fail with one missing, got %+v", vr)
	}

	srv.submit(t, "t1", "gate_run", map[string]any{"gate_id": "pytest", "exit_code": 0})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/checkpoints", map[string]any{"card_id": "tests"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("checkpoint status %d: %s", res.StatusCode, string(data))
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		t.Fatalf("unmarshal checkpoint: %v", err)
	}
	if cp.Status != domain.CheckpointPass || cp.CommitHash == nil {
		t.Fatalf("expected committed pass, got %+v", cp)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/t1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var view engine.TaskView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if view.Task.Status != domain.TaskCompleted || len(view.Checkpoints) != 1 {
		t.Fatalf("expected completed task with one checkpoint, got %+v", view)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/checkpoints/"+cp.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get checkpoint status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/checkpoints/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown checkpoint, got %d", res.StatusCode)
	}
}

func TestKillConflictsAndMissing(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/ghost/kill", map[string]any{}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}

	srv.submit(t, "p", "task_started", map[string]any{"mode": "orchestrator"})
	srv.submit(t, "c", "task_started", map[string]any{"parent_id": "p", "mode": "code"})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/p/kill", map[string]any{"reason": "operator"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("kill status %d: %s", res.StatusCode, string(data))
	}
	var kr struct {
		Killed []string `json:"killed"`
	}
	if err := json.Unmarshal(data, &kr); err != nil {
		t.Fatalf("unmarshal kill: %v", err)
	}
	if len(kr.Killed) != 2 {
		t.Fatalf("expected parent and child killed, got %v", kr.Killed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/p", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	var view engine.TaskView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if view.Kill == nil || len(view.Cascade) != 2 || view.Diagnosis == nil {
		t.Fatalf("expected kill record, cascade and diagnosis, got %+v", view)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/governor/states/c", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/p/kill", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second kill, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/c/checkpoints", map[string]any{"card_id": "any"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 checkpointing abandoned task, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyPermissions(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.AllowAnonymous = false })
	key, secret, err := srv.Engine.CreateAPIKey(context.Background(), "ingestor", "ci", nil)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if len(key.Permissions) != 1 || key.Permissions[0] != "events.write" {
		t.Fatalf("expected default events.write, got %v", key.Permissions)
	}
	headers := map[string]string{"X-Api-Key": secret}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/events", srv.event("t1", "step", map[string]any{"name": "plan"}), headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit with key status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/t1/kill", map[string]any{}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cards", nil, map[string]string{"X-Api-Key": "pk_wrong"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTCarriesPermissions(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, func(c *Config) {
		c.Auth.AllowAnonymous = false
		c.Auth.JWTSecret = secret
	})
	token, err := SignToken(secret, "ops", []string{"tasks.read"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cards", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cards with token status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/cards/x", map[string]any{"rules": []any{}}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cards.write, got %d: %s", res.StatusCode, string(data))
	}
	wrong, _ := SignToken("other", "ops", nil, jwt.RegisteredClaims{})
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cards", nil, map[string]string{"Authorization": "Bearer " + wrong})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", res.StatusCode)
	}
}

func TestRateLimitPerActor(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.RateLimit = 0.5
		c.RateBurst = 1
	})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cards", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cards", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestOpenAPIAndMetrics(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.AllowAnonymous = false })
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var oas struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	for _, p := range []string{"/v0/events", "/v0/tasks/{task_id}/checkpoints", "/v0/governor/states"} {
		if _, ok := oas.Paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("go_goroutines")) {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
}

func TestCostRollupEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.submit(t, "p", "api_request", map[string]any{"cost": 1.25})
	srv.submit(t, "c", "task_started", map[string]any{"parent_id": "p"})
	srv.submit(t, "c", "api_request", map[string]any{"cost": 0.75})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/p/cost", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cost status %d: %s", res.StatusCode, string(data))
	}
	var rollup struct {
		Total     float64 `json:"total"`
		TaskCount int     `json:"task_count"`
	}
	if err := json.Unmarshal(data, &rollup); err != nil {
		t.Fatalf("unmarshal cost: %v", err)
	}
	if fmt.Sprintf("%.2f", rollup.Total) != "2.00" || rollup.TaskCount != 2 {
		t.Fatalf("unexpected rollup %+v", rollup)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	body := bytes.Repeat([]byte("x"), maxBodyBytes+1024)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/events", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "body_too_large" {
		t.Fatalf("code = %s", code)
	}
}

func TestOpenAPIErrorSchemaResolves(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	type operation struct {
		Responses map[string]struct {
			Content map[string]struct {
				Schema struct {
					Ref string `json:"$ref"`
				} `json:"schema"`
			} `json:"content"`
		} `json:"responses"`
	}
	var oas struct {
		Paths map[string]struct {
			Get    *operation `json:"get"`
			Post   *operation `json:"post"`
			Put    *operation `json:"put"`
			Delete *operation `json:"delete"`
		} `json:"paths"`
		Components struct {
			Schemas map[string]any `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	checked := 0
	for p, item := range oas.Paths {
		for method, op := range map[string]*operation{"get": item.Get, "post": item.Post, "put": item.Put, "delete": item.Delete} {
			if op == nil {
				continue
			}
			def, ok := op.Responses["default"]
			if !ok {
				continue
			}
			ref := def.Content["application/json"].Schema.Ref
			name := strings.TrimPrefix(ref, "#/components/schemas/")
			if ref == "" || name == ref {
				t.Fatalf("%s %s default response ref = %q", method, p, ref)
			}
			if _, ok := oas.Components.Schemas[name]; !ok {
				t.Fatalf("%s %s references unregistered schema %s", method, p, name)
			}
			checked++
		}
	}
	if checked == 0 {
		t.Fatalf("no default error responses found")
	}
}
