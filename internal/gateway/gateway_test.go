package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/conflict"
	"github.com/kingrea/concord/internal/events"
	"github.com/kingrea/concord/internal/orchestrator"
	"github.com/kingrea/concord/internal/tree"
)

type fixture struct {
	orch *orchestrator.Orchestrator
	srv  *httptest.Server
	spec *tree.Tree
	code *tree.Tree
}

func newFixture(t *testing.T, mutate func(*config.OrchestratorConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultOrchestratorConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	root := t.TempDir()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	spec := tree.New(tree.KindSpec, filepath.Join(root, "spec"), tree.SpecExtension)
	code := tree.New(tree.KindCode, filepath.Join(root, "code"), ".txt")
	orch, err := orchestrator.New(&cfg, spec, code, nil, orchestrator.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	gw := NewServer(Settings{Enabled: true, MaxBodyBytes: 4096}, orch, WithEvents(orch.Bus()))
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &fixture{orch: orch, srv: srv, spec: spec, code: code}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"a1", "a2"} {
		status, body := f.do(t, http.MethodPost, "/v1/agents", map[string]any{"id": id, "capabilities": []string{"design"}})
		if status != http.StatusCreated || body["id"] != id {
			t.Fatalf("register %s: %d %v", id, status, body)
		}
	}
	status, body := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"required_capabilities": []string{"design"},
		"strategy":              "parallel",
	})
	if status != http.StatusCreated {
		t.Fatalf("submit: %d %v", status, body)
	}
	taskID := body["id"].(string)

	resp, err := http.Get(f.srv.URL + "/v1/agents/a1/assignments")
	if err != nil {
		t.Fatalf("assignments: %v", err)
	}
	var assigned []struct {
		ID string `json:"id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&assigned)
	resp.Body.Close()
	if err != nil || len(assigned) != 1 || assigned[0].ID != taskID {
		t.Fatalf("expected a1 assigned to %s, got %+v (%v)", taskID, assigned, err)
	}

	for _, agent := range []string{"a1", "a2"} {
		status, body = f.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/results", map[string]any{"agent_id": agent, "payload": "ship it"})
		if status != http.StatusAccepted {
			t.Fatalf("result from %s: %d %v", agent, status, body)
		}
	}
	status, body = f.do(t, http.MethodGet, "/v1/tasks/"+taskID, nil)
	if status != http.StatusOK {
		t.Fatalf("get task: %d %v", status, body)
	}
	task := body["task"].(map[string]any)
	round := body["round"].(map[string]any)
	if task["status"] != "completed" || round["outcome"] != "approved" {
		t.Fatalf("unexpected task status %v", body)
	}

	status, body = f.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/results", map[string]any{"agent_id": "a1", "payload": "again"})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for closed task, got %d %v", status, body)
	}
	status, body = f.do(t, http.MethodGet, "/v1/tasks/missing", nil)
	if status != http.StatusNotFound || body["code"] != "unknown_task" {
		t.Fatalf("expected unknown_task, got %d %v", status, body)
	}
}

func TestSubmitWithoutAgentsReturnsFailedTaskID(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"required_capabilities": []string{"audit"}})
	if status != http.StatusServiceUnavailable || body["code"] != "no_eligible_agents" {
		t.Fatalf("expected no_eligible_agents, got %d %v", status, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("failed task id missing: %v", body)
	}
	status, body = f.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
	if status != http.StatusOK || body["task"].(map[string]any)["status"] != "failed" {
		t.Fatalf("expected stored failed task, got %d %v", status, body)
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, nil)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/agents", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", resp.StatusCode)
	}

	big := map[string]any{"id": strings.Repeat("x", 8192), "capabilities": []string{"design"}}
	if status, _ := f.do(t, http.MethodPost, "/v1/agents", big); status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", status)
	}

	status, body := f.do(t, http.MethodPost, "/v1/workflows", map[string]any{"id": "empty"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for workflow without phases, got %d %v", status, body)
	}
	if status, body = f.do(t, http.MethodGet, "/v1/conflicts?status=bogus", nil); status != http.StatusBadRequest || body["code"] != "invalid_filter" {
		t.Fatalf("expected invalid_filter, got %d %v", status, body)
	}
	if status, _ = f.do(t, http.MethodPost, "/v1/agents/ghost/heartbeat", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 heartbeat for unknown agent, got %d", status)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/agents", map[string]any{"id": "a1", "capabilities": []string{"design"}})
	status, body := f.do(t, http.MethodPost, "/v1/workflows", map[string]any{
		"id": "release",
		"phases": []map[string]any{
			{"name": "draft", "required_capabilities": []string{"design"}},
			{"name": "publish", "required_capabilities": []string{"design"}},
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("create workflow: %d %v", status, body)
	}
	id := body["id"].(string)
	if status, body = f.do(t, http.MethodPost, "/v1/workflows/"+id+"/advance", nil); status != http.StatusConflict || body["code"] != "not_approved" {
		t.Fatalf("expected not_approved, got %d %v", status, body)
	}
	status, body = f.do(t, http.MethodGet, "/v1/workflows/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("get workflow: %d %v", status, body)
	}
	wf, err := f.orch.GetWorkflow(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	f.do(t, http.MethodPost, "/v1/tasks/"+wf.CurrentTask()+"/results", map[string]any{"agent_id": "a1", "payload": "draft"})
	status, body = f.do(t, http.MethodPost, "/v1/workflows/"+id+"/advance", nil)
	if status != http.StatusOK || body["phase"].(float64) != 1 {
		t.Fatalf("expected phase 1, got %d %v", status, body)
	}
	if status, body = f.do(t, http.MethodPost, "/v1/workflows/"+id+"/retry", nil); status != http.StatusConflict || body["code"] != "not_blocked" {
		t.Fatalf("expected not_blocked, got %d %v", status, body)
	}
}

func TestSyncAndManualConflictEndpoints(t *testing.T) {
	f := newFixture(t, func(cfg *config.OrchestratorConfig) {
		cfg.ConflictResolutionStrategy = config.StrategyManual
	})
	ctx := context.Background()
	if _, err := f.spec.Write(ctx, "auth.requirements", []byte("# Auth\nrequire mfa\n")); err != nil {
		t.Fatal(err)
	}
	status, body := f.do(t, http.MethodPost, "/v1/sync", nil)
	if status != http.StatusOK || body["applied"].(float64) != 1 {
		t.Fatalf("first sync: %d %v", status, body)
	}
	if _, err := f.spec.Write(ctx, "auth.requirements", []byte("# Auth\nrequire mfa and sso\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.code.Write(ctx, "auth.requirements", []byte("# Auth\npasswords only\n")); err != nil {
		t.Fatal(err)
	}
	status, body = f.do(t, http.MethodPost, "/v1/sync", nil)
	if status != http.StatusOK || body["conflicted"].(float64) != 1 {
		t.Fatalf("conflicting sync: %d %v", status, body)
	}

	resp, err := http.Get(f.srv.URL + "/v1/conflicts")
	if err != nil {
		t.Fatal(err)
	}
	var open []conflict.Conflict
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(open) != 1 || open[0].EntityKey != "auth.requirements" {
		t.Fatalf("expected one open conflict, got %+v", open)
	}

	if status, _ = f.do(t, http.MethodPost, "/v1/conflicts/auth.requirements/resolve", map[string]any{}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without content, got %d", status)
	}
	status, body = f.do(t, http.MethodPost, "/v1/conflicts/auth.requirements/resolve", map[string]any{"content": "# Auth\nrequire sso\n"})
	if status != http.StatusOK {
		t.Fatalf("resolve: %d %v", status, body)
	}
	if status, body = f.do(t, http.MethodPost, "/v1/conflicts/auth.requirements/resolve", map[string]any{"content": "x"}); status != http.StatusNotFound || body["code"] != "unknown_conflict" {
		t.Fatalf("expected unknown_conflict, got %d %v", status, body)
	}
	entity, err := f.code.Read(ctx, "auth.requirements")
	if err != nil || string(entity.Content) != "# Auth\nrequire sso\n" {
		t.Fatalf("code tree not updated: %q %v", entity.Content, err)
	}
}

func TestEventStreamForwardsEventsAndHeartbeats(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events/stream?types=" + string(events.AgentRegistered)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != "ready" {
		t.Fatalf("expected ready frame, got %+v %v", frame, err)
	}

	f.do(t, http.MethodPost, "/v1/agents", map[string]any{"id": "a1", "capabilities": []string{"design"}})
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != "event" {
		t.Fatalf("expected event frame, got %+v %v", frame, err)
	}
	var event events.Event
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		t.Fatal(err)
	}
	if event.Type != events.AgentRegistered || event.AgentID != "a1" {
		t.Fatalf("unexpected event %+v", event)
	}

	if err := conn.WriteJSON(map[string]any{"type": "heartbeat", "payload": map[string]string{"agent_id": "a1"}}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != "heartbeat_ack" {
		t.Fatalf("expected heartbeat_ack, got %+v %v", frame, err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "heartbeat", "payload": map[string]string{"agent_id": "ghost"}}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != "error" {
		t.Fatalf("expected error frame, got %+v %v", frame, err)
	}
}

func TestServerLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	fixed := time.Unix(1730000000, 0).UTC()
	srv := NewServer(Settings{Enabled: true, Host: "127.0.0.1", Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second},
		f.orch, WithClock(func() time.Time { return fixed }))
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv.Status() != StatusReady {
		t.Fatalf("expected ready, got %s", srv.Status())
	}
	resp, err := http.Get(srv.BaseURL() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.BaseURL() + "/v1/events/stream")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stream without event source should 404, got %d", resp.StatusCode)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.Addr() != "" || srv.Status() != StatusDraining {
		t.Fatalf("expected drained server, got %q %s", srv.Addr(), srv.Status())
	}

	disabled := NewServer(Settings{}, f.orch)
	if err := disabled.Start(context.Background()); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if err := disabled.Run(context.Background()); err != nil {
		t.Fatalf("disabled Run should return nil, got %v", err)
	}
}

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv("CONCORD_GATEWAY_PORT", "9001")
	t.Setenv("CONCORD_GATEWAY_HOST", "0.0.0.0")
	t.Setenv("CONCORD_GATEWAY_ENABLED", "false")
	settings := SettingsFromConfig(&config.Config{})
	if settings.Port != 9001 || settings.Host != "0.0.0.0" || settings.Enabled {
		t.Fatalf("env overrides not applied: %+v", settings)
	}
}

func TestUpdateAgentCapabilitiesChecksVersion(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/agents", map[string]any{"id": "a1", "capabilities": []string{"design"}})
	agent, err := f.orch.Agent("a1")
	if err != nil {
		t.Fatal(err)
	}
	status, body := f.do(t, http.MethodPatch, "/v1/agents/a1", map[string]any{
		"version":      agent.Version,
		"capabilities": []string{"Review", "design", "review"},
	})
	if status != http.StatusOK || body["version"].(float64) != float64(agent.Version+1) {
		t.Fatalf("update: %d %v", status, body)
	}
	if caps := body["capabilities"].([]any); len(caps) != 2 || caps[0] != "design" || caps[1] != "review" {
		t.Fatalf("capabilities not normalized: %v", caps)
	}
	status, body = f.do(t, http.MethodPatch, "/v1/agents/a1", map[string]any{"version": agent.Version, "capabilities": []string{"ops"}})
	if status != http.StatusConflict || body["code"] != "version_conflict" {
		t.Fatalf("expected version_conflict for a stale version, got %d %v", status, body)
	}
	if status, _ = f.do(t, http.MethodPatch, "/v1/agents/a1", map[string]any{"capabilities": []string{"ops"}}); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without a version, got %d", status)
	}
	if status, _ = f.do(t, http.MethodPatch, "/v1/agents/ghost", map[string]any{"version": 1}); status != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown agent, got %d", status)
	}
}
