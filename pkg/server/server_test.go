// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/helmsman-ai/helmsman/pkg/approval"
	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/feed"
	"github.com/helmsman-ai/helmsman/pkg/llm"
	"github.com/helmsman-ai/helmsman/pkg/orchestrator"
	"github.com/helmsman-ai/helmsman/pkg/policy"
	"github.com/helmsman-ai/helmsman/pkg/router"
	"github.com/helmsman-ai/helmsman/pkg/staterepo"
	"github.com/helmsman-ai/helmsman/pkg/tool"
)

// newTestOrchestrator assembles an in-memory control plane whose planner
// always answers with the given scripted responses.
func newTestOrchestrator(t *testing.T, responses ...string) *orchestrator.Orchestrator {
	t.Helper()
	log := audit.NewMemoryLog()
	repo, err := staterepo.NewMemoryRepo(log)
	if err != nil {
		t.Fatalf("NewMemoryRepo: %v", err)
	}
	registry, err := tool.NewRegistry(log, policy.NewEngine(policy.Config{}))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	provider := llm.NewScripted(responses...)
	modelRouter, err := router.New(provider, provider, router.DefaultProfiles("model-a"))
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), log, registry, modelRouter, repo)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	return orch
}

func newTestServer(t *testing.T, cfg Config, broker *approval.Broker, intake *feed.Feed, responses ...string) *Server {
	t.Helper()
	s, err := New(cfg, newTestOrchestrator(t, responses...), broker, intake, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewRejectsExposedBindWithoutCredentials(t *testing.T) {
	orch := newTestOrchestrator(t)

	if _, err := New(Config{Bind: "0.0.0.0:7171"}, orch, nil, nil, nil, nil); err == nil {
		t.Fatal("exposed bind accepted without credentials")
	}
	if _, err := New(Config{Bind: "0.0.0.0:7171", AuthToken: "secret"}, orch, nil, nil, nil, nil); err == nil {
		t.Fatal("exposed bind accepted without TLS")
	}
	if _, err := New(Config{Bind: "127.0.0.1:0"}, orch, nil, nil, nil, nil); err != nil {
		t.Fatalf("loopback bind rejected: %v", err)
	}
	if _, err := New(Config{Bind: "localhost:0"}, orch, nil, nil, nil, nil); err != nil {
		t.Fatalf("localhost bind rejected: %v", err)
	}
}

func TestBearerAuth(t *testing.T) {
	s := newTestServer(t, Config{AuthToken: "s3cret"}, nil, nil)
	handler := s.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: %d", rec.Code)
	}
}

func TestSubmitTaskRequiresIntent(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"metadata": {}}`))
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitTaskRunsToCompletion(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil, `{"phase": "noop", "tool_calls": []}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"intent": "do nothing"}`))
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var result core.RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.OK || result.RunID == "" {
		t.Fatalf("result = %+v", result)
	}

	// The finished run is visible through the status endpoint.
	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+result.RunID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d", rec.Code)
	}
	var view map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view["state"] != "Completed" {
		t.Fatalf("state = %v", view["state"])
	}
}

func TestRunStatusUnknown(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/run-missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestObservationEndpoint(t *testing.T) {
	intake := feed.New()
	s := newTestServer(t, Config{}, nil, intake)

	rec := httptest.NewRecorder()
	body := `{"source": "git", "payload": {"branch": "main"}}`
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/observations", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	event, ok := intake.Next(context.Background())
	if !ok || event.Source != core.SourceGit {
		t.Fatalf("event = %+v, ok = %v", event, ok)
	}

	// Sources outside the closed set are rejected.
	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/observations",
		strings.NewReader(`{"source": "telemetry", "payload": {}}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown source: %d", rec.Code)
	}
}

func TestObservationEndpointAbsentWithoutFeed(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/observations", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestApprovalEndpoints(t *testing.T) {
	broker := approval.NewBroker()
	s := newTestServer(t, Config{}, broker, nil)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/approvals", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/approvals/ap-missing/approve", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown approval: %d", rec.Code)
	}
}

func TestApprovalEndpointsAbsentWithoutBroker(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/approvals", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthWithoutRegistry(t *testing.T) {
	s := newTestServer(t, Config{}, nil, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != string(core.HealthHealthy) {
		t.Fatalf("health = %v", body["status"])
	}
}
