package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/dispatch"
	"github.com/hostbridge/hostbridge/internal/hitl"
	"github.com/hostbridge/hostbridge/internal/policy"
	"github.com/hostbridge/hostbridge/internal/registry"
	"github.com/hostbridge/hostbridge/internal/secrets"
	"github.com/hostbridge/hostbridge/internal/storage"
	"github.com/hostbridge/hostbridge/internal/tools"
	"github.com/hostbridge/hostbridge/internal/workspace"
)

type serverFixture struct {
	server *Server
	audit  *audit.Store
	hitl   *hitl.Manager
	root   string
}

func newServerFixture(t *testing.T, rules []policy.Rule, adminPassword string) *serverFixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	db, err := storage.Open(filepath.Join(t.TempDir(), "hostbridge.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	resolver, err := workspace.New(root)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}

	secretStore, err := secrets.New(filepath.Join(t.TempDir(), "secrets.env"), logger)
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}

	hm := hitl.NewManager(nil)
	t.Cleanup(hm.Stop)
	auditStore := audit.NewStore(db, nil, secretStore, 0)

	reg := registry.New()
	if err := tools.RegisterAll(reg, tools.Deps{Workspace: resolver}); err != nil {
		t.Fatalf("register tools: %v", err)
	}

	engine := dispatch.New(reg, policy.NewEngine(rules, 60), hm, secretStore, auditStore, logger, 0)
	srv := NewServer("127.0.0.1:0", engine, hm, auditStore, secretStore, nil, nil, logger, adminPassword, BuildInfo{Version: "test"})
	return &serverFixture{server: srv, audit: auditStore, hitl: hm, root: root}
}

func (f *serverFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.server.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t, nil, "")

	rr := f.do(http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "ok" || got["version"] != "test" {
		t.Fatalf("unexpected health body: %v", got)
	}
	if _, ok := got["uptime_seconds"]; !ok {
		t.Fatal("missing uptime_seconds")
	}
}

func TestToolCallWritesFileAndAudits(t *testing.T) {
	f := newServerFixture(t, nil, "")

	rr := f.do(http.MethodPost, "/api/tools/fs/write", `{"path":"a.txt","content":"x=1"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var got map[string]any
	json.Unmarshal(rr.Body.Bytes(), &got)
	if got["bytes_written"] != float64(3) {
		t.Fatalf("unexpected result: %v", got)
	}

	entries, err := f.audit.Query(context.Background(), audit.QueryFilter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d (%v)", len(entries), err)
	}
	if entries[0].Status != audit.StatusSuccess || entries[0].Protocol != "rest" {
		t.Fatalf("unexpected audit entry: %+v", entries[0])
	}
}

func TestTraversalAttemptReturns403SecurityEnvelope(t *testing.T) {
	f := newServerFixture(t, nil, "")

	rr := f.do(http.MethodPost, "/api/tools/fs/read", `{"path":"../../etc/passwd"}`, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	var envelope map[string]any
	json.Unmarshal(rr.Body.Bytes(), &envelope)
	if envelope["error"] != true || envelope["error_type"] != "security" {
		t.Fatalf("unexpected envelope: %v", envelope)
	}
	if !strings.Contains(envelope["message"].(string), "workspace") {
		t.Fatalf("message should mention the workspace, got %q", envelope["message"])
	}
}

func TestPolicyBlockedToolReturnsReason(t *testing.T) {
	rules := []policy.Rule{{Category: "shell", Action: policy.ActionBlock, Reason: "shell access is disabled"}}
	f := newServerFixture(t, rules, "")

	rr := f.do(http.MethodPost, "/api/tools/shell/run", `{"command":"ls"}`, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	var envelope map[string]any
	json.Unmarshal(rr.Body.Bytes(), &envelope)
	if envelope["error_type"] != "blocked" {
		t.Fatalf("error_type = %v, want blocked", envelope["error_type"])
	}
	if !strings.Contains(envelope["message"].(string), "disabled") {
		t.Fatalf("message should carry the rule reason, got %q", envelope["message"])
	}

	entries, _ := f.audit.Query(context.Background(), audit.QueryFilter{})
	if len(entries) != 1 || entries[0].Status != audit.StatusBlocked {
		t.Fatalf("expected one blocked audit entry, got %+v", entries)
	}
}

func TestUnknownToolReturns404(t *testing.T) {
	f := newServerFixture(t, nil, "")
	rr := f.do(http.MethodPost, "/api/tools/fs/explode", `{}`, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestAdminRoutesRequirePassword(t *testing.T) {
	f := newServerFixture(t, nil, "hunter2")

	if rr := f.do(http.MethodGet, "/api/admin/hitl", "", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("unauthenticated status = %d, want 403", rr.Code)
	}

	rr := f.do(http.MethodGet, "/api/admin/hitl", "", map[string]string{"X-Admin-Password": "hunter2"})
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rr.Code)
	}
}

func TestHITLDecisionEndpoint(t *testing.T) {
	f := newServerFixture(t, nil, "")

	req := hitl.NewRequest(hitl.NewID(), "fs", "write", "review", map[string]any{"path": "a.conf"}, nil, 60)
	f.hitl.Submit(req)

	rr := f.do(http.MethodPost, "/api/admin/hitl/"+req.ID+"/decision", `{"decision":"approve","reviewer":"ops"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var snap hitl.Snapshot
	json.Unmarshal(rr.Body.Bytes(), &snap)
	if snap.Status != hitl.StatusApproved || snap.ReviewedBy != "ops" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// A second decision on the same request is not_found.
	rr = f.do(http.MethodPost, "/api/admin/hitl/"+req.ID+"/decision", `{"decision":"reject"}`, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second decision status = %d, want 404", rr.Code)
	}
}

func TestHITLDecisionRejectsUnknownVerb(t *testing.T) {
	f := newServerFixture(t, nil, "")
	rr := f.do(http.MethodPost, "/api/admin/hitl/some-id/decision", `{"decision":"maybe"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestSecretsEndpointNeverReturnsValues(t *testing.T) {
	f := newServerFixture(t, nil, "")

	rr := f.do(http.MethodGet, "/api/admin/secrets", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got map[string]any
	json.Unmarshal(rr.Body.Bytes(), &got)
	if _, ok := got["keys"]; !ok {
		t.Fatal("expected keys field")
	}
	if strings.Contains(rr.Body.String(), "value") {
		t.Fatal("secrets response must not carry values")
	}
}

func TestAuditQueryFilterValidation(t *testing.T) {
	f := newServerFixture(t, nil, "")

	rr := f.do(http.MethodGet, "/api/admin/audit?since=not-a-time", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}

	rr = f.do(http.MethodGet, "/api/admin/audit?since=2026-08-01T00:00:00Z&until=2026-07-01T00:00:00Z", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("inverted range status = %d, want 400", rr.Code)
	}
}
