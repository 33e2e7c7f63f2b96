package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vdesk/internal/auth/middleware"
	authrepo "vdesk/internal/auth/repository"
	"vdesk/internal/desktop/compose"
	"vdesk/internal/desktop/repository"
	"vdesk/internal/desktop/runtime/runtimetest"
	"vdesk/internal/desktop/service"
	pkgerrors "vdesk/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	testToken = "vdesk_test"

	template = `services:
  my_ws:
    image: placeholder
    ports:
      - "10000:22"
    deploy:
      resources:
        limits:
          cpus: "1"
          memory: 1g
`
)

type stubValidator struct{}

func (stubValidator) Validate(ctx context.Context, token string) (authrepo.Session, error) {
	if token != testToken {
		return authrepo.Session{}, pkgerrors.AuthError().WithMessage("unauthorized")
	}
	return authrepo.Session{Token: token, Username: "admin", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	rt     *runtimetest.FakeRuntime
	audits *repository.AuditRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "docker-compose.yml.template")
	if err := os.WriteFile(tmpl, []byte(template), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	rt := runtimetest.New()
	descriptors := repository.NewDescriptorRepository(filepath.Join(dir, "containers"), tmpl)
	audits := repository.NewAuditRepository(filepath.Join(dir, "containers"))
	states := service.NewStateTracker()
	translator := compose.NewTranslator()
	translator.PasswordGen = func() (string, error) { return "generated-pw", nil }
	lifecycle := service.NewLifecycleExecutor(rt, descriptors, states, service.LifecycleConfig{
		ReadyInterval: time.Millisecond,
		ReadyTimeout:  50 * time.Millisecond,
	})
	desktop := service.NewDesktopService(descriptors, audits, translator, lifecycle, nil, rt, states)
	execService := service.NewExecService(rt, descriptors, audits, service.ExecConfig{})

	router := gin.New()
	router.Use(middleware.AuthMiddleware(stubValidator{}, append(middleware.DefaultPublicPaths, ExecRoute)...))
	NewDesktopController(desktop).Register(router.Group("/api"))
	NewExecController(execService, stubValidator{}).Register(router)
	return &testServer{router: router, rt: rt, audits: audits}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func (s *testServer) create(t *testing.T, name string) service.CreateResult {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/api/containers", CreateContainerRequest{
		Name: name, Image: "ubuntu:22.04", CPUs: 4, Memory: "8g", GPUs: []int{0}, Comment: "lab",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var result service.CreateResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode create result: %v", err)
	}
	return result
}

func TestCreateAndGet(t *testing.T) {
	srv := newTestServer(t)
	result := srv.create(t, "044123")
	if result.Port != 44123 || result.RootPassword != "generated-pw" || !result.Ready {
		t.Fatalf("unexpected create result %+v", result)
	}

	rec, env := srv.do(t, http.MethodGet, "/api/containers/044123", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got service.Environment
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode env: %v", err)
	}
	if got.Name != "044123" || got.Comment != "lab" || got.State != "Up" || got.Port != 44123 {
		t.Fatalf("unexpected env %+v", got)
	}

	rec, env = srv.do(t, http.MethodPost, "/api/containers", CreateContainerRequest{
		Name: "044123", Image: "ubuntu:22.04", CPUs: 4, Memory: "8g",
	})
	if rec.Code != http.StatusConflict || env.Kind != "conflict" {
		t.Fatalf("duplicate create = %d %+v", rec.Code, env)
	}
}

func TestRequestErrors(t *testing.T) {
	srv := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"bad name", http.MethodPost, "/api/containers", CreateContainerRequest{Name: "12ab", Image: "x", CPUs: 1, Memory: "1g"}, http.StatusBadRequest, "validation_error"},
		{"too many cpus", http.MethodPost, "/api/containers", CreateContainerRequest{Name: "123456", Image: "x", CPUs: 64, Memory: "1g"}, http.StatusBadRequest, "validation_error"},
		{"missing image", http.MethodPost, "/api/containers", map[string]any{"name": "123456"}, http.StatusBadRequest, "validation_error"},
		{"unknown env", http.MethodGet, "/api/containers/999999", nil, http.StatusNotFound, "not_found"},
		{"unknown action", http.MethodPost, "/api/containers/999999/action?action=explode", nil, http.StatusBadRequest, "validation_error"},
		{"audit unknown env", http.MethodGet, "/api/containers/999999/audit", nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := srv.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.status || env.Kind != tt.kind {
				t.Fatalf("got %d %+v, want %d %s", rec.Code, env, tt.status, tt.kind)
			}
		})
	}
}

func TestListModifyAndActions(t *testing.T) {
	srv := newTestServer(t)
	srv.create(t, "000001")
	srv.create(t, "000002")

	rec, env := srv.do(t, http.MethodGet, "/api/containers", nil)
	var envs []service.Environment
	if err := json.Unmarshal(env.Data, &envs); err != nil || rec.Code != http.StatusOK || len(envs) != 2 {
		t.Fatalf("list = %d %s", rec.Code, rec.Body.String())
	}

	memory := "16g"
	rec, _ = srv.do(t, http.MethodPut, "/api/containers/000001", ModifyContainerRequest{Memory: &memory})
	if rec.Code != http.StatusOK {
		t.Fatalf("modify status = %d body=%s", rec.Code, rec.Body.String())
	}
	_, env = srv.do(t, http.MethodGet, "/api/containers/000001", nil)
	var got service.Environment
	_ = json.Unmarshal(env.Data, &got)
	if got.Memory != "16g" || got.CPUs != "4" {
		t.Fatalf("modify not applied: %+v", got)
	}

	rec, _ = srv.do(t, http.MethodPost, "/api/containers/000001/action?action=stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}
	_, env = srv.do(t, http.MethodGet, "/api/containers/000001", nil)
	_ = json.Unmarshal(env.Data, &got)
	if got.State != "idle" {
		t.Fatalf("stopped env state = %q", got.State)
	}

	rec, _ = srv.do(t, http.MethodPost, "/api/containers/000002/action", ActionRequest{Action: "delete"})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec, _ = srv.do(t, http.MethodGet, "/api/containers/000002", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted env still readable: %d", rec.Code)
	}
}

func TestLiveModifyWithoutPatcher(t *testing.T) {
	srv := newTestServer(t)
	srv.create(t, "000001")
	cpus := 2
	rec, _ := srv.do(t, http.MethodPut, "/api/containers/000001", ModifyContainerRequest{Mode: "live", CPUs: &cpus})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/containers", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}
