package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
)

func testAppConfig(t *testing.T) *AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg, err := loadAppConfig(writeConfig(t, "paths:\n  containersDir: "+filepath.Join(dir, "containers")+
		"\n  usersFile: "+filepath.Join(dir, "users.json")+"\nauth:\n  bcryptCost: 4\n"))
	if err != nil {
		t.Fatalf("loadAppConfig() error = %v", err)
	}
	return cfg
}

func serve(a *app, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestBuildAppRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := buildApp(testAppConfig(t))
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.Close()

	if rec := serve(a, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := serve(a, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(a, http.MethodGet, "/api/containers", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("containers without token = %d", rec.Code)
	}
	if rec := serve(a, http.MethodGet, "/api/images", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("images = %d", rec.Code)
	}

	rec := serve(a, http.MethodPost, "/api/login", "", map[string]string{"username": "admin", "password": "admin"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Data.Token == "" {
		t.Fatalf("login response = %s", rec.Body.String())
	}
	if rec := serve(a, http.MethodGet, "/api/containers", resp.Data.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("containers with token = %d %s", rec.Code, rec.Body.String())
	}
	if a.sweeper == nil {
		t.Fatalf("memory store needs a sweeper")
	}
}

func TestBuildAppRedisReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	cfg := testAppConfig(t)
	cfg.Auth.SessionStore = sessionStoreRedis
	cfg.Redis.Addr = mr.Addr()

	a, err := buildApp(cfg)
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.Close()
	if a.sweeper != nil {
		t.Fatalf("redis store expires keys itself")
	}
	if err := a.checks["redis"](context.Background()); err != nil {
		t.Fatalf("redis check error = %v", err)
	}

	mr.Close()
	if rec := serve(a, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with redis down = %d", rec.Code)
	}
}

func TestBuildAppRedisUnavailable(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Auth.SessionStore = sessionStoreRedis
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.MaxRetries = -1
	if _, err := buildApp(cfg); err == nil {
		t.Fatalf("expected redis dial error")
	}
}
