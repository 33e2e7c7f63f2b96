package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vdesk/internal/auth/repository"
	pkgerrors "vdesk/pkg/errors"

	"github.com/gin-gonic/gin"
)

type stubValidator struct {
	sessions map[string]repository.Session
}

func (s stubValidator) Validate(ctx context.Context, token string) (repository.Session, error) {
	session, ok := s.sessions[token]
	if !ok {
		return repository.Session{}, pkgerrors.AuthError().WithMessage("unauthorized")
	}
	return session, nil
}

type apiResponse struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func performRequest(router http.Handler, method, path string, headers map[string]string) (*httptest.ResponseRecorder, apiResponse) {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var resp apiResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := stubValidator{sessions: map[string]repository.Session{
		"vdesk_good": {Token: "vdesk_good", Username: "admin", ExpiresAt: time.Now().Add(time.Hour)},
	}}

	router := gin.New()
	router.Use(AuthMiddleware(validator, DefaultPublicPaths...))
	router.GET("/api/images", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/containers/:name", func(c *gin.Context) {
		c.Header("X-User", CurrentUser(c))
		c.Header("X-Token", CurrentToken(c))
		c.Status(http.StatusOK)
	})

	cases := []struct {
		name       string
		path       string
		authHeader string
		wantStatus int
		wantUser   string
	}{
		{name: "public without token", path: "/api/images", wantStatus: http.StatusOK},
		{name: "missing token", path: "/api/containers/044123", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/api/containers/044123", authHeader: "Basic vdesk_good", wantStatus: http.StatusUnauthorized},
		{name: "unknown token", path: "/api/containers/044123", authHeader: "Bearer vdesk_bad", wantStatus: http.StatusUnauthorized},
		{name: "valid token", path: "/api/containers/044123", authHeader: "Bearer vdesk_good", wantStatus: http.StatusOK, wantUser: "admin"},
		{name: "case insensitive scheme", path: "/api/containers/044123", authHeader: "bearer vdesk_good", wantStatus: http.StatusOK, wantUser: "admin"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.authHeader != "" {
				headers["Authorization"] = tc.authHeader
			}
			rec, resp := performRequest(router, http.MethodGet, tc.path, headers)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusUnauthorized {
				if resp.Code != int(pkgerrors.AuthFailed) || resp.Message != "unauthorized" {
					t.Fatalf("unexpected body %+v", resp)
				}
			}
			if tc.wantUser != "" {
				if rec.Header().Get("X-User") != tc.wantUser || rec.Header().Get("X-Token") != "vdesk_good" {
					t.Fatalf("session not recorded: %v", rec.Header())
				}
			}
		})
	}
}

func TestAuthMiddlewareWithoutValidator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuthMiddleware(nil))
	router.GET("/api/containers", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec, _ := performRequest(router, http.MethodGet, "/api/containers", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"Bearer":           "",
		"Bearer  tok ":     "tok",
		"Token tok":        "",
		"BEARER vdesk_abc": "vdesk_abc",
	}
	for header, want := range cases {
		if got := ExtractBearerToken(header); got != want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestTraceMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TraceMiddleware())
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("trace_id"))
	})

	rec, _ := performRequest(router, http.MethodGet, "/healthz", map[string]string{traceIDHeader: "trace-1", requestIDHeader: "req-1"})
	if rec.Header().Get(traceIDHeader) != "trace-1" || rec.Body.String() != "trace-1" {
		t.Fatalf("trace id not propagated: %v %q", rec.Header(), rec.Body.String())
	}
	if rec.Header().Get(requestIDHeader) != "req-1" {
		t.Fatalf("request id not echoed")
	}

	rec, _ = performRequest(router, http.MethodGet, "/healthz", nil)
	if rec.Header().Get(traceIDHeader) == "" || rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("ids not generated: %v", rec.Header())
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name       string
		config     CORSConfig
		method     string
		origin     string
		wantStatus int
		wantHeader bool
	}{
		{
			name:       "disabled cors",
			config:     CORSConfig{Enabled: false},
			method:     http.MethodGet,
			origin:     "https://example.com",
			wantStatus: http.StatusOK,
		},
		{
			name:       "default preflight",
			config:     DefaultCORSConfig(),
			method:     http.MethodOptions,
			origin:     "https://desk.example.com",
			wantStatus: http.StatusNoContent,
			wantHeader: true,
		},
		{
			name: "blocked preflight",
			config: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"https://allowed.com"},
			},
			method:     http.MethodOptions,
			origin:     "https://denied.com",
			wantStatus: http.StatusForbidden,
		},
		{
			name: "listed origin with credentials",
			config: CORSConfig{
				Enabled:          true,
				AllowedOrigins:   []string{"https://Console.example.com"},
				AllowCredentials: true,
			},
			method:     http.MethodGet,
			origin:     "https://console.example.com",
			wantStatus: http.StatusOK,
			wantHeader: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tc.config))
			router.GET("/resource", func(c *gin.Context) { c.Status(http.StatusOK) })
			router.OPTIONS("/resource", func(c *gin.Context) { c.Status(http.StatusOK) })

			rec, _ := performRequest(router, tc.method, "/resource", map[string]string{"Origin": tc.origin})
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			got := rec.Header().Get("Access-Control-Allow-Origin") != ""
			if got != tc.wantHeader {
				t.Fatalf("allow-origin header present = %v, want %v", got, tc.wantHeader)
			}
			if tc.config.AllowCredentials && rec.Header().Get("Access-Control-Allow-Origin") != tc.origin {
				t.Fatalf("credentialed reply must echo the origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}
