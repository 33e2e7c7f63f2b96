package controller

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"vdesk/internal/auth/middleware"
	"vdesk/internal/auth/repository"
	"vdesk/internal/auth/service"
	pkgerrors "vdesk/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	users, err := repository.NewUserRepository(filepath.Join(t.TempDir(), "users.json"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewUserRepository() error = %v", err)
	}
	authService := service.NewAuthService(users, repository.NewMemorySessionStore(), nil, service.AuthServiceConfig{})

	router := gin.New()
	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(authService, middleware.DefaultPublicPaths...))
	NewAuthController(authService).Register(api)
	api.GET("/whoami", func(c *gin.Context) { c.String(http.StatusOK, middleware.CurrentUser(c)) })
	return router
}

func doJSON(router http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
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
	router.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func loginToken(t *testing.T, router http.Handler, password string) string {
	t.Helper()
	rec, env := doJSON(router, http.MethodPost, "/api/login", "", LoginRequest{Username: "admin", Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body=%s", rec.Code, rec.Body.String())
	}
	var result service.LoginResult
	if err := json.Unmarshal(env.Data, &result); err != nil || result.Token == "" {
		t.Fatalf("decode login result: %v %s", err, env.Data)
	}
	return result.Token
}

func TestLogin(t *testing.T) {
	router := newRouter(t)
	token := loginToken(t, router, "admin")

	rec, _ := doJSON(router, http.MethodGet, "/api/whoami", token, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "admin" {
		t.Fatalf("whoami = %d %q", rec.Code, rec.Body.String())
	}

	rec, env := doJSON(router, http.MethodPost, "/api/login", "", LoginRequest{Username: "admin", Password: "bad"})
	if rec.Code != http.StatusUnauthorized || env.Code != int(pkgerrors.AuthFailed) {
		t.Fatalf("bad login = %d %+v", rec.Code, env)
	}
	rec, _ = doJSON(router, http.MethodPost, "/api/login", "", map[string]string{"username": "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing password status = %d", rec.Code)
	}
}

func TestLogout(t *testing.T) {
	router := newRouter(t)
	token := loginToken(t, router, "admin")

	rec, _ := doJSON(router, http.MethodPost, "/api/logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	rec, _ = doJSON(router, http.MethodGet, "/api/whoami", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("token still valid after logout: %d", rec.Code)
	}
	rec, _ = doJSON(router, http.MethodPost, "/api/logout", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("logout without token = %d", rec.Code)
	}
}

func TestChangePassword(t *testing.T) {
	router := newRouter(t)
	token := loginToken(t, router, "admin")
	other := loginToken(t, router, "admin")

	rec, _ := doJSON(router, http.MethodPost, "/api/change-password", token,
		ChangePasswordRequest{OldPassword: "wrong", NewPassword: "n3w"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong old password status = %d", rec.Code)
	}

	rec, _ = doJSON(router, http.MethodPost, "/api/change-password", token,
		ChangePasswordRequest{OldPassword: "admin", NewPassword: "n3w"})
	if rec.Code != http.StatusOK {
		t.Fatalf("change status = %d body=%s", rec.Code, rec.Body.String())
	}
	for _, tok := range []string{token, other} {
		if rec, _ := doJSON(router, http.MethodGet, "/api/whoami", tok, nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("session survived password change")
		}
	}
	loginToken(t, router, "n3w")
}
