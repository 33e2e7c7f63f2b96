package middleware

import (
	"context"
	"strings"

	"vdesk/internal/auth/repository"
	pkgerrors "vdesk/pkg/errors"
	"vdesk/pkg/utils/contextkey"
	"vdesk/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Keys stored on the gin context by AuthMiddleware.
const (
	UsernameKey = "username"
	TokenKey    = "token"
)

// DefaultPublicPaths need no bearer token.
var DefaultPublicPaths = []string{"/api/login", "/api/images", "/api/host", "/healthz"}

// TokenValidator resolves a bearer token to its session.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (repository.Session, error)
}

// AuthMiddleware requires a valid bearer token on every route outside
// publicPaths. Paths are matched against the registered route pattern.
func AuthMiddleware(validator TokenValidator, publicPaths ...string) gin.HandlerFunc {
	public := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := public[routePath(c)]; ok {
			c.Next()
			return
		}
		if validator == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}

		token := ExtractBearerToken(c.GetHeader("Authorization"))
		session, err := validator.Validate(c.Request.Context(), token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		Authorize(c, session)
		c.Next()
	}
}

// Authorize records session on the request so handlers and logs see the user.
func Authorize(c *gin.Context, session repository.Session) {
	c.Set(UsernameKey, session.Username)
	c.Set(TokenKey, session.Token)
	ctx := context.WithValue(c.Request.Context(), contextkey.Username, session.Username)
	c.Request = c.Request.WithContext(ctx)
}

// CurrentUser returns the authenticated username, if any.
func CurrentUser(c *gin.Context) string {
	return c.GetString(UsernameKey)
}

// CurrentToken returns the bearer token of the request, if any.
func CurrentToken(c *gin.Context) string {
	return c.GetString(TokenKey)
}

// ExtractBearerToken parses an Authorization header value.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}
