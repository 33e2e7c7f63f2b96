package controller

import (
	"context"
	"strings"

	"vdesk/internal/auth/middleware"
	"vdesk/internal/auth/service"
	"vdesk/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Authenticator is the subset of service.AuthService used by the controller.
type Authenticator interface {
	Authenticate(ctx context.Context, input service.LoginInput) (service.LoginResult, error)
	Logout(ctx context.Context, token string) error
	ChangePassword(ctx context.Context, input service.ChangePasswordInput) error
}

// AuthController handles auth-related HTTP endpoints.
type AuthController struct {
	authService Authenticator
}

// NewAuthController creates a new AuthController.
func NewAuthController(authService Authenticator) *AuthController {
	return &AuthController{authService: authService}
}

// Register mounts the auth routes on group.
func (h *AuthController) Register(group gin.IRouter) {
	group.POST("/login", h.Login)
	group.POST("/logout", h.Logout)
	group.POST("/change-password", h.ChangePassword)
}

// Login handles operator login.
func (h *AuthController) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	result, err := h.authService.Authenticate(c.Request.Context(), service.LoginInput{
		Username: strings.TrimSpace(req.Username),
		Password: req.Password,
		IP:       c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, result)
}

// Logout revokes the bearer token of the request.
func (h *AuthController) Logout(c *gin.Context) {
	if err := h.authService.Logout(c.Request.Context(), middleware.CurrentToken(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Logout success", nil)
}

// ChangePassword replaces the caller's password and ends all their sessions.
func (h *AuthController) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	err := h.authService.ChangePassword(c.Request.Context(), service.ChangePasswordInput{
		Username:    middleware.CurrentUser(c),
		OldPassword: req.OldPassword,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Password changed", nil)
}

// LoginRequest defines login payload.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// ChangePasswordRequest defines change-password payload.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}
