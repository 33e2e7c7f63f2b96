package controller

import (
	"strings"

	"vdesk/internal/desktop/service"
	"vdesk/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// DesktopController handles the container endpoints.
type DesktopController struct {
	desktop *service.DesktopService
}

// NewDesktopController creates a new DesktopController.
func NewDesktopController(desktop *service.DesktopService) *DesktopController {
	return &DesktopController{desktop: desktop}
}

// Register mounts the container routes on group.
func (h *DesktopController) Register(group gin.IRouter) {
	containers := group.Group("/containers")
	containers.POST("", h.Create)
	containers.GET("", h.List)
	containers.GET("/:name", h.Get)
	containers.PUT("/:name", h.Modify)
	containers.DELETE("/:name", h.Delete)
	containers.POST("/:name/action", h.Action)
	containers.GET("/:name/audit", h.Audit)
}

// Create provisions and starts a new environment.
func (h *DesktopController) Create(c *gin.Context) {
	var req CreateContainerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	result, err := h.desktop.Create(c.Request.Context(), service.CreateRequest{
		Name:         strings.TrimSpace(req.Name),
		Image:        strings.TrimSpace(req.Image),
		CPUs:         req.CPUs,
		Memory:       req.Memory,
		ShmSize:      req.ShmSize,
		GPUs:         req.GPUs,
		Swap:         req.Swap,
		RootPassword: req.RootPassword,
		Comment:      req.Comment,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// List returns every environment.
func (h *DesktopController) List(c *gin.Context) {
	envs, err := h.desktop.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, envs)
}

// Get returns one environment.
func (h *DesktopController) Get(c *gin.Context) {
	env, err := h.desktop.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, env)
}

// Modify applies a partial resource change.
func (h *DesktopController) Modify(c *gin.Context) {
	var req ModifyContainerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	result, err := h.desktop.Modify(c.Request.Context(), c.Param("name"), service.ModifyRequest{
		Mode:         req.Mode,
		CPUs:         req.CPUs,
		Memory:       req.Memory,
		ShmSize:      req.ShmSize,
		GPUs:         req.GPUs,
		Swap:         req.Swap,
		RootPassword: req.RootPassword,
		Comment:      req.Comment,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// Action runs start, stop, restart or delete.
func (h *DesktopController) Action(c *gin.Context) {
	action := c.Query("action")
	if action == "" {
		var req ActionRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			action = req.Action
		}
	}

	outcome, err := h.desktop.Action(c.Request.Context(), c.Param("name"), action)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, outcome)
}

// Delete stops and removes an environment.
func (h *DesktopController) Delete(c *gin.Context) {
	outcome, err := h.desktop.Delete(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, outcome)
}

// Audit returns the exec audit log.
func (h *DesktopController) Audit(c *gin.Context) {
	entries, err := h.desktop.Audit(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entries)
}

// CreateContainerRequest defines create payload.
type CreateContainerRequest struct {
	Name         string `json:"name" binding:"required"`
	Image        string `json:"image" binding:"required"`
	CPUs         int    `json:"cpus"`
	Memory       string `json:"memory"`
	ShmSize      string `json:"shm_size"`
	GPUs         []int  `json:"gpus"`
	Swap         string `json:"swap"`
	RootPassword string `json:"root_password"`
	Comment      string `json:"comment"`
}

// ModifyContainerRequest defines modify payload. Absent fields are left
// unchanged.
type ModifyContainerRequest struct {
	Mode         string  `json:"mode"`
	CPUs         *int    `json:"cpus"`
	Memory       *string `json:"memory"`
	ShmSize      *string `json:"shm_size"`
	GPUs         *[]int  `json:"gpus"`
	Swap         *string `json:"swap"`
	RootPassword *string `json:"root_password"`
	Comment      *string `json:"comment"`
}

// ActionRequest is the optional body form of an action call.
type ActionRequest struct {
	Action string `json:"action"`
}
