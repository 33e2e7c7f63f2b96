package controller

import (
	"vdesk/internal/host/service"
	"vdesk/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// HostController serves the public host and image endpoints.
type HostController struct {
	host   *service.HostService
	images *service.ImageCatalog
}

// NewHostController creates a new HostController.
func NewHostController(host *service.HostService, images *service.ImageCatalog) *HostController {
	return &HostController{host: host, images: images}
}

// Register mounts the routes on group.
func (h *HostController) Register(group gin.IRouter) {
	group.GET("/host", h.Host)
	group.GET("/images", h.Images)
}

// Host returns cpu, memory and gpu inventory.
func (h *HostController) Host(c *gin.Context) {
	info, err := h.host.Info(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, info)
}

// Images returns the image choices for new environments.
func (h *HostController) Images(c *gin.Context) {
	response.Success(c, h.images.Images())
}
