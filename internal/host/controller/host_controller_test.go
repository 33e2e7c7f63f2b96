package controller

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"vdesk/internal/host/service"

	"github.com/gin-gonic/gin"
)

func newRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	host := service.NewHostService(filepath.Join(t.TempDir(), "nvidia-smi"))
	images := service.NewImageCatalog(service.ImagesConfig{RegistryURL: "reg/", Registry: []string{"desk:1"}})
	NewHostController(host, images).Register(router.Group("/api"))
	return router
}

func TestImages(t *testing.T) {
	router := newRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/images", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0] != "reg/desk:1" {
		t.Fatalf("images = %v", body.Data)
	}
}

func TestHostWithoutGPUDriver(t *testing.T) {
	router := newRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/host", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data service.HostInfo `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.CPUs < 1 || body.Data.MemoryBytes == 0 || len(body.Data.GPUs) != 0 {
		t.Fatalf("unexpected host info %+v", body.Data)
	}
}
