package handler

import (
	"net/http"

	"github.com/choraleia/relaychat/pkg/service"
	"github.com/gin-gonic/gin"
)

// ModelHandler exposes the model registry.
type ModelHandler struct {
	modelService *service.ModelService
}

func NewModelHandler(modelService *service.ModelService) *ModelHandler {
	return &ModelHandler{modelService: modelService}
}

func (h *ModelHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/models", h.ListModels)
}

// ListModels returns the configured models
// GET /api/models
func (h *ModelHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.modelService.List()})
}
