package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health godoc
// @Summary      Service health
// @Description  Liveness plus how many predictors are serving a trained snapshot
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	info := h.forecaster.ModelInfoPayload()
	ready := 0
	for _, trained := range info.ModelsEnabled {
		if trained {
			ready++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"models_ready": ready,
		"models_total": len(info.ModelsEnabled),
	})
}
