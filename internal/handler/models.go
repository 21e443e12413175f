package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GetModelInfo godoc
// @Summary      Get model introspection
// @Description  Returns enabled models, ensemble weights, and per-model training details
// @Tags         models
// @Produce      json
// @Success      200  {object}  forecast.ModelInfoPayload
// @Router       /api/models [get]
func (h *Handler) GetModelInfo(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.get-model-info")
	defer span.End()

	c.JSON(http.StatusOK, h.forecaster.ModelInfoPayload())
}

// GetFeatureImportance godoc
// @Summary      Get feature importance ranking
// @Description  Returns the boosted model's permutation feature importance and top-5 features
// @Tags         models
// @Produce      json
// @Success      200  {object}  forecast.ImportancePayload
// @Router       /api/models/importance [get]
func (h *Handler) GetFeatureImportance(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.get-feature-importance")
	defer span.End()

	c.JSON(http.StatusOK, h.forecaster.ImportancePayload())
}

// TriggerTraining godoc
// @Summary      Trigger model training manually
// @Description  Runs an immediate training cycle for every predictor and returns the per-model outcomes
// @Tags         models
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Security     ApiKeyAuth
// @Router       /api/models/train [post]
func (h *Handler) TriggerTraining(c *gin.Context) {
	if h.trainer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "training service unavailable"})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.trigger-training")
	defer span.End()

	results, err := h.trainer.TrainAll(ctx, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type trainOutcome struct {
		Predictor string  `json:"predictor"`
		Version   int     `json:"version"`
		Samples   int     `json:"samples"`
		ValError  float64 `json:"val_error"`
		Promoted  bool    `json:"promoted"`
		Error     string  `json:"error,omitempty"`
	}
	outcomes := make([]trainOutcome, 0, len(results))
	for _, r := range results {
		o := trainOutcome{
			Predictor: string(r.Predictor),
			Version:   r.Version,
			Samples:   r.Samples,
			ValError:  r.ValError,
			Promoted:  r.Promoted,
		}
		if r.Err != nil {
			o.Error = r.Err.Error()
		}
		outcomes = append(outcomes, o)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"trained": len(outcomes),
		"results": outcomes,
	})
}
