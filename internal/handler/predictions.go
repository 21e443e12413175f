package handler

import (
	"errors"
	"net/http"
	"strings"

	"crystal-ball/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetPredictions godoc
// @Summary      Get ensemble price predictions for an asset
// @Description  Returns the ensemble forecast per supported timeframe with per-model signals and a confidence tier
// @Tags         predictions
// @Produce      json
// @Param        symbol  path  string  true  "Asset symbol (e.g., BTC, ETH)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/predictions/{symbol} [get]
func (h *Handler) GetPredictions(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-predictions")
	defer span.End()

	symbol := strings.ToUpper(c.Param("symbol"))
	span.SetAttributes(attribute.String("symbol", symbol))

	if !supportedSymbol(symbol) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "unsupported symbol: " + symbol,
			"supported_symbols": domain.SupportedSymbols,
		})
		return
	}

	f, err := h.forecaster.Predict(ctx, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrAllModelsUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no prediction models available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":      symbol,
		"as_of":       f.AsOf,
		"predictions": h.forecaster.PredictionPayloads(f),
	})
}

// GetScenarios godoc
// @Summary      Get per-model scenario forecasts for an asset
// @Description  Returns each model's standalone price path per timeframe with its ensemble weight
// @Tags         predictions
// @Produce      json
// @Param        symbol  path  string  true  "Asset symbol (e.g., BTC, ETH)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/scenarios/{symbol} [get]
func (h *Handler) GetScenarios(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-scenarios")
	defer span.End()

	symbol := strings.ToUpper(c.Param("symbol"))
	span.SetAttributes(attribute.String("symbol", symbol))

	if !supportedSymbol(symbol) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "unsupported symbol: " + symbol,
			"supported_symbols": domain.SupportedSymbols,
		})
		return
	}

	f, err := h.forecaster.Predict(ctx, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrAllModelsUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no prediction models available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"as_of":     f.AsOf,
		"scenarios": h.forecaster.ScenarioPayloads(f),
	})
}
