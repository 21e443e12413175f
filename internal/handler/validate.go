package handler

import (
	"net/http"
	"strconv"
	"strings"

	"crystal-ball/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// ValidateSignal godoc
// @Summary      Statistically validate a signal against historical analogs
// @Description  Runs hypothesis testing and risk metrics over matured historical analogs of the given signal
// @Tags         validation
// @Produce      json
// @Param        symbol  path   string   true   "Asset symbol (e.g., BTC, ETH)"
// @Param        signal  query  number   false  "Signal value in [-1,1]; defaults to the current 24h ensemble signal"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/validate/{symbol} [get]
func (h *Handler) ValidateSignal(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.validate-signal")
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

	var signal float64
	if raw := c.Query("signal"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < -1 || v > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "signal must be a number in [-1,1]"})
			return
		}
		signal = v
	} else {
		f, err := h.forecaster.Predict(ctx, symbol)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		result, ok := f.Results["24h"]
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no 24h forecast available"})
			return
		}
		signal = result.EnsembleSignal
	}

	result, err := h.validator.Validate(ctx, symbol, signal)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"validation_id": result.ValidationID,
		"asset":         result.Symbol,
		"statistics": gin.H{
			"sample_size":         result.SampleSize,
			"win_rate":            result.WinRate,
			"mean_return":         result.MeanReturn,
			"std_dev":             result.StdDev,
			"p_value":             result.PValue,
			"is_significant":      result.IsSignificant,
			"confidence_interval": result.ConfidenceInterval,
		},
		"risk_metrics": gin.H{
			"sharpe_ratio":   result.SharpeRatio,
			"max_drawdown":   result.MaxDrawdown,
			"kelly_fraction": result.KellyFraction,
		},
		"confidence_score": result.CompositeConfidence,
		"confidence_tier":  result.Tier,
		"recommendation":   result.Recommendation,
		"computed_at":      result.ComputedAt,
	})
}
