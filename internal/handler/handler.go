package handler

import (
	"context"
	"time"

	"crystal-ball/internal/domain"
	"crystal-ball/internal/forecast"
	"crystal-ball/internal/training"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

type Forecaster interface {
	Predict(ctx context.Context, symbol string) (*forecast.Forecast, error)
	PredictionPayloads(f *forecast.Forecast) []forecast.PredictionPayload
	ScenarioPayloads(f *forecast.Forecast) []forecast.ScenarioPayload
	ImportancePayload() forecast.ImportancePayload
	ModelInfoPayload() forecast.ModelInfoPayload
}

type Validator interface {
	Validate(ctx context.Context, symbol string, signal float64) (*domain.ValidationResult, error)
}

type Trainer interface {
	TrainAll(ctx context.Context, now time.Time) ([]training.TrainResult, error)
}

type Handler struct {
	tracer     trace.Tracer
	forecaster Forecaster
	validator  Validator
	trainer    Trainer
}

func New(tracer trace.Tracer, forecaster Forecaster, validator Validator, trainer Trainer) *Handler {
	return &Handler{
		tracer:     tracer,
		forecaster: forecaster,
		validator:  validator,
		trainer:    trainer,
	}
}

// RegisterRoutes wires the API surface. The training trigger mutates model
// state and sits behind the auth middleware; read endpoints are open.
func (h *Handler) RegisterRoutes(r *gin.Engine, auth gin.HandlerFunc) {
	r.GET("/health", h.Health)
	r.GET("/api/predictions/:symbol", h.GetPredictions)
	r.GET("/api/scenarios/:symbol", h.GetScenarios)
	r.GET("/api/models", h.GetModelInfo)
	r.GET("/api/models/importance", h.GetFeatureImportance)
	r.POST("/api/models/train", auth, h.TriggerTraining)
	r.GET("/api/validate/:symbol", h.ValidateSignal)
}

func supportedSymbol(symbol string) bool {
	for _, s := range domain.SupportedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}
