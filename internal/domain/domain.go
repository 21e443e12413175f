package domain

import "time"

type PredictorID string

const (
	PredictorSequence        PredictorID = "sequence"
	PredictorClassicalTS     PredictorID = "classical_ts"
	PredictorGradientBoosted PredictorID = "gradient_boosted"
	PredictorBaseline        PredictorID = "baseline"
)

// AllPredictors lists every model family in ensemble weight order.
var AllPredictors = []PredictorID{
	PredictorSequence,
	PredictorGradientBoosted,
	PredictorBaseline,
	PredictorClassicalTS,
}

// Signal is a single model's directional forecast, normalized to [-1, 1].
// Immutable once produced.
type Signal struct {
	Source    PredictorID `json:"source"`
	Value     float64     `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "HIGH"
	ConfidenceMedium ConfidenceTier = "MEDIUM"
	ConfidenceLow    ConfidenceTier = "LOW"
)

type ValidationTier string

const (
	TierVeryHigh ValidationTier = "very_high"
	TierHigh     ValidationTier = "high"
	TierMedium   ValidationTier = "medium"
	TierLow      ValidationTier = "low"
)

type Recommendation string

const (
	RecommendAct   Recommendation = "ACT"
	RecommendWatch Recommendation = "WATCH"
	RecommendPass  Recommendation = "PASS"
)

// PredictionResult is the ensemble output for one asset/timeframe.
// Created fresh per aggregation call and never mutated after return.
type PredictionResult struct {
	Symbol          string                  `json:"symbol"`
	Timeframe       string                  `json:"timeframe"`
	EnsembleSignal  float64                 `json:"ensemble_signal"`
	EnsemblePrice   float64                 `json:"ensemble_price"`
	ChangePercent   float64                 `json:"change_percent"`
	ConfidenceTier  ConfidenceTier          `json:"confidence_tier"`
	PerModelSignals map[PredictorID]Signal  `json:"per_model_signals"`
	WeightsUsed     map[PredictorID]float64 `json:"weights_used"`
	NumModels       int                     `json:"num_models"`
	SignalStdDev    float64                 `json:"signal_std_dev"`
	SignalCV        float64                 `json:"signal_cv"`
	Degraded        bool                    `json:"degraded"`
	StaleData       bool                    `json:"stale_data"`
}

// HistoricalAnalog is a past signal occurrence whose bucket matches the
// current signal, carrying its realized forward return over a fixed horizon.
type HistoricalAnalog struct {
	ID            int64     `json:"id"`
	Symbol        string    `json:"symbol"`
	SignalValue   float64   `json:"signal_value"`
	Direction     int       `json:"direction"`
	OccurredAt    time.Time `json:"occurred_at"`
	HorizonHours  int       `json:"horizon_hours"`
	ForwardReturn float64   `json:"forward_return"`
}

// MinValidationSamples is the floor below which a validation carries no
// statistical power. Below it the tier is forced to low and the
// recommendation to PASS regardless of the other statistics.
const MinValidationSamples = 30

// ValidationResult carries the historical backtest statistics for a signal.
type ValidationResult struct {
	ValidationID        string         `json:"validation_id"`
	Symbol              string         `json:"asset"`
	SampleSize          int            `json:"sample_size"`
	WinRate             float64        `json:"win_rate"`
	MeanReturn          float64        `json:"mean_return"`
	StdDev              float64        `json:"std_dev"`
	PValue              float64        `json:"p_value"`
	IsSignificant       bool           `json:"is_significant"`
	ConfidenceInterval  [2]float64     `json:"confidence_interval"`
	SharpeRatio         float64        `json:"sharpe_ratio"`
	MaxDrawdown         float64        `json:"max_drawdown"`
	KellyFraction       float64        `json:"kelly_fraction"`
	CompositeConfidence float64        `json:"composite_confidence"`
	Tier                ValidationTier `json:"confidence_tier"`
	Recommendation      Recommendation `json:"recommendation"`
	ComputedAt          time.Time      `json:"computed_at"`
}

// TrainingDiagnostics summarizes one training run of a predictor.
type TrainingDiagnostics struct {
	Predictor     PredictorID        `json:"predictor"`
	Samples       int                `json:"samples"`
	TrainError    float64            `json:"train_error"`
	ValError      float64            `json:"val_error"`
	Iterations    int                `json:"iterations"`
	BestIteration int                `json:"best_iteration"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// FeatureImportance is one entry of a descending importance ranking.
type FeatureImportance struct {
	Name       string  `json:"name"`
	Importance float64 `json:"importance"`
}

// ModelInfo is the introspection payload of a single predictor.
type ModelInfo struct {
	Predictor   PredictorID          `json:"predictor"`
	Initialized bool                 `json:"initialized"`
	Version     int                  `json:"version"`
	Hyperparams map[string]any       `json:"hyperparams"`
	Importance  []FeatureImportance  `json:"importance,omitempty"`
	LastTrained *TrainingDiagnostics `json:"last_trained,omitempty"`
}

// ModelArtifact is a persisted, versioned model snapshot.
type ModelArtifact struct {
	ID              int64
	Predictor       PredictorID
	Version         int
	FeatureSpec     string
	TrainedFrom     time.Time
	TrainedTo       time.Time
	TrainedAt       time.Time
	HyperparamsJSON string
	MetricsJSON     string
	Format          string
	Blob            []byte
	IsActive        bool
	ActivatedAt     *time.Time
	CreatedAt       time.Time
}
