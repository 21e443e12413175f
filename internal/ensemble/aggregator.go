package ensemble

import (
	"fmt"
	"math"
	"time"

	"crystal-ball/internal/domain"
	"crystal-ball/internal/ta"
)

// WeightTolerance is the permitted drift from 1.0 for any weight set.
const WeightTolerance = 1e-6

// DefaultScaleFactor is the maximum expected move implied by a fully
// saturated ensemble signal: |signal| = 1 maps to a 3% price change.
const DefaultScaleFactor = 0.03

// Dispersion tier boundaries. Either condition of a pair is sufficient.
const (
	highStdDev   = 0.10
	highCV       = 0.30
	mediumStdDev = 0.20
	mediumCV     = 0.60
)

// Weights maps each enabled predictor to its configured weight. Validated at
// construction: weights of enabled predictors always sum to 1. Unavailable
// predictors are removed and the remainder renormalized, never zero-weighted.
type Weights map[domain.PredictorID]float64

// DefaultWeights returns the documented production weight set.
func DefaultWeights() Weights {
	return Weights{
		domain.PredictorSequence:        0.35,
		domain.PredictorGradientBoosted: 0.25,
		domain.PredictorBaseline:        0.20,
		domain.PredictorClassicalTS:     0.20,
	}
}

// NewWeights validates a weight mapping: every weight in [0, 1], at least one
// entry, and a total of 1.0 within tolerance.
func NewWeights(m map[domain.PredictorID]float64) (Weights, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("weight set is empty")
	}
	total := 0.0
	out := make(Weights, len(m))
	for id, w := range m {
		if math.IsNaN(w) || w < 0 || w > 1 {
			return nil, fmt.Errorf("weight for %s out of range: %v", id, w)
		}
		out[id] = w
		total += w
	}
	if math.Abs(total-1) > WeightTolerance {
		return nil, fmt.Errorf("weights sum to %.8f, want 1.0", total)
	}
	return out, nil
}

// Renormalize scales the weights of the available predictors so they sum to
// 1.0. Predictors missing from available are excluded from the result.
func (w Weights) Renormalize(available []domain.PredictorID) (Weights, error) {
	active := 0.0
	for _, id := range available {
		active += w[id]
	}
	if active <= 0 {
		return nil, domain.ErrAllModelsUnavailable
	}
	out := make(Weights, len(available))
	for _, id := range available {
		if _, ok := w[id]; !ok {
			continue
		}
		out[id] = w[id] / active
	}
	return out, nil
}

// Sum returns the weight total.
func (w Weights) Sum() float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}

// Config is the validated aggregator configuration.
type Config struct {
	Weights     Weights
	ScaleFactor float64
}

// Aggregator combines per-model signals into a single directional forecast
// with a dispersion-derived confidence tier. Aggregation is a pure function
// of its inputs: identical signals always yield an identical result.
type Aggregator struct {
	cfg Config
}

func New(cfg Config) (*Aggregator, error) {
	if cfg.ScaleFactor <= 0 {
		cfg.ScaleFactor = DefaultScaleFactor
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	validated, err := NewWeights(cfg.Weights)
	if err != nil {
		return nil, err
	}
	cfg.Weights = validated
	return &Aggregator{cfg: cfg}, nil
}

// Input is one aggregation request: the signals of every predictor that is
// enabled, initialized, and produced a usable value.
type Input struct {
	Symbol       string
	Timeframe    string
	CurrentPrice float64
	Signals      []domain.Signal
	AsOf         time.Time
	StaleData    bool
}

// Aggregate combines the available signals per the configured weights.
// Returns ErrAllModelsUnavailable when no weighted signal is present; no
// partial result is produced in that case.
func (a *Aggregator) Aggregate(in Input) (*domain.PredictionResult, error) {
	perModel := make(map[domain.PredictorID]domain.Signal, len(in.Signals))
	available := make([]domain.PredictorID, 0, len(in.Signals))
	for _, sig := range in.Signals {
		if _, ok := a.cfg.Weights[sig.Source]; !ok {
			continue
		}
		if _, dup := perModel[sig.Source]; dup {
			continue
		}
		perModel[sig.Source] = sig
		available = append(available, sig.Source)
	}
	if len(available) == 0 {
		return nil, domain.ErrAllModelsUnavailable
	}

	weights, err := a.cfg.Weights.Renormalize(available)
	if err != nil {
		return nil, err
	}
	if math.Abs(weights.Sum()-1) > WeightTolerance {
		return nil, fmt.Errorf("renormalized weights sum to %.8f, want 1.0", weights.Sum())
	}

	combined := 0.0
	values := make([]float64, 0, len(available))
	for id, w := range weights {
		v := ta.Clamp(perModel[id].Value, -1, 1)
		combined += w * v
		values = append(values, v)
	}
	combined = ta.Clamp(combined, -1, 1)

	mean, stdDev := ta.MeanStd(values)
	cv := math.Inf(1)
	if math.Abs(mean) > 0 {
		cv = stdDev / math.Abs(mean)
	}

	change := combined * a.cfg.ScaleFactor
	return &domain.PredictionResult{
		Symbol:          in.Symbol,
		Timeframe:       in.Timeframe,
		EnsembleSignal:  combined,
		EnsemblePrice:   in.CurrentPrice * (1 + change),
		ChangePercent:   change * 100,
		ConfidenceTier:  TierFromDispersion(stdDev, cv),
		PerModelSignals: perModel,
		WeightsUsed:     weights,
		NumModels:       len(available),
		SignalStdDev:    stdDev,
		SignalCV:        cv,
		StaleData:       in.StaleData,
		Degraded:        in.StaleData,
	}, nil
}

// TierFromDispersion maps model disagreement to a confidence tier. Each pair
// of conditions is a disjunction: tight absolute spread or tight relative
// spread is enough.
func TierFromDispersion(stdDev, cv float64) domain.ConfidenceTier {
	switch {
	case stdDev < highStdDev || cv < highCV:
		return domain.ConfidenceHigh
	case stdDev < mediumStdDev || cv < mediumCV:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// Demote lowers a tier one notch. Used by the anomaly gate when the current
// market state is an outlier relative to the training distribution.
func Demote(tier domain.ConfidenceTier) domain.ConfidenceTier {
	switch tier {
	case domain.ConfidenceHigh:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// ScaleFactor exposes the configured maximum expected move.
func (a *Aggregator) ScaleFactor() float64 { return a.cfg.ScaleFactor }

// ConfiguredWeights returns a copy of the full configured weight set.
func (a *Aggregator) ConfiguredWeights() Weights {
	out := make(Weights, len(a.cfg.Weights))
	for id, w := range a.cfg.Weights {
		out[id] = w
	}
	return out
}
