package forecast

import (
	"sort"

	"crystal-ball/internal/domain"
)

// PredictionPayload is the per-timeframe prediction response shape consumed
// downstream. Field names are part of the consumer contract.
type PredictionPayload struct {
	Timeframe        string             `json:"timeframe"`
	PredictedPrice   float64            `json:"predicted_price"`
	ChangePercent    float64            `json:"change_percent"`
	Confidence       string             `json:"confidence"`
	ModelsUsed       int                `json:"models_used"`
	ModelPredictions map[string]float64 `json:"model_predictions"`
	Degraded         bool               `json:"degraded"`
	StaleData        bool               `json:"stale_data"`
}

// ScenarioEntry is one model's standalone price path within a scenario view.
type ScenarioEntry struct {
	Name       string  `json:"name"`
	Weight     float64 `json:"weight"`
	Prediction float64 `json:"prediction"`
}

// ScenarioPayload is the per-timeframe scenario response shape.
type ScenarioPayload struct {
	Timeframe       string          `json:"timeframe"`
	Scenarios       []ScenarioEntry `json:"scenarios"`
	ConfidenceScore float64         `json:"confidenceScore"`
	NumModelsUsed   int             `json:"num_models_used"`
}

// ImportancePayload is the feature-importance introspection shape.
type ImportancePayload struct {
	Available bool               `json:"available"`
	Features  map[string]float64 `json:"features"`
	Top5      []string           `json:"top_5"`
}

// ModelInfoPayload is the model introspection shape.
type ModelInfoPayload struct {
	ModelsEnabled   map[string]bool            `json:"models_enabled"`
	EnsembleWeights map[string]float64         `json:"ensemble_weights"`
	ModelDetails    map[string]domain.ModelInfo `json:"model_details"`
}

// PredictionPayloads flattens a Forecast into the per-timeframe response
// shape, ordered by supported timeframe.
func (s *Service) PredictionPayloads(f *Forecast) []PredictionPayload {
	out := make([]PredictionPayload, 0, len(f.Results))
	for _, tf := range domain.SupportedTimeframes {
		result, ok := f.Results[tf]
		if !ok {
			continue
		}
		preds := make(map[string]float64, len(result.PerModelSignals))
		for id, sig := range result.PerModelSignals {
			preds[string(id)] = sig.Value
		}
		out = append(out, PredictionPayload{
			Timeframe:        tf,
			PredictedPrice:   result.EnsemblePrice,
			ChangePercent:    result.ChangePercent,
			Confidence:       string(result.ConfidenceTier),
			ModelsUsed:       result.NumModels,
			ModelPredictions: preds,
			Degraded:         result.Degraded,
			StaleData:        result.StaleData,
		})
	}
	return out
}

// ScenarioPayloads renders each model's standalone price path per timeframe:
// the price the ensemble would forecast if that model had full weight.
func (s *Service) ScenarioPayloads(f *Forecast) []ScenarioPayload {
	scale := s.aggregator.ScaleFactor()
	out := make([]ScenarioPayload, 0, len(f.Results))
	for _, tf := range domain.SupportedTimeframes {
		result, ok := f.Results[tf]
		if !ok {
			continue
		}
		basePrice := result.EnsemblePrice / (1 + result.EnsembleSignal*scale)
		entries := make([]ScenarioEntry, 0, len(result.PerModelSignals))
		for _, id := range domain.AllPredictors {
			sig, ok := result.PerModelSignals[id]
			if !ok {
				continue
			}
			entries = append(entries, ScenarioEntry{
				Name:       string(id),
				Weight:     result.WeightsUsed[id],
				Prediction: basePrice * (1 + sig.Value*scale),
			})
		}
		out = append(out, ScenarioPayload{
			Timeframe:       tf,
			Scenarios:       entries,
			ConfidenceScore: confidenceScore(result.ConfidenceTier),
			NumModelsUsed:   result.NumModels,
		})
	}
	return out
}

// ImportancePayload reports the active boosted model's feature ranking.
func (s *Service) ImportancePayload() ImportancePayload {
	for _, p := range s.predictors {
		if p.ID() != domain.PredictorGradientBoosted {
			continue
		}
		info := p.Info()
		if !info.Initialized || len(info.Importance) == 0 {
			return ImportancePayload{Available: false}
		}
		features := make(map[string]float64, len(info.Importance))
		ranked := append([]domain.FeatureImportance(nil), info.Importance...)
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Importance > ranked[j].Importance })
		top := make([]string, 0, 5)
		for i, fi := range ranked {
			features[fi.Name] = fi.Importance
			if i < 5 {
				top = append(top, fi.Name)
			}
		}
		return ImportancePayload{Available: true, Features: features, Top5: top}
	}
	return ImportancePayload{Available: false}
}

// ModelInfoPayload reports every predictor's state plus the configured
// ensemble weights.
func (s *Service) ModelInfoPayload() ModelInfoPayload {
	enabled := make(map[string]bool, len(s.predictors))
	details := make(map[string]domain.ModelInfo, len(s.predictors))
	for _, p := range s.predictors {
		info := p.Info()
		enabled[string(p.ID())] = info.Initialized
		details[string(p.ID())] = info
	}
	weights := make(map[string]float64)
	for id, w := range s.aggregator.ConfiguredWeights() {
		weights[string(id)] = w
	}
	return ModelInfoPayload{
		ModelsEnabled:   enabled,
		EnsembleWeights: weights,
		ModelDetails:    details,
	}
}

func confidenceScore(tier domain.ConfidenceTier) float64 {
	switch tier {
	case domain.ConfidenceHigh:
		return 0.9
	case domain.ConfidenceMedium:
		return 0.6
	default:
		return 0.3
	}
}
