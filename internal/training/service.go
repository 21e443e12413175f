package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"crystal-ball/internal/anomaly"
	"crystal-ball/internal/domain"
	"crystal-ball/internal/features"
	"crystal-ball/internal/macro"
	"crystal-ball/internal/predictor"

	"go.opentelemetry.io/otel/trace"
)

type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error)
}

type ModelRegistry interface {
	NextVersion(ctx context.Context, predictor domain.PredictorID) (int, error)
	Insert(ctx context.Context, artifact domain.ModelArtifact) (*domain.ModelArtifact, error)
	GetActive(ctx context.Context, predictor domain.PredictorID) (*domain.ModelArtifact, error)
	Activate(ctx context.Context, predictor domain.PredictorID, version int) error
}

type Config struct {
	Symbol       string
	Interval     string
	HistoryBars  int
	HorizonSteps int
}

func DefaultConfig() Config {
	return Config{
		Symbol:       "BTC",
		Interval:     "1h",
		HistoryBars:  2000,
		HorizonSteps: 4,
	}
}

// Service retrains every predictor from candle history, persists the
// resulting artifacts, and promotes a new version only when it beats the
// active one on validation error. A rejected version stays in the registry
// but the predictor is rolled back to the active snapshot.
type Service struct {
	cfg        Config
	tracer     trace.Tracer
	candles    CandleSource
	macro      macro.Fetcher
	engine     *features.Engine
	registry   ModelRegistry
	predictors []predictor.Predictor
	gate       *anomaly.Detector
}

// TrainResult is the outcome of one predictor's training run.
type TrainResult struct {
	Predictor domain.PredictorID
	Version   int
	Samples   int
	ValError  float64
	Promoted  bool
	Err       error
}

func NewService(
	cfg Config,
	tracer trace.Tracer,
	candles CandleSource,
	macroFetcher macro.Fetcher,
	engine *features.Engine,
	registry ModelRegistry,
	predictors []predictor.Predictor,
	gate *anomaly.Detector,
) *Service {
	def := DefaultConfig()
	if cfg.Symbol == "" {
		cfg.Symbol = def.Symbol
	}
	if cfg.Interval == "" {
		cfg.Interval = def.Interval
	}
	if cfg.HistoryBars <= 0 {
		cfg.HistoryBars = def.HistoryBars
	}
	if cfg.HorizonSteps <= 0 {
		cfg.HorizonSteps = def.HorizonSteps
	}
	return &Service{
		cfg:        cfg,
		tracer:     tracer,
		candles:    candles,
		macro:      macroFetcher,
		engine:     engine,
		registry:   registry,
		predictors: predictors,
		gate:       gate,
	}
}

// TrainAll retrains every predictor sequentially. Per-predictor failures are
// carried in the result slice; only the shared data load can fail the run.
func (s *Service) TrainAll(ctx context.Context, now time.Time) ([]TrainResult, error) {
	ctx, span := s.tracer.Start(ctx, "training.train-all")
	defer span.End()

	rows, err := s.loadRows(ctx)
	if err != nil {
		return nil, err
	}
	if s.gate != nil {
		s.gate.Fit(rows)
	}

	trainedFrom := rows[0].OpenTime
	trainedTo := rows[len(rows)-1].OpenTime

	results := make([]TrainResult, 0, len(s.predictors))
	for _, p := range s.predictors {
		results = append(results, s.trainOne(ctx, p, rows, trainedFrom, trainedTo, now))
	}
	return results, nil
}

func (s *Service) trainOne(
	ctx context.Context,
	p predictor.Predictor,
	rows []domain.FeatureRow,
	trainedFrom, trainedTo, now time.Time,
) TrainResult {
	result := TrainResult{Predictor: p.ID()}

	active, err := s.registry.GetActive(ctx, p.ID())
	if err != nil {
		result.Err = err
		return result
	}

	diag, err := p.Train(ctx, rows)
	if err != nil {
		result.Err = err
		return result
	}
	result.Samples = diag.Samples
	result.ValError = diag.ValError

	blob, err := p.MarshalArtifact()
	if err != nil {
		result.Err = err
		return result
	}
	version, err := s.registry.NextVersion(ctx, p.ID())
	if err != nil {
		result.Err = err
		return result
	}
	result.Version = version

	hyperJSON, _ := json.Marshal(p.Info().Hyperparams)
	metrics := map[string]float64{
		"train_error": diag.TrainError,
		"val_error":   diag.ValError,
		"samples":     float64(diag.Samples),
	}
	for k, v := range diag.Metrics {
		metrics[k] = v
	}
	metricJSON, _ := json.Marshal(metrics)

	if _, err := s.registry.Insert(ctx, domain.ModelArtifact{
		Predictor:       p.ID(),
		Version:         version,
		FeatureSpec:     features.SpecVersion(),
		TrainedFrom:     trainedFrom,
		TrainedTo:       trainedTo,
		TrainedAt:       now.UTC(),
		HyperparamsJSON: string(hyperJSON),
		MetricsJSON:     string(metricJSON),
		Format:          artifactFormat(p.ID()),
		Blob:            blob,
	}); err != nil {
		result.Err = err
		return result
	}

	if shouldPromote(active, diag.ValError) {
		if err := s.registry.Activate(ctx, p.ID(), version); err != nil {
			result.Err = err
			return result
		}
		result.Promoted = true
		return result
	}

	// Not promoted: the train call already published the new snapshot, so
	// roll the serving model back to the active artifact.
	if err := p.RestoreArtifact(active.Blob, active.Version); err != nil {
		result.Err = fmt.Errorf("rollback to active v%d: %w", active.Version, err)
	}
	return result
}

// RestoreAll loads the active artifact of every predictor, typically at
// startup. Predictors with no active artifact stay uninitialized.
func (s *Service) RestoreAll(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "training.restore-all")
	defer span.End()

	var firstErr error
	for _, p := range s.predictors {
		active, err := s.registry.GetActive(ctx, p.ID())
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if active == nil {
			continue
		}
		if active.FeatureSpec != features.SpecVersion() {
			log.Printf("training: skipping %s v%d, feature spec %q does not match current %q",
				p.ID(), active.Version, active.FeatureSpec, features.SpecVersion())
			continue
		}
		if err := p.RestoreArtifact(active.Blob, active.Version); err != nil {
			log.Printf("training: restore %s v%d failed: %v", p.ID(), active.Version, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) loadRows(ctx context.Context) ([]domain.FeatureRow, error) {
	candles, err := s.candles.GetCandles(ctx, s.cfg.Symbol, s.cfg.Interval, s.cfg.HistoryBars)
	if err != nil {
		return nil, fmt.Errorf("load training candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candle history", domain.ErrInsufficientHistory)
	}

	var macroVec domain.FeatureVector
	if s.macro != nil {
		vec, err := s.macro.Fetch(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrDataFetch) {
				return nil, err
			}
			log.Printf("training: macro fetch failed, training without macro block: %v", err)
		} else {
			macroVec = vec
		}
	}

	rows := s.engine.BuildRows(candles, macroVec, s.cfg.HorizonSteps)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: feature engineering produced no rows", domain.ErrInsufficientHistory)
	}
	return rows, nil
}

// shouldPromote accepts the first version unconditionally, then requires the
// challenger to at least match the incumbent's validation error.
func shouldPromote(active *domain.ModelArtifact, valError float64) bool {
	if active == nil {
		return true
	}
	activeVal, ok := metricValue(active.MetricsJSON, "val_error")
	if !ok {
		return true
	}
	return valError <= activeVal
}

func metricValue(metricsJSON, key string) (float64, bool) {
	var m map[string]float64
	if err := json.Unmarshal([]byte(metricsJSON), &m); err != nil {
		return 0, false
	}
	v, ok := m[key]
	return v, ok
}

func artifactFormat(id domain.PredictorID) string {
	switch id {
	case domain.PredictorGradientBoosted:
		return "json/boo-multiclass-v1"
	case domain.PredictorClassicalTS:
		return "json/arma-v1"
	case domain.PredictorSequence:
		return "json/seqnet-v1"
	default:
		return "json/forest-v1"
	}
}
