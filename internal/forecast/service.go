package forecast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"crystal-ball/internal/anomaly"
	"crystal-ball/internal/domain"
	"crystal-ball/internal/ensemble"
	"crystal-ball/internal/features"
	"crystal-ball/internal/macro"
	"crystal-ball/internal/predictor"

	"go.opentelemetry.io/otel/trace"
)

type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error)
}

type AnalogRecorder interface {
	Record(ctx context.Context, a domain.HistoricalAnalog) (int64, error)
}

// Config are the orchestration parameters.
type Config struct {
	HistoryBars  int
	BaseInterval string
	MacroTimeout time.Duration
	HorizonHours int
}

func DefaultConfig() Config {
	return Config{
		HistoryBars:  400,
		BaseInterval: "1h",
		MacroTimeout: 5 * time.Second,
		HorizonHours: 48,
	}
}

// Service orchestrates one forecast: load candle history, fetch the macro
// vector, fan the feature window out to every predictor, aggregate, and gate
// the result through the anomaly detector. Per-model failures exclude that
// model; only total unavailability fails the call.
type Service struct {
	cfg        Config
	tracer     trace.Tracer
	candles    CandleSource
	macro      macro.Fetcher
	engine     *features.Engine
	predictors []predictor.Predictor
	aggregator *ensemble.Aggregator
	gate       *anomaly.Detector
	analogs    AnalogRecorder
}

func NewService(
	cfg Config,
	tracer trace.Tracer,
	candles CandleSource,
	macroFetcher macro.Fetcher,
	engine *features.Engine,
	predictors []predictor.Predictor,
	aggregator *ensemble.Aggregator,
	gate *anomaly.Detector,
	analogs AnalogRecorder,
) *Service {
	def := DefaultConfig()
	if cfg.HistoryBars <= 0 {
		cfg.HistoryBars = def.HistoryBars
	}
	if cfg.BaseInterval == "" {
		cfg.BaseInterval = def.BaseInterval
	}
	if cfg.MacroTimeout <= 0 {
		cfg.MacroTimeout = def.MacroTimeout
	}
	if cfg.HorizonHours <= 0 {
		cfg.HorizonHours = def.HorizonHours
	}
	return &Service{
		cfg:        cfg,
		tracer:     tracer,
		candles:    candles,
		macro:      macroFetcher,
		engine:     engine,
		predictors: predictors,
		aggregator: aggregator,
		gate:       gate,
		analogs:    analogs,
	}
}

// Forecast holds the per-timeframe results of one prediction request.
type Forecast struct {
	Symbol    string
	AsOf      time.Time
	Results   map[string]*domain.PredictionResult
	StaleData bool
}

// Predict produces one PredictionResult per supported timeframe.
func (s *Service) Predict(ctx context.Context, symbol string) (*Forecast, error) {
	ctx, span := s.tracer.Start(ctx, "forecast.predict")
	defer span.End()

	asOf := time.Now().UTC()
	candles, err := s.candles.GetCandles(ctx, symbol, s.cfg.BaseInterval, s.cfg.HistoryBars)
	if err != nil {
		return nil, fmt.Errorf("load candles for %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no candle history for %s", domain.ErrInsufficientHistory, symbol)
	}

	macroVec, stale := s.fetchMacro(ctx)

	out := &Forecast{
		Symbol:    symbol,
		AsOf:      asOf,
		Results:   make(map[string]*domain.PredictionResult, len(domain.SupportedTimeframes)),
		StaleData: stale,
	}
	for _, tf := range domain.SupportedTimeframes {
		result, err := s.predictTimeframe(ctx, symbol, tf, candles, macroVec, stale, asOf)
		if err != nil {
			if errors.Is(err, domain.ErrAllModelsUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("predict %s %s: %w", symbol, tf, err)
		}
		out.Results[tf] = result
	}

	s.recordAnalog(ctx, symbol, out, asOf)
	return out, nil
}

func (s *Service) predictTimeframe(
	ctx context.Context,
	symbol, timeframe string,
	candles []*domain.Candle,
	macroVec domain.FeatureVector,
	stale bool,
	asOf time.Time,
) (*domain.PredictionResult, error) {
	rows := s.engine.BuildRows(candles, macroVec, domain.TimeframeHours[timeframe])
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: feature window is empty", domain.ErrInsufficientHistory)
	}
	currentPrice := rows[len(rows)-1].Close

	signals := s.collectSignals(ctx, rows, asOf)
	result, err := s.aggregator.Aggregate(ensemble.Input{
		Symbol:       symbol,
		Timeframe:    timeframe,
		CurrentPrice: currentPrice,
		Signals:      signals,
		AsOf:         asOf,
		StaleData:    stale,
	})
	if err != nil {
		return nil, err
	}

	if s.gate != nil && s.gate.IsOutlier(rows[len(rows)-1]) {
		result.ConfidenceTier = ensemble.Demote(result.ConfidenceTier)
		result.Degraded = true
	}
	return result, nil
}

// collectSignals fans the feature window out to every predictor in parallel.
// Uninitialized or failing predictors are excluded, not fatal.
func (s *Service) collectSignals(ctx context.Context, rows []domain.FeatureRow, asOf time.Time) []domain.Signal {
	in := predictor.Input{Rows: rows, CurrentPrice: rows[len(rows)-1].Close, AsOf: asOf}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		signals []domain.Signal
	)
	for _, p := range s.predictors {
		wg.Add(1)
		go func(p predictor.Predictor) {
			defer wg.Done()
			sig, err := p.Predict(ctx, in)
			if err != nil {
				if !errors.Is(err, domain.ErrModelNotInitialized) {
					log.Printf("forecast: %s predict failed: %v", p.ID(), err)
				}
				return
			}
			mu.Lock()
			signals = append(signals, sig)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	sort.Slice(signals, func(i, j int) bool { return signals[i].Source < signals[j].Source })
	return signals
}

// fetchMacro loads the macro vector under its own deadline. A fetch failure
// degrades to an empty vector flagged stale instead of failing the forecast.
func (s *Service) fetchMacro(ctx context.Context) (domain.FeatureVector, bool) {
	if s.macro == nil {
		return domain.FeatureVector{}, false
	}
	mctx, cancel := context.WithTimeout(ctx, s.cfg.MacroTimeout)
	defer cancel()

	vec, err := s.macro.Fetch(mctx)
	if err != nil {
		log.Printf("forecast: macro fetch degraded: %v", err)
		return domain.FeatureVector{Stale: true}, true
	}
	return vec, vec.Stale
}

// recordAnalog persists the 24h ensemble signal as a future analog so the
// validator's sample population keeps growing.
func (s *Service) recordAnalog(ctx context.Context, symbol string, f *Forecast, asOf time.Time) {
	if s.analogs == nil {
		return
	}
	result, ok := f.Results["24h"]
	if !ok {
		return
	}
	direction := 1
	if result.EnsembleSignal < 0 {
		direction = -1
	}
	_, err := s.analogs.Record(ctx, domain.HistoricalAnalog{
		Symbol:       symbol,
		SignalValue:  result.EnsembleSignal,
		Direction:    direction,
		OccurredAt:   asOf,
		HorizonHours: s.cfg.HorizonHours,
	})
	if err != nil {
		log.Printf("forecast: analog record failed for %s: %v", symbol, err)
	}
}
