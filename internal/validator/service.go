package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"crystal-ball/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

type analogSource interface {
	Match(ctx context.Context, symbol string, signal, tolerance float64, lookbackDays, horizonHours int) ([]domain.HistoricalAnalog, error)
}

// Config are the analog-matching and caching parameters.
type Config struct {
	BucketTolerance float64
	LookbackDays    int
	HorizonHours    int
	CacheTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		BucketTolerance: 0.05,
		LookbackDays:    180,
		HorizonHours:    48,
		CacheTTL:        time.Hour,
	}
}

// Service validates an ensemble signal against its historical analogs. An
// empty or undersized analog set is a valid outcome, not an error: the result
// carries the forced low/PASS override instead.
type Service struct {
	cfg     Config
	analogs analogSource
	cache   *redis.Client
	tracer  trace.Tracer
	now     func() time.Time
}

func NewService(cfg Config, analogs analogSource, cache *redis.Client, tracer trace.Tracer) *Service {
	def := DefaultConfig()
	if cfg.BucketTolerance <= 0 {
		cfg.BucketTolerance = def.BucketTolerance
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.HorizonHours <= 0 {
		cfg.HorizonHours = def.HorizonHours
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	return &Service{
		cfg:     cfg,
		analogs: analogs,
		cache:   cache,
		tracer:  tracer,
		now:     time.Now,
	}
}

// Validate runs the full statistical validation of a signal. Statistics for a
// signal bucket are served from cache within the TTL; only the analog query
// itself can fail the call.
func (s *Service) Validate(ctx context.Context, symbol string, signal float64) (*domain.ValidationResult, error) {
	ctx, span := s.tracer.Start(ctx, "validator.validate")
	defer span.End()

	key := s.cacheKey(symbol, signal)
	if cached := s.fromCache(ctx, key); cached != nil {
		return cached, nil
	}

	analogs, err := s.analogs.Match(ctx, symbol, signal, s.cfg.BucketTolerance, s.cfg.LookbackDays, s.cfg.HorizonHours)
	if err != nil {
		return nil, fmt.Errorf("query analogs for %s: %w", symbol, err)
	}

	result := s.Evaluate(symbol, signal, analogs)
	s.toCache(ctx, key, result)
	return result, nil
}

// Evaluate computes a ValidationResult from an already-fetched analog set.
// Pure apart from timestamp and id generation.
func (s *Service) Evaluate(symbol string, signal float64, analogs []domain.HistoricalAnalog) *domain.ValidationResult {
	st := computeStats(analogs, directionOf(signal))
	score := compositeConfidence(st)
	tier := tierFor(score)
	rec := recommendationFor(tier)
	if st.n < domain.MinValidationSamples {
		tier = domain.TierLow
		rec = domain.RecommendPass
	}

	return &domain.ValidationResult{
		ValidationID:        uuid.NewString(),
		Symbol:              symbol,
		SampleSize:          st.n,
		WinRate:             st.winRate,
		MeanReturn:          st.meanReturn,
		StdDev:              st.stdDev,
		PValue:              st.pValue,
		IsSignificant:       st.pValue < SignificanceLevel,
		ConfidenceInterval:  [2]float64{st.ciLow, st.ciHigh},
		SharpeRatio:         st.sharpe,
		MaxDrawdown:         st.drawdown,
		KellyFraction:       st.kelly,
		CompositeConfidence: score,
		Tier:                tier,
		Recommendation:      rec,
		ComputedAt:          s.now().UTC(),
	}
}

// cacheKey buckets the signal to the configured tolerance so nearby signals
// share one cached validation.
func (s *Service) cacheKey(symbol string, signal float64) string {
	bucket := math.Round(signal/s.cfg.BucketTolerance) * s.cfg.BucketTolerance
	return fmt.Sprintf("validation:%s:%d:%.2f", symbol, s.cfg.HorizonHours, bucket)
}

func (s *Service) fromCache(ctx context.Context, key string) *domain.ValidationResult {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var out domain.ValidationResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return &out
}

func (s *Service) toCache(ctx context.Context, key string, result *domain.ValidationResult) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cfg.CacheTTL).Err(); err != nil {
		log.Printf("validator: cache write failed for %s: %v", key, err)
	}
}
