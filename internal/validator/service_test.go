package validator

import (
	"context"
	"testing"
	"time"

	"crystal-ball/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type staticAnalogs struct {
	analogs []domain.HistoricalAnalog
	err     error
	calls   int
}

func (s *staticAnalogs) Match(ctx context.Context, symbol string, signal, tolerance float64, lookbackDays, horizonHours int) ([]domain.HistoricalAnalog, error) {
	s.calls++
	return s.analogs, s.err
}

func newTestService(src *staticAnalogs) *Service {
	return NewService(Config{}, src, nil, trace.NewNoopTracerProvider().Tracer("test"))
}

func TestEvaluateSmallSampleOverride(t *testing.T) {
	svc := newTestService(&staticAnalogs{})

	// Twelve analogs, ten of them wins: a 0.90 win rate with no power.
	returns := make([]float64, 12)
	for i := range returns {
		returns[i] = 0.02
	}
	returns[3] = -0.01
	returns[7] = -0.01

	result := svc.Evaluate("BTC", 0.4, analogSet(returns))
	if result.SampleSize != 12 {
		t.Fatalf("expected sample size 12, got %d", result.SampleSize)
	}
	if result.Tier != domain.TierLow {
		t.Fatalf("undersized sample must force low tier, got %s", result.Tier)
	}
	if result.Recommendation != domain.RecommendPass {
		t.Fatalf("undersized sample must force PASS, got %s", result.Recommendation)
	}
}

func TestEvaluateEmptyAnalogSetIsValid(t *testing.T) {
	svc := newTestService(&staticAnalogs{})

	result := svc.Evaluate("ETH", -0.3, nil)
	if result.SampleSize != 0 {
		t.Fatalf("expected empty sample, got %d", result.SampleSize)
	}
	if result.Tier != domain.TierLow || result.Recommendation != domain.RecommendPass {
		t.Fatalf("empty sample must yield low/PASS, got %s/%s", result.Tier, result.Recommendation)
	}
	if result.ValidationID == "" {
		t.Fatal("expected a validation id")
	}
}

func TestEvaluateLargeWinningSample(t *testing.T) {
	svc := newTestService(&staticAnalogs{})

	returns := make([]float64, 60)
	for i := range returns {
		if i%4 == 3 {
			returns[i] = -0.01
		} else {
			returns[i] = 0.02
		}
	}
	result := svc.Evaluate("BTC", 0.4, analogSet(returns))

	if !result.IsSignificant {
		t.Fatalf("expected significance, p=%.6f", result.PValue)
	}
	if result.WinRate != 0.75 {
		t.Fatalf("expected win rate 0.75, got %.4f", result.WinRate)
	}
	if result.Tier != domain.TierVeryHigh && result.Tier != domain.TierHigh {
		t.Fatalf("expected an actionable tier, got %s", result.Tier)
	}
	if result.Recommendation != domain.RecommendAct {
		t.Fatalf("expected ACT, got %s", result.Recommendation)
	}
	if result.KellyFraction <= 0 || result.KellyFraction > 1 {
		t.Fatalf("kelly out of range: %.4f", result.KellyFraction)
	}
}

func TestValidateQueriesAnalogStore(t *testing.T) {
	src := &staticAnalogs{analogs: analogSet([]float64{0.01, 0.02, -0.01})}
	svc := newTestService(src)
	svc.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }

	result, err := svc.Validate(context.Background(), "BTC", 0.42)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("expected one analog query, got %d", src.calls)
	}
	if result.SampleSize != 3 {
		t.Fatalf("expected sample size 3, got %d", result.SampleSize)
	}
	if !result.ComputedAt.Equal(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected computed_at %s", result.ComputedAt)
	}
}
