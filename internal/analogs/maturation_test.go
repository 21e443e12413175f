package analogs

import (
	"context"
	"math"
	"testing"
	"time"

	"crystal-ball/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

type fakeStore struct {
	pending []domain.HistoricalAnalog
	filled  map[int64]float64
}

func (f *fakeStore) ListUnmatured(ctx context.Context, limit int) ([]domain.HistoricalAnalog, error) {
	if limit < len(f.pending) {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeStore) SetForwardReturn(ctx context.Context, id int64, forwardReturn float64) error {
	if f.filled == nil {
		f.filled = make(map[int64]float64)
	}
	f.filled[id] = forwardReturn
	return nil
}

type fakePrices struct {
	closes map[time.Time]float64
}

func (f *fakePrices) CloseAt(ctx context.Context, symbol, interval string, at time.Time) (float64, error) {
	v, ok := f.closes[at.UTC()]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	return v, nil
}

func TestResolveFillsForwardReturns(t *testing.T) {
	occurred := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{pending: []domain.HistoricalAnalog{
		{ID: 1, Symbol: "BTC", OccurredAt: occurred, HorizonHours: 48},
	}}
	prices := &fakePrices{closes: map[time.Time]float64{
		occurred:                     100000,
		occurred.Add(48 * time.Hour): 103000,
	}}
	m := NewMaturation(store, prices, "1h", trace.NewNoopTracerProvider().Tracer("test"))

	resolved, err := m.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected 1 resolved, got %d", resolved)
	}
	if got := store.filled[1]; math.Abs(got-0.03) > 1e-12 {
		t.Fatalf("expected forward return 0.03, got %.6f", got)
	}
}

func TestResolveSkipsAnalogsMissingPrices(t *testing.T) {
	occurred := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{pending: []domain.HistoricalAnalog{
		{ID: 1, Symbol: "BTC", OccurredAt: occurred, HorizonHours: 48},
		{ID: 2, Symbol: "BTC", OccurredAt: occurred.Add(time.Hour), HorizonHours: 48},
	}}
	// Only the second analog has both closes available.
	prices := &fakePrices{closes: map[time.Time]float64{
		occurred.Add(time.Hour):                100000,
		occurred.Add(time.Hour + 48*time.Hour): 98000,
	}}
	m := NewMaturation(store, prices, "1h", trace.NewNoopTracerProvider().Tracer("test"))

	resolved, err := m.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("expected 1 resolved, got %d", resolved)
	}
	if _, ok := store.filled[1]; ok {
		t.Fatal("analog without price data must be left for the next pass")
	}
	if got := store.filled[2]; math.Abs(got+0.02) > 1e-12 {
		t.Fatalf("expected forward return -0.02, got %.6f", got)
	}
}

func TestResolveEmptyBacklog(t *testing.T) {
	m := NewMaturation(&fakeStore{}, &fakePrices{}, "1h", trace.NewNoopTracerProvider().Tracer("test"))
	resolved, err := m.Resolve(context.Background(), 100)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != 0 {
		t.Fatalf("expected 0 resolved, got %d", resolved)
	}
}
