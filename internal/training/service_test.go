package training

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"crystal-ball/internal/domain"
	"crystal-ball/internal/features"
	"crystal-ball/internal/predictor"
	"crystal-ball/internal/predictor/baseline"

	"go.opentelemetry.io/otel/trace"
)

type fakeCandles struct {
	candles []*domain.Candle
	err     error
}

func (f *fakeCandles) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error) {
	return f.candles, f.err
}

// fakeRegistry is an in-memory ModelRegistry.
type fakeRegistry struct {
	mu        sync.Mutex
	artifacts map[domain.PredictorID][]domain.ModelArtifact
	active    map[domain.PredictorID]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		artifacts: make(map[domain.PredictorID][]domain.ModelArtifact),
		active:    make(map[domain.PredictorID]int),
	}
}

func (r *fakeRegistry) NextVersion(ctx context.Context, p domain.PredictorID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.artifacts[p]) + 1, nil
}

func (r *fakeRegistry) Insert(ctx context.Context, a domain.ModelArtifact) (*domain.ModelArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = int64(len(r.artifacts[a.Predictor]) + 1)
	r.artifacts[a.Predictor] = append(r.artifacts[a.Predictor], a)
	return &a, nil
}

func (r *fakeRegistry) GetActive(ctx context.Context, p domain.PredictorID) (*domain.ModelArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	version, ok := r.active[p]
	if !ok {
		return nil, nil
	}
	for _, a := range r.artifacts[p] {
		if a.Version == version {
			out := a
			out.IsActive = true
			return &out, nil
		}
	}
	return nil, nil
}

func (r *fakeRegistry) Activate(ctx context.Context, p domain.PredictorID, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[p] = version
	return nil
}

func trainingCandles(n int) []*domain.Candle {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*domain.Candle, n)
	price := 55000.0
	for i := 0; i < n; i++ {
		price *= 1 + 0.002*math.Sin(float64(i)*0.2)
		out[i] = &domain.Candle{
			Symbol:   "BTC",
			Interval: "1h",
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Close:    price,
			Volume:   1000 + 30*math.Sin(float64(i)*0.9),
		}
	}
	return out
}

func newTestService(candles CandleSource, reg ModelRegistry, preds []predictor.Predictor) *Service {
	return NewService(
		Config{Symbol: "BTC", Interval: "1h", HistoryBars: 400, HorizonSteps: 4},
		trace.NewNoopTracerProvider().Tracer("test"),
		candles, nil, features.NewEngine(nil), reg, preds, nil,
	)
}

func TestTrainAllPromotesFirstVersion(t *testing.T) {
	reg := newFakeRegistry()
	p := baseline.New(baseline.DefaultOptions())
	svc := newTestService(&fakeCandles{candles: trainingCandles(400)}, reg, []predictor.Predictor{p})

	results, err := svc.TrainAll(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("TrainAll: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Err != nil {
		t.Fatalf("train failed: %v", r.Err)
	}
	if r.Version != 1 || !r.Promoted {
		t.Fatalf("first version must be promoted: %+v", r)
	}
	if reg.active[domain.PredictorBaseline] != 1 {
		t.Fatalf("registry did not activate v1: %+v", reg.active)
	}

	stored := reg.artifacts[domain.PredictorBaseline]
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored artifact, got %d", len(stored))
	}
	a := stored[0]
	if a.FeatureSpec != features.SpecVersion() {
		t.Fatalf("artifact feature spec %q, want %q", a.FeatureSpec, features.SpecVersion())
	}
	if a.Format != "json/forest-v1" || len(a.Blob) == 0 {
		t.Fatalf("unexpected artifact %+v", a)
	}
	if v, ok := metricValue(a.MetricsJSON, "val_error"); !ok || math.IsNaN(v) {
		t.Fatalf("metrics should record val_error, got %q", a.MetricsJSON)
	}
}

func TestTrainAllKeepsLineageOnRetrain(t *testing.T) {
	reg := newFakeRegistry()
	p := baseline.New(baseline.DefaultOptions())
	svc := newTestService(&fakeCandles{candles: trainingCandles(400)}, reg, []predictor.Predictor{p})

	if _, err := svc.TrainAll(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("first TrainAll: %v", err)
	}
	results, err := svc.TrainAll(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("second TrainAll: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("second train failed: %v", results[0].Err)
	}
	if results[0].Version != 2 {
		t.Fatalf("expected version 2, got %d", results[0].Version)
	}
	// Both versions stay in the registry regardless of the promotion outcome.
	if len(reg.artifacts[domain.PredictorBaseline]) != 2 {
		t.Fatalf("expected 2 stored artifacts, got %d", len(reg.artifacts[domain.PredictorBaseline]))
	}
	active := reg.active[domain.PredictorBaseline]
	if active != 1 && active != 2 {
		t.Fatalf("unexpected active version %d", active)
	}
}

func TestTrainAllCarriesPerPredictorFailures(t *testing.T) {
	reg := newFakeRegistry()
	// Demand more samples than the window can provide.
	p := baseline.New(baseline.Options{MinSamples: 100000})
	svc := newTestService(&fakeCandles{candles: trainingCandles(400)}, reg, []predictor.Predictor{p})

	results, err := svc.TrainAll(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("TrainAll must not fail on a per-predictor error: %v", err)
	}
	if results[0].Err == nil {
		t.Fatal("expected a per-predictor error")
	}
	if len(reg.artifacts[domain.PredictorBaseline]) != 0 {
		t.Fatal("failed training must not persist an artifact")
	}
}

func TestRestoreAllLoadsActiveArtifacts(t *testing.T) {
	reg := newFakeRegistry()
	trained := baseline.New(baseline.DefaultOptions())
	svc := newTestService(&fakeCandles{candles: trainingCandles(400)}, reg, []predictor.Predictor{trained})
	if _, err := svc.TrainAll(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("TrainAll: %v", err)
	}

	fresh := baseline.New(baseline.DefaultOptions())
	restoreSvc := newTestService(&fakeCandles{}, reg, []predictor.Predictor{fresh})
	if err := restoreSvc.RestoreAll(context.Background()); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	info := fresh.Info()
	if !info.Initialized || info.Version != 1 {
		t.Fatalf("expected restored v1, got %+v", info)
	}
}

func TestRestoreAllSkipsStaleFeatureSpec(t *testing.T) {
	reg := newFakeRegistry()
	trained := baseline.New(baseline.DefaultOptions())
	svc := newTestService(&fakeCandles{candles: trainingCandles(400)}, reg, []predictor.Predictor{trained})
	if _, err := svc.TrainAll(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("TrainAll: %v", err)
	}
	// Age the stored artifact as if the feature layout changed since training.
	reg.artifacts[domain.PredictorBaseline][0].FeatureSpec = "v0"

	fresh := baseline.New(baseline.DefaultOptions())
	restoreSvc := newTestService(&fakeCandles{}, reg, []predictor.Predictor{fresh})
	if err := restoreSvc.RestoreAll(context.Background()); err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if fresh.Info().Initialized {
		t.Fatal("artifact with a stale feature spec must not be served")
	}
}

func TestRestoreAllNoActiveArtifact(t *testing.T) {
	fresh := baseline.New(baseline.DefaultOptions())
	svc := newTestService(&fakeCandles{}, newFakeRegistry(), []predictor.Predictor{fresh})
	if err := svc.RestoreAll(context.Background()); err != nil {
		t.Fatalf("RestoreAll with empty registry should be clean: %v", err)
	}
	if fresh.Info().Initialized {
		t.Fatal("predictor must stay uninitialized without an active artifact")
	}
}

func TestShouldPromote(t *testing.T) {
	if !shouldPromote(nil, 0.5) {
		t.Fatal("first version must always promote")
	}
	active := &domain.ModelArtifact{MetricsJSON: `{"val_error":0.10}`}
	if !shouldPromote(active, 0.08) {
		t.Fatal("better challenger must promote")
	}
	if !shouldPromote(active, 0.10) {
		t.Fatal("matching challenger must promote")
	}
	if shouldPromote(active, 0.15) {
		t.Fatal("worse challenger must not promote")
	}
	// Unreadable incumbent metrics never block promotion.
	if !shouldPromote(&domain.ModelArtifact{MetricsJSON: "garbage"}, 1.0) {
		t.Fatal("unparseable incumbent metrics must promote")
	}
	if !shouldPromote(&domain.ModelArtifact{MetricsJSON: `{"other":1}`}, 1.0) {
		t.Fatal("missing val_error must promote")
	}
}

func TestMetricValue(t *testing.T) {
	if v, ok := metricValue(`{"val_error":0.25,"samples":100}`, "val_error"); !ok || v != 0.25 {
		t.Fatalf("expected 0.25, got %.4f ok=%v", v, ok)
	}
	if _, ok := metricValue(`{"val_error":0.25}`, "missing"); ok {
		t.Fatal("missing key should report absent")
	}
	if _, ok := metricValue("not json", "val_error"); ok {
		t.Fatal("malformed json should report absent")
	}
}

func TestArtifactFormatPerFamily(t *testing.T) {
	cases := map[domain.PredictorID]string{
		domain.PredictorGradientBoosted: "json/boo-multiclass-v1",
		domain.PredictorClassicalTS:     "json/arma-v1",
		domain.PredictorSequence:        "json/seqnet-v1",
		domain.PredictorBaseline:        "json/forest-v1",
	}
	for id, want := range cases {
		if got := artifactFormat(id); got != want {
			t.Fatalf("artifactFormat(%s) = %q, want %q", id, got, want)
		}
	}
}
