package baseline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"crystal-ball/internal/domain"
	"crystal-ball/internal/predictor"
)

func labeledRows(n int) []domain.FeatureRow {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]domain.FeatureRow, n)
	for i := 0; i < n; i++ {
		mom := 0.01 * math.Sin(float64(i)*0.4)
		fwd := mom*0.8 + 0.002*math.Cos(float64(i)*1.3)
		rows[i] = domain.FeatureRow{
			Symbol:        "BTC",
			Interval:      "1h",
			OpenTime:      base.Add(time.Duration(i) * time.Hour),
			Close:         50000 * (1 + mom),
			Ret1:          mom / 4,
			Ret4:          mom,
			Ret12:         mom * 2,
			Ret24:         mom * 3,
			Volatility6:   0.01,
			Volatility24:  0.012,
			VolumeZ24:     math.Sin(float64(i)),
			RSI14:         50 + 30*mom/0.01,
			MACDLine:      mom * 100,
			MACDSignal:    mom * 80,
			MACDHist:      mom * 20,
			BBPos:         0.5 + mom*10,
			BBWidth:       0.04,
			EMAFastRel:    -mom / 2,
			EMASlowRel:    -mom,
			ForwardReturn: &fwd,
		}
	}
	return rows
}

func TestUntrainedFallbackNeverErrors(t *testing.T) {
	p := New(DefaultOptions())
	rows := labeledRows(10)

	sig, err := p.Predict(context.Background(), predictor.Input{Rows: rows, AsOf: time.Now()})
	if err != nil {
		t.Fatalf("untrained baseline must serve the momentum fallback: %v", err)
	}
	if sig.Source != domain.PredictorBaseline {
		t.Fatalf("unexpected source %s", sig.Source)
	}
	if sig.Value < -1 || sig.Value > 1 {
		t.Fatalf("fallback signal out of range: %.4f", sig.Value)
	}
}

func TestPredictEmptyWindow(t *testing.T) {
	p := New(DefaultOptions())
	_, err := p.Predict(context.Background(), predictor.Input{AsOf: time.Now()})
	if !errors.Is(err, domain.ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}
}

func TestTrainRejectsShortHistory(t *testing.T) {
	p := New(DefaultOptions())
	_, err := p.Train(context.Background(), labeledRows(5))
	if !errors.Is(err, domain.ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}
}

func TestTrainAndPredict(t *testing.T) {
	p := New(DefaultOptions())
	rows := labeledRows(150)

	diag, err := p.Train(context.Background(), rows)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if diag.Samples != 150 {
		t.Fatalf("expected 150 samples, got %d", diag.Samples)
	}
	if diag.Iterations != DefaultOptions().Trees {
		t.Fatalf("expected %d trees, got %d", DefaultOptions().Trees, diag.Iterations)
	}
	if math.IsNaN(diag.TrainError) || diag.TrainError < 0 {
		t.Fatalf("bad train error %.6f", diag.TrainError)
	}

	info := p.Info()
	if !info.Initialized || info.Version != 1 {
		t.Fatalf("expected initialized v1, got %+v", info)
	}

	in := predictor.Input{Rows: rows[100:], AsOf: time.Unix(1700000000, 0)}
	a, err := p.Predict(context.Background(), in)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if a.Value < -1 || a.Value > 1 {
		t.Fatalf("signal out of range: %.4f", a.Value)
	}
	b, err := p.Predict(context.Background(), in)
	if err != nil {
		t.Fatalf("second Predict: %v", err)
	}
	if a.Value != b.Value {
		t.Fatalf("prediction not deterministic: %.8f vs %.8f", a.Value, b.Value)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	p := New(DefaultOptions())
	rows := labeledRows(150)
	if _, err := p.Train(context.Background(), rows); err != nil {
		t.Fatalf("Train: %v", err)
	}
	blob, err := p.MarshalArtifact()
	if err != nil {
		t.Fatalf("MarshalArtifact: %v", err)
	}

	restored := New(DefaultOptions())
	if err := restored.RestoreArtifact(blob, 3); err != nil {
		t.Fatalf("RestoreArtifact: %v", err)
	}
	if v := restored.Info().Version; v != 3 {
		t.Fatalf("expected version 3, got %d", v)
	}

	in := predictor.Input{Rows: rows[100:], AsOf: time.Unix(1700000000, 0)}
	a, _ := p.Predict(context.Background(), in)
	b, _ := restored.Predict(context.Background(), in)
	if a.Value != b.Value {
		t.Fatalf("restored model diverges: %.8f vs %.8f", a.Value, b.Value)
	}
}

func TestRestoreRejectsInvalidArtifacts(t *testing.T) {
	p := New(DefaultOptions())
	if err := p.RestoreArtifact(nil, 1); err == nil {
		t.Fatal("expected error for empty blob")
	}
	if err := p.RestoreArtifact([]byte(`{"trees":[]}`), 1); err == nil {
		t.Fatal("expected error for empty forest")
	}
}

func TestBuildDatasetSkipsUnlabeled(t *testing.T) {
	rows := labeledRows(10)
	rows[3].ForwardReturn = nil
	rows[7].ForwardReturn = nil
	x, y := buildDataset(rows, 0.03)
	if len(x) != 8 || len(y) != 8 {
		t.Fatalf("expected 8 labeled samples, got %d/%d", len(x), len(y))
	}
	for _, target := range y {
		if target < -1 || target > 1 {
			t.Fatalf("target out of range: %.4f", target)
		}
	}
}
