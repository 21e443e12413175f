package anomaly

import (
	"math"
	"testing"

	"crystal-ball/internal/domain"
)

func clusterRows(n int) []domain.FeatureRow {
	rows := make([]domain.FeatureRow, n)
	for i := 0; i < n; i++ {
		// A tight cluster of ordinary market states.
		rows[i] = domain.FeatureRow{
			Ret1:         0.001 * math.Sin(float64(i)),
			Ret4:         0.002 * math.Cos(float64(i)*0.5),
			Volatility6:  0.01 + 0.001*math.Sin(float64(i)*0.3),
			Volatility24: 0.012,
			RSI14:        50 + 5*math.Sin(float64(i)*0.2),
			BBPos:        0.5 + 0.1*math.Cos(float64(i)*0.4),
			USDIndex:     104,
			Yield10Y:     4.2,
		}
	}
	return rows
}

func TestUnfitDetectorNeverFlags(t *testing.T) {
	d := New(DefaultOptions())

	extreme := domain.FeatureRow{Ret1: 50, Volatility6: 99, RSI14: 100}
	if d.IsOutlier(extreme) {
		t.Fatal("unfit detector must not flag, even for extreme rows")
	}
	if _, ok := d.Score(extreme); ok {
		t.Fatal("unfit detector should report not fitted")
	}
}

func TestFitIgnoresThinWindows(t *testing.T) {
	d := New(DefaultOptions())
	d.Fit(clusterRows(10))
	if _, ok := d.Score(clusterRows(1)[0]); ok {
		t.Fatal("a thin window must not fit the forest")
	}
}

func TestOutlierScoresAboveInlier(t *testing.T) {
	d := New(DefaultOptions())
	d.Fit(clusterRows(200))

	inlier := clusterRows(1)[0]
	outlier := domain.FeatureRow{
		Ret1:         0.8,
		Ret4:         -0.9,
		Volatility6:  5,
		Volatility24: 4,
		RSI14:        99,
		BBPos:        12,
		USDIndex:     300,
		Yield10Y:     25,
	}

	inScore, ok := d.Score(inlier)
	if !ok {
		t.Fatal("detector should be fitted")
	}
	outScore, ok := d.Score(outlier)
	if !ok {
		t.Fatal("detector should be fitted")
	}
	if outScore <= inScore {
		t.Fatalf("outlier should isolate faster: in=%.4f out=%.4f", inScore, outScore)
	}
}

func TestOptionsDefaulting(t *testing.T) {
	d := New(Options{Threshold: 2})
	if d.opts.Threshold != DefaultThreshold {
		t.Fatalf("out-of-range threshold should fall back, got %.2f", d.opts.Threshold)
	}
	if d.opts.NumTrees != 100 || d.opts.SampleSize != 256 {
		t.Fatalf("zero options should take defaults, got %+v", d.opts)
	}
}
