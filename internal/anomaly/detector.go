package anomaly

import (
	"sync"

	"crystal-ball/internal/domain"

	"github.com/narumiruna/go-iforest/pkg/iforest"
)

// DefaultThreshold is the isolation score above which an observation is
// treated as an outlier relative to the training distribution.
const DefaultThreshold = 0.62

const minFitRows = 64

// Options configure the isolation forest behind the gate.
type Options struct {
	NumTrees   int
	SampleSize int
	Threshold  float64
}

func DefaultOptions() Options {
	return Options{
		NumTrees:   100,
		SampleSize: 256,
		Threshold:  DefaultThreshold,
	}
}

// Detector scores the current engineered feature vector against the
// distribution the models were trained on. An unfit detector never flags:
// predictions flow untouched until the first training cycle completes.
type Detector struct {
	opts Options

	mu     sync.RWMutex
	forest *iforest.IsolationForest
}

func New(opts Options) *Detector {
	def := DefaultOptions()
	if opts.NumTrees <= 0 {
		opts.NumTrees = def.NumTrees
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = def.SampleSize
	}
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		opts.Threshold = def.Threshold
	}
	return &Detector{opts: opts}
}

// Fit rebuilds the forest from the training window. Windows below minFitRows
// are ignored so a thin backfill cannot poison the gate.
func (d *Detector) Fit(rows []domain.FeatureRow) {
	if len(rows) < minFitRows {
		return
	}
	samples := make([][]float64, len(rows))
	for i := range rows {
		samples[i] = rows[i].EngineeredVector()
	}
	forest := iforest.NewWithOptions(iforest.Options{
		DetectionType: iforest.DetectionTypeThreshold,
		Threshold:     d.opts.Threshold,
		NumTrees:      d.opts.NumTrees,
		SampleSize:    d.opts.SampleSize,
	})
	forest.Fit(samples)

	d.mu.Lock()
	d.forest = forest
	d.mu.Unlock()
}

// Score returns the isolation score of a single row and whether the detector
// is fitted. Scores near 1 indicate isolation from the training distribution.
func (d *Detector) Score(row domain.FeatureRow) (float64, bool) {
	d.mu.RLock()
	forest := d.forest
	d.mu.RUnlock()
	if forest == nil {
		return 0, false
	}
	scores := forest.Score([][]float64{row.EngineeredVector()})
	if len(scores) == 0 {
		return 0, false
	}
	return scores[0], true
}

// IsOutlier reports whether the row's market state falls outside the trained
// distribution. False when the detector has not been fitted.
func (d *Detector) IsOutlier(row domain.FeatureRow) bool {
	score, ok := d.Score(row)
	return ok && score >= d.opts.Threshold
}
