package seqnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"crystal-ball/internal/domain"
	"crystal-ball/internal/predictor"
)

// Options are the sequence model hyperparameters.
type Options struct {
	Lookback     int
	FeatureCount int
	HiddenUnits  int
	LearningRate float64
	MaxEpochs    int
	Patience     int
	ValSplit     float64
	ReturnScale  float64
	Seed         int64
}

func DefaultOptions() Options {
	return Options{
		Lookback:     30,
		FeatureCount: 10,
		HiddenUnits:  16,
		LearningRate: 0.01,
		MaxEpochs:    200,
		Patience:     10,
		ValSplit:     0.15,
		ReturnScale:  0.03,
		Seed:         42,
	}
}

// snapshot is an immutable trained model. Published wholesale, never mutated.
type snapshot struct {
	Lookback     int         `json:"lookback"`
	FeatureCount int         `json:"feature_count"`
	HiddenUnits  int         `json:"hidden_units"`
	ReturnScale  float64     `json:"return_scale"`
	W1           [][]float64 `json:"w1"`
	B1           []float64   `json:"b1"`
	W2           []float64   `json:"w2"`
	B2           float64     `json:"b2"`
	Means        []float64   `json:"means"`
	Stds         []float64   `json:"stds"`
	Diagnostics  domain.TrainingDiagnostics `json:"diagnostics"`
}

// Predictor is the windowed multivariate sequence model: a fixed lookback of
// per-step feature blocks feeding one hidden layer with a tanh output,
// trained with early stopping on a held-out chronological validation split.
type Predictor struct {
	opts  Options
	state predictor.State[snapshot]
}

func New(opts Options) *Predictor {
	def := DefaultOptions()
	if opts.Lookback <= 0 {
		opts.Lookback = def.Lookback
	}
	if opts.FeatureCount <= 0 {
		opts.FeatureCount = def.FeatureCount
	}
	if opts.HiddenUnits <= 0 {
		opts.HiddenUnits = def.HiddenUnits
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = def.LearningRate
	}
	if opts.MaxEpochs <= 0 {
		opts.MaxEpochs = def.MaxEpochs
	}
	if opts.Patience <= 0 {
		opts.Patience = def.Patience
	}
	if opts.ValSplit <= 0 || opts.ValSplit >= 0.5 {
		opts.ValSplit = def.ValSplit
	}
	if opts.ReturnScale <= 0 {
		opts.ReturnScale = def.ReturnScale
	}
	if opts.Seed == 0 {
		opts.Seed = def.Seed
	}
	return &Predictor{opts: opts}
}

func (p *Predictor) ID() domain.PredictorID { return domain.PredictorSequence }

// MinHistory is the smallest labeled history Train accepts: enough windows to
// carve out a non-empty validation split.
func (p *Predictor) MinHistory() int {
	return p.opts.Lookback + int(math.Ceil(1.0/p.opts.ValSplit)) + 1
}

func (p *Predictor) Train(ctx context.Context, history []domain.FeatureRow) (domain.TrainingDiagnostics, error) {
	defer p.state.BeginTraining()()

	inputs, targets := p.buildWindows(history)
	if len(inputs) < p.MinHistory()-p.opts.Lookback {
		return domain.TrainingDiagnostics{}, fmt.Errorf("%w: %d labeled windows, need >= %d",
			domain.ErrInsufficientHistory, len(inputs), p.MinHistory()-p.opts.Lookback)
	}

	dim := p.opts.Lookback * p.opts.FeatureCount
	means, stds := fitScaler(inputs, dim)
	for i := range inputs {
		inputs[i] = standardize(inputs[i], means, stds)
	}

	valStart := len(inputs) - int(float64(len(inputs))*p.opts.ValSplit)
	if valStart <= 0 || valStart >= len(inputs) {
		return domain.TrainingDiagnostics{}, errors.New("validation split produced empty partitions")
	}
	trainX, trainY := inputs[:valStart], targets[:valStart]
	valX, valY := inputs[valStart:], targets[valStart:]

	net := newNetwork(dim, p.opts.HiddenUnits, rand.New(rand.NewSource(p.opts.Seed)))
	best := net.clone()
	bestVal := math.Inf(1)
	bestEpoch := 0
	sinceBest := 0
	epochs := 0
	trainErr := 0.0

	for epoch := 1; epoch <= p.opts.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return domain.TrainingDiagnostics{}, err
		}
		trainErr = net.epoch(trainX, trainY, p.opts.LearningRate)
		valErr := net.mse(valX, valY)
		epochs = epoch
		if valErr < bestVal-1e-9 {
			bestVal = valErr
			bestEpoch = epoch
			best = net.clone()
			sinceBest = 0
			continue
		}
		sinceBest++
		if sinceBest >= p.opts.Patience {
			break
		}
	}

	diag := domain.TrainingDiagnostics{
		Predictor:     p.ID(),
		Samples:       len(inputs),
		TrainError:    trainErr,
		ValError:      bestVal,
		Iterations:    epochs,
		BestIteration: bestEpoch,
	}
	p.state.Publish(&snapshot{
		Lookback:     p.opts.Lookback,
		FeatureCount: p.opts.FeatureCount,
		HiddenUnits:  p.opts.HiddenUnits,
		ReturnScale:  p.opts.ReturnScale,
		W1:           best.w1,
		B1:           best.b1,
		W2:           best.w2,
		B2:           best.b2,
		Means:        means,
		Stds:         stds,
		Diagnostics:  diag,
	}, p.state.Version()+1)
	return diag, nil
}

func (p *Predictor) Predict(ctx context.Context, in predictor.Input) (domain.Signal, error) {
	snap := p.state.Load()
	if snap == nil {
		return domain.Signal{}, domain.ErrModelNotInitialized
	}
	if len(in.Rows) < snap.Lookback {
		return domain.Signal{}, fmt.Errorf("%w: %d rows, need >= %d lookback steps",
			domain.ErrInsufficientHistory, len(in.Rows), snap.Lookback)
	}
	window := in.Rows[len(in.Rows)-snap.Lookback:]
	x := make([]float64, 0, snap.Lookback*snap.FeatureCount)
	for _, row := range window {
		x = append(x, clip(row.SequenceBlock(), snap.FeatureCount)...)
	}
	x = standardize(x, snap.Means, snap.Stds)
	out := forward(snap.W1, snap.B1, snap.W2, snap.B2, x)
	return predictor.NewSignal(p.ID(), out, in.AsOf), nil
}

func (p *Predictor) Info() domain.ModelInfo {
	snap := p.state.Load()
	info := domain.ModelInfo{
		Predictor:   p.ID(),
		Initialized: snap != nil,
		Version:     p.state.Version(),
		Hyperparams: map[string]any{
			"lookback":      p.opts.Lookback,
			"feature_count": p.opts.FeatureCount,
			"hidden_units":  p.opts.HiddenUnits,
			"learning_rate": p.opts.LearningRate,
			"max_epochs":    p.opts.MaxEpochs,
			"patience":      p.opts.Patience,
			"val_split":     p.opts.ValSplit,
		},
	}
	if snap != nil {
		diag := snap.Diagnostics
		info.LastTrained = &diag
	}
	return info
}

func (p *Predictor) MarshalArtifact() ([]byte, error) {
	snap := p.state.Load()
	if snap == nil {
		return nil, domain.ErrModelNotInitialized
	}
	return json.Marshal(snap)
}

func (p *Predictor) RestoreArtifact(blob []byte, version int) error {
	if len(blob) == 0 {
		return errors.New("empty artifact")
	}
	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return err
	}
	if snap.Lookback <= 0 || snap.FeatureCount <= 0 || len(snap.W2) != snap.HiddenUnits {
		return errors.New("invalid sequence artifact")
	}
	p.state.Publish(&snap, version)
	return nil
}

// buildWindows flattens each labeled lookback window into one training sample.
func (p *Predictor) buildWindows(rows []domain.FeatureRow) ([][]float64, []float64) {
	var inputs [][]float64
	var targets []float64
	for i := p.opts.Lookback - 1; i < len(rows); i++ {
		if rows[i].ForwardReturn == nil {
			continue
		}
		x := make([]float64, 0, p.opts.Lookback*p.opts.FeatureCount)
		for j := i - p.opts.Lookback + 1; j <= i; j++ {
			x = append(x, clip(rows[j].SequenceBlock(), p.opts.FeatureCount)...)
		}
		inputs = append(inputs, x)
		targets = append(targets, clampUnit(*rows[i].ForwardReturn/p.opts.ReturnScale))
	}
	return inputs, targets
}

type network struct {
	dim    int
	hidden int
	w1     [][]float64
	b1     []float64
	w2     []float64
	b2     float64
}

func newNetwork(dim, hidden int, rng *rand.Rand) *network {
	n := &network{
		dim:    dim,
		hidden: hidden,
		w1:     make([][]float64, hidden),
		b1:     make([]float64, hidden),
		w2:     make([]float64, hidden),
	}
	scale := 1 / math.Sqrt(float64(dim))
	for h := 0; h < hidden; h++ {
		n.w1[h] = make([]float64, dim)
		for d := 0; d < dim; d++ {
			n.w1[h][d] = rng.NormFloat64() * scale
		}
		n.w2[h] = rng.NormFloat64() / math.Sqrt(float64(hidden))
	}
	return n
}

func (n *network) clone() *network {
	out := &network{
		dim:    n.dim,
		hidden: n.hidden,
		w1:     make([][]float64, n.hidden),
		b1:     append([]float64(nil), n.b1...),
		w2:     append([]float64(nil), n.w2...),
		b2:     n.b2,
	}
	for h := range n.w1 {
		out.w1[h] = append([]float64(nil), n.w1[h]...)
	}
	return out
}

// epoch runs one pass of stochastic gradient descent and returns the epoch MSE.
func (n *network) epoch(xs [][]float64, ys []float64, lr float64) float64 {
	total := 0.0
	for i := range xs {
		hidden := make([]float64, n.hidden)
		for h := 0; h < n.hidden; h++ {
			hidden[h] = math.Tanh(dot(n.w1[h], xs[i]) + n.b1[h])
		}
		out := math.Tanh(dot(n.w2, hidden) + n.b2)
		err := out - ys[i]
		total += err * err

		// Backprop through both tanh layers.
		dOut := err * (1 - out*out)
		for h := 0; h < n.hidden; h++ {
			dHidden := dOut * n.w2[h] * (1 - hidden[h]*hidden[h])
			n.w2[h] -= lr * dOut * hidden[h]
			for d := 0; d < n.dim; d++ {
				n.w1[h][d] -= lr * dHidden * xs[i][d]
			}
			n.b1[h] -= lr * dHidden
		}
		n.b2 -= lr * dOut
	}
	if len(xs) == 0 {
		return 0
	}
	return total / float64(len(xs))
}

func (n *network) mse(xs [][]float64, ys []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for i := range xs {
		out := forward(n.w1, n.b1, n.w2, n.b2, xs[i])
		d := out - ys[i]
		total += d * d
	}
	return total / float64(len(xs))
}

func forward(w1 [][]float64, b1, w2 []float64, b2 float64, x []float64) float64 {
	hidden := make([]float64, len(w1))
	for h := range w1 {
		hidden[h] = math.Tanh(dot(w1[h], x) + b1[h])
	}
	return math.Tanh(dot(w2, hidden) + b2)
}

func fitScaler(samples [][]float64, dim int) ([]float64, []float64) {
	means := make([]float64, dim)
	stds := make([]float64, dim)
	if len(samples) == 0 {
		for d := range stds {
			stds[d] = 1
		}
		return means, stds
	}
	for d := 0; d < dim; d++ {
		for i := range samples {
			means[d] += samples[i][d]
		}
		means[d] /= float64(len(samples))
		for i := range samples {
			diff := samples[i][d] - means[d]
			stds[d] += diff * diff
		}
		stds[d] = math.Sqrt(stds[d] / float64(len(samples)))
		if stds[d] == 0 {
			stds[d] = 1
		}
	}
	return means, stds
}

func standardize(x, means, stds []float64) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = (x[i] - means[i]) / stds[i]
	}
	return out
}

func clip(block []float64, want int) []float64 {
	if len(block) == want {
		return block
	}
	out := make([]float64, want)
	copy(out, block)
	return out
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
