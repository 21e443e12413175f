package boosted

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"crystal-ball/internal/domain"
	"crystal-ball/internal/predictor"

	"github.com/rmera/boo"
	"github.com/rmera/boo/utils"
)

// Options are the boosted-tree hyperparameters. RoundsGrid is the candidate
// set evaluated against the validation split; the best member is kept.
type Options struct {
	RoundsGrid   []int
	LearningRate float64
	MaxDepth     int
	ValSplit     float64
	MinSamples   int
	Seed         int64
}

func DefaultOptions() Options {
	return Options{
		RoundsGrid:   []int{20, 40, 60},
		LearningRate: 0.08,
		MaxDepth:     4,
		ValSplit:     0.15,
		MinSamples:   120,
		Seed:         7,
	}
}

type artifact struct {
	FeatureNames []string                   `json:"feature_names"`
	Rounds       int                        `json:"rounds"`
	ModelText    string                     `json:"model_text"`
	Importance   []domain.FeatureImportance `json:"importance"`
	Diagnostics  domain.TrainingDiagnostics `json:"diagnostics"`
}

type snapshot struct {
	featureNames []string
	rounds       int
	boost        *boo.MultiClass
	importance   []domain.FeatureImportance
	diagnostics  domain.TrainingDiagnostics
}

// Predictor is the gradient-boosted-tree model over the engineered feature
// vector, with round selection against a held-out validation split and a
// permutation feature-importance ranking.
type Predictor struct {
	opts  Options
	state predictor.State[snapshot]
}

func New(opts Options) *Predictor {
	def := DefaultOptions()
	if len(opts.RoundsGrid) == 0 {
		opts.RoundsGrid = def.RoundsGrid
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = def.LearningRate
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.ValSplit <= 0 || opts.ValSplit >= 0.5 {
		opts.ValSplit = def.ValSplit
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = def.MinSamples
	}
	if opts.Seed == 0 {
		opts.Seed = def.Seed
	}
	return &Predictor{opts: opts}
}

func (p *Predictor) ID() domain.PredictorID { return domain.PredictorGradientBoosted }

func (p *Predictor) Train(ctx context.Context, history []domain.FeatureRow) (domain.TrainingDiagnostics, error) {
	defer p.state.BeginTraining()()

	samples, labels := buildDataset(history)
	if len(samples) < p.opts.MinSamples {
		return domain.TrainingDiagnostics{}, fmt.Errorf("%w: %d labeled samples, need >= %d",
			domain.ErrInsufficientHistory, len(samples), p.opts.MinSamples)
	}
	if classCount(labels) < 2 {
		return domain.TrainingDiagnostics{}, fmt.Errorf("%w: single-class history window", domain.ErrInsufficientHistory)
	}

	valStart := len(samples) - int(float64(len(samples))*p.opts.ValSplit)
	trainX, trainY := samples[:valStart], labels[:valStart]
	valX, valY := samples[valStart:], labels[valStart:]
	if len(trainX) == 0 || len(valX) == 0 || classCount(trainY) < 2 {
		return domain.TrainingDiagnostics{}, errors.New("validation split produced unusable partitions")
	}

	names := domain.EngineeredFeatureNames
	var best *boo.MultiClass
	bestRounds := 0
	bestLoss := math.Inf(1)
	for _, rounds := range p.opts.RoundsGrid {
		if err := ctx.Err(); err != nil {
			return domain.TrainingDiagnostics{}, err
		}
		model, err := trainOnce(trainX, trainY, names, rounds, p.opts.LearningRate, p.opts.MaxDepth)
		if err != nil {
			continue
		}
		loss := logLoss(model, valX, valY)
		if loss < bestLoss {
			bestLoss = loss
			best = model
			bestRounds = rounds
		}
	}
	if best == nil {
		return domain.TrainingDiagnostics{}, errors.New("boosting failed for every candidate round count")
	}

	trainLoss := logLoss(best, trainX, trainY)
	importance := permutationImportance(best, names, valX, valY, p.opts.Seed)
	diag := domain.TrainingDiagnostics{
		Predictor:     p.ID(),
		Samples:       len(samples),
		TrainError:    trainLoss,
		ValError:      bestLoss,
		Iterations:    bestRounds,
		BestIteration: bestRounds,
		Metrics: map[string]float64{
			"val_accuracy": accuracy(best, valX, valY),
		},
	}
	p.state.Publish(&snapshot{
		featureNames: names,
		rounds:       bestRounds,
		boost:        best,
		importance:   importance,
		diagnostics:  diag,
	}, p.state.Version()+1)
	return diag, nil
}

func (p *Predictor) Predict(ctx context.Context, in predictor.Input) (domain.Signal, error) {
	snap := p.state.Load()
	if snap == nil {
		return domain.Signal{}, domain.ErrModelNotInitialized
	}
	if len(in.Rows) == 0 {
		return domain.Signal{}, fmt.Errorf("%w: empty feature window", domain.ErrInsufficientHistory)
	}
	latest := in.Rows[len(in.Rows)-1]
	prob := probUp(snap.boost, latest.EngineeredVector())
	return predictor.NewSignal(p.ID(), 2*prob-1, in.AsOf), nil
}

func (p *Predictor) Info() domain.ModelInfo {
	snap := p.state.Load()
	info := domain.ModelInfo{
		Predictor:   p.ID(),
		Initialized: snap != nil,
		Version:     p.state.Version(),
		Hyperparams: map[string]any{
			"rounds_grid":   p.opts.RoundsGrid,
			"learning_rate": p.opts.LearningRate,
			"max_depth":     p.opts.MaxDepth,
			"val_split":     p.opts.ValSplit,
		},
	}
	if snap != nil {
		info.Hyperparams["rounds"] = snap.rounds
		info.Importance = append([]domain.FeatureImportance(nil), snap.importance...)
		diag := snap.diagnostics
		info.LastTrained = &diag
	}
	return info
}

func (p *Predictor) MarshalArtifact() ([]byte, error) {
	snap := p.state.Load()
	if snap == nil {
		return nil, domain.ErrModelNotInitialized
	}
	var buf bytes.Buffer
	if err := boo.JSONMultiClass(snap.boost, "softmax", &buf); err != nil {
		return nil, err
	}
	return json.Marshal(artifact{
		FeatureNames: snap.featureNames,
		Rounds:       snap.rounds,
		ModelText:    buf.String(),
		Importance:   snap.importance,
		Diagnostics:  snap.diagnostics,
	})
}

func (p *Predictor) RestoreArtifact(blob []byte, version int) error {
	if len(blob) == 0 {
		return errors.New("empty artifact")
	}
	var a artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return err
	}
	model, err := boo.UnJSONMultiClass(bufio.NewReader(bytes.NewReader([]byte(a.ModelText))))
	if err != nil {
		return err
	}
	p.state.Publish(&snapshot{
		featureNames: a.FeatureNames,
		rounds:       a.Rounds,
		boost:        model,
		importance:   a.Importance,
		diagnostics:  a.Diagnostics,
	}, version)
	return nil
}

func trainOnce(samples [][]float64, labels []int, names []string, rounds int, lr float64, depth int) (*boo.MultiClass, error) {
	o := boo.DefaultXOptions()
	o.Rounds = rounds
	o.LearningRate = lr
	o.MaxDepth = depth
	o.Verbose = false
	o.EarlyStop = 0

	data := &utils.DataBunch{
		Data:   samples,
		Labels: labels,
		Keys:   names,
	}
	model := boo.NewMultiClass(data, o)
	if model == nil {
		return nil, errors.New("boosting returned nil model")
	}
	return model, nil
}

func buildDataset(rows []domain.FeatureRow) ([][]float64, []int) {
	x := make([][]float64, 0, len(rows))
	y := make([]int, 0, len(rows))
	for i := range rows {
		if rows[i].ForwardReturn == nil {
			continue
		}
		label := 0
		if *rows[i].ForwardReturn > 0 {
			label = 1
		}
		x = append(x, rows[i].EngineeredVector())
		y = append(y, label)
	}
	return x, y
}

func classCount(labels []int) int {
	seen := make(map[int]struct{}, 2)
	for _, l := range labels {
		seen[l] = struct{}{}
	}
	return len(seen)
}

func probUp(m *boo.MultiClass, sample []float64) float64 {
	probs := m.PredictSingle(sample)
	labels := m.ClassLabels()
	for i := range labels {
		if labels[i] == 1 {
			return clamp01(probs[i])
		}
	}
	if len(probs) == 0 {
		return 0.5
	}
	return clamp01(probs[len(probs)-1])
}

func logLoss(m *boo.MultiClass, samples [][]float64, labels []int) float64 {
	if len(samples) == 0 {
		return math.Inf(1)
	}
	total := 0.0
	for i := range samples {
		p := clamp01(probUp(m, samples[i]))
		p = math.Min(math.Max(p, 1e-9), 1-1e-9)
		if labels[i] == 1 {
			total -= math.Log(p)
		} else {
			total -= math.Log(1 - p)
		}
	}
	return total / float64(len(samples))
}

func accuracy(m *boo.MultiClass, samples [][]float64, labels []int) float64 {
	if len(samples) == 0 {
		return 0
	}
	hits := 0
	for i := range samples {
		pred := 0
		if probUp(m, samples[i]) >= 0.5 {
			pred = 1
		}
		if pred == labels[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(samples))
}

// permutationImportance measures the validation log-loss increase when each
// feature column is shuffled, ranked descending.
func permutationImportance(m *boo.MultiClass, names []string, valX [][]float64, valY []int, seed int64) []domain.FeatureImportance {
	if len(valX) == 0 {
		return nil
	}
	base := logLoss(m, valX, valY)
	rng := rand.New(rand.NewSource(seed))

	out := make([]domain.FeatureImportance, 0, len(names))
	for col := 0; col < len(names); col++ {
		shuffled := make([][]float64, len(valX))
		perm := rng.Perm(len(valX))
		for i := range valX {
			row := append([]float64(nil), valX[i]...)
			row[col] = valX[perm[i]][col]
			shuffled[i] = row
		}
		delta := logLoss(m, shuffled, valY) - base
		if delta < 0 || math.IsNaN(delta) {
			delta = 0
		}
		out = append(out, domain.FeatureImportance{Name: names[col], Importance: delta})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
