package baseline

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

// Options are the baseline forest hyperparameters. MinSamples is deliberately
// small: this model is the ensemble's fallback and must train on windows the
// other families reject.
type Options struct {
	Trees       int
	MaxDepth    int
	MinLeaf     int
	FeatureFrac float64
	MinSamples  int
	ReturnScale float64
	Seed        int64
}

func DefaultOptions() Options {
	return Options{
		Trees:       15,
		MaxDepth:    3,
		MinLeaf:     5,
		FeatureFrac: 0.6,
		MinSamples:  20,
		ReturnScale: 0.03,
		Seed:        1,
	}
}

type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
	Leaf      bool    `json:"leaf"`
}

type snapshot struct {
	Trees       [][]treeNode               `json:"trees"`
	ReturnScale float64                    `json:"return_scale"`
	Diagnostics domain.TrainingDiagnostics `json:"diagnostics"`
}

// Predictor is the baseline bagged-tree model: a small regression forest on
// the engineered feature vector. It is never disabled; before the first
// train it falls back to a momentum heuristic so the ensemble always has at
// least one usable member.
type Predictor struct {
	opts  Options
	state predictor.State[snapshot]
}

func New(opts Options) *Predictor {
	def := DefaultOptions()
	if opts.Trees <= 0 {
		opts.Trees = def.Trees
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.MinLeaf <= 0 {
		opts.MinLeaf = def.MinLeaf
	}
	if opts.FeatureFrac <= 0 || opts.FeatureFrac > 1 {
		opts.FeatureFrac = def.FeatureFrac
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = def.MinSamples
	}
	if opts.ReturnScale <= 0 {
		opts.ReturnScale = def.ReturnScale
	}
	if opts.Seed == 0 {
		opts.Seed = def.Seed
	}
	return &Predictor{opts: opts}
}

func (p *Predictor) ID() domain.PredictorID { return domain.PredictorBaseline }

func (p *Predictor) Train(ctx context.Context, history []domain.FeatureRow) (domain.TrainingDiagnostics, error) {
	defer p.state.BeginTraining()()

	samples, targets := buildDataset(history, p.opts.ReturnScale)
	if len(samples) < p.opts.MinSamples {
		return domain.TrainingDiagnostics{}, fmt.Errorf("%w: %d labeled samples, need >= %d",
			domain.ErrInsufficientHistory, len(samples), p.opts.MinSamples)
	}

	rng := rand.New(rand.NewSource(p.opts.Seed))
	forest := make([][]treeNode, 0, p.opts.Trees)
	oobSum := make([]float64, len(samples))
	oobCount := make([]int, len(samples))

	for t := 0; t < p.opts.Trees; t++ {
		if err := ctx.Err(); err != nil {
			return domain.TrainingDiagnostics{}, err
		}
		inBag := make([]bool, len(samples))
		bagX := make([][]float64, len(samples))
		bagY := make([]float64, len(samples))
		for i := range samples {
			j := rng.Intn(len(samples))
			bagX[i] = samples[j]
			bagY[i] = targets[j]
			inBag[j] = true
		}
		tree := growTree(bagX, bagY, p.opts, rng)
		forest = append(forest, tree)
		for i := range samples {
			if inBag[i] {
				continue
			}
			oobSum[i] += evalTree(tree, samples[i])
			oobCount[i]++
		}
	}

	trainErr := 0.0
	for i := range samples {
		pred := evalForest(forest, samples[i])
		d := pred - targets[i]
		trainErr += d * d
	}
	trainErr /= float64(len(samples))

	oobErr := 0.0
	oobN := 0
	for i := range samples {
		if oobCount[i] == 0 {
			continue
		}
		d := oobSum[i]/float64(oobCount[i]) - targets[i]
		oobErr += d * d
		oobN++
	}
	if oobN > 0 {
		oobErr /= float64(oobN)
	}

	diag := domain.TrainingDiagnostics{
		Predictor:  p.ID(),
		Samples:    len(samples),
		TrainError: trainErr,
		ValError:   oobErr,
		Iterations: p.opts.Trees,
		Metrics:    map[string]float64{"oob_mse": oobErr},
	}
	p.state.Publish(&snapshot{
		Trees:       forest,
		ReturnScale: p.opts.ReturnScale,
		Diagnostics: diag,
	}, p.state.Version()+1)
	return diag, nil
}

// Predict never returns ErrModelNotInitialized: an untrained baseline serves
// the momentum heuristic instead.
func (p *Predictor) Predict(ctx context.Context, in predictor.Input) (domain.Signal, error) {
	if len(in.Rows) == 0 {
		return domain.Signal{}, fmt.Errorf("%w: empty feature window", domain.ErrInsufficientHistory)
	}
	latest := in.Rows[len(in.Rows)-1]

	snap := p.state.Load()
	if snap == nil {
		return predictor.NewSignal(p.ID(), momentumSignal(latest), in.AsOf), nil
	}
	return predictor.NewSignal(p.ID(), evalForest(snap.Trees, latest.EngineeredVector()), in.AsOf), nil
}

func (p *Predictor) Info() domain.ModelInfo {
	snap := p.state.Load()
	info := domain.ModelInfo{
		Predictor:   p.ID(),
		Initialized: snap != nil,
		Version:     p.state.Version(),
		Hyperparams: map[string]any{
			"trees":        p.opts.Trees,
			"max_depth":    p.opts.MaxDepth,
			"min_leaf":     p.opts.MinLeaf,
			"feature_frac": p.opts.FeatureFrac,
			"min_samples":  p.opts.MinSamples,
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
	if len(snap.Trees) == 0 {
		return errors.New("invalid baseline artifact")
	}
	p.state.Publish(&snap, version)
	return nil
}

// momentumSignal is the untrained fallback: a weak blend of short- and
// medium-horizon momentum.
func momentumSignal(row domain.FeatureRow) float64 {
	raw := 6*row.Ret4 + 3*row.Ret12 - 4*row.EMAFastRel
	v := math.Tanh(raw * 10)
	return v * 0.5
}

func buildDataset(rows []domain.FeatureRow, scale float64) ([][]float64, []float64) {
	x := make([][]float64, 0, len(rows))
	y := make([]float64, 0, len(rows))
	for i := range rows {
		if rows[i].ForwardReturn == nil {
			continue
		}
		x = append(x, rows[i].EngineeredVector())
		y = append(y, clampUnit(*rows[i].ForwardReturn/scale))
	}
	return x, y
}

// growTree builds one depth-limited regression tree on a bootstrap sample,
// splitting by variance reduction over a random feature subset.
func growTree(xs [][]float64, ys []float64, opts Options, rng *rand.Rand) []treeNode {
	nodes := make([]treeNode, 0, 1<<uint(opts.MaxDepth+1))
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	var build func(rows []int, depth int) int
	build = func(rows []int, depth int) int {
		mean := meanTarget(ys, rows)
		node := treeNode{Leaf: true, Value: mean, Left: -1, Right: -1}
		id := len(nodes)
		nodes = append(nodes, node)
		if depth >= opts.MaxDepth || len(rows) < 2*opts.MinLeaf {
			return id
		}

		bestFeature := -1
		bestThreshold := 0.0
		bestScore := variance(ys, rows) * float64(len(rows))
		nFeatures := len(xs[rows[0]])
		subset := featureSubset(nFeatures, opts.FeatureFrac, rng)

		for _, f := range subset {
			lo, hi := featureRange(xs, rows, f)
			if hi <= lo {
				continue
			}
			for trial := 0; trial < 8; trial++ {
				threshold := lo + rng.Float64()*(hi-lo)
				left, right := partition(xs, rows, f, threshold)
				if len(left) < opts.MinLeaf || len(right) < opts.MinLeaf {
					continue
				}
				score := variance(ys, left)*float64(len(left)) + variance(ys, right)*float64(len(right))
				if score < bestScore-1e-12 {
					bestScore = score
					bestFeature = f
					bestThreshold = threshold
				}
			}
		}
		if bestFeature < 0 {
			return id
		}

		left, right := partition(xs, rows, bestFeature, bestThreshold)
		nodes[id].Leaf = false
		nodes[id].Feature = bestFeature
		nodes[id].Threshold = bestThreshold
		nodes[id].Left = build(left, depth+1)
		nodes[id].Right = build(right, depth+1)
		return id
	}
	build(idx, 0)
	return nodes
}

func evalTree(nodes []treeNode, x []float64) float64 {
	i := 0
	for {
		n := nodes[i]
		if n.Leaf {
			return n.Value
		}
		if n.Feature < len(x) && x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func evalForest(trees [][]treeNode, x []float64) float64 {
	if len(trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range trees {
		sum += evalTree(t, x)
	}
	return clampUnit(sum / float64(len(trees)))
}

func featureSubset(n int, frac float64, rng *rand.Rand) []int {
	k := int(math.Ceil(float64(n) * frac))
	if k < 1 {
		k = 1
	}
	perm := rng.Perm(n)
	return perm[:k]
}

func featureRange(xs [][]float64, rows []int, f int) (float64, float64) {
	lo := math.Inf(1)
	hi := math.Inf(-1)
	for _, r := range rows {
		v := xs[r][f]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func partition(xs [][]float64, rows []int, f int, threshold float64) ([]int, []int) {
	var left, right []int
	for _, r := range rows {
		if xs[r][f] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return left, right
}

func meanTarget(ys []float64, rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range rows {
		sum += ys[r]
	}
	return sum / float64(len(rows))
}

func variance(ys []float64, rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	mean := meanTarget(ys, rows)
	total := 0.0
	for _, r := range rows {
		d := ys[r] - mean
		total += d * d
	}
	return total / float64(len(rows))
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
