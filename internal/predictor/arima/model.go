package arima

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"crystal-ball/internal/domain"
	"crystal-ball/internal/predictor"

	"gonum.org/v1/gonum/mat"
)

// Options control the classical time-series model. With Auto set the order
// is selected by AIC within the bounded search ranges; otherwise P/D/Q are
// taken as given.
type Options struct {
	Auto        bool
	P, D, Q     int
	MaxP        int
	MaxD        int
	MaxQ        int
	MinPoints   int
	ReturnScale float64
}

func DefaultOptions() Options {
	return Options{
		Auto:        true,
		MaxP:        5,
		MaxD:        2,
		MaxQ:        5,
		MinPoints:   60,
		ReturnScale: 0.03,
	}
}

type snapshot struct {
	P           int       `json:"p"`
	D           int       `json:"d"`
	Q           int       `json:"q"`
	Intercept   float64   `json:"intercept"`
	Phi         []float64 `json:"phi"`
	Theta       []float64 `json:"theta"`
	AIC         float64   `json:"aic"`
	ReturnScale float64   `json:"return_scale"`
	Diagnostics domain.TrainingDiagnostics `json:"diagnostics"`
}

// Predictor is the classical single-series model: an ARMA fit on a
// differenced log-price series, order-selected by AIC via two-stage
// Hannan-Rissanen least squares. It consumes no exogenous features.
type Predictor struct {
	opts  Options
	state predictor.State[snapshot]
}

func New(opts Options) *Predictor {
	def := DefaultOptions()
	if opts.MaxP <= 0 || opts.MaxP > 5 {
		opts.MaxP = def.MaxP
	}
	if opts.MaxD < 0 || opts.MaxD > 2 {
		opts.MaxD = def.MaxD
	}
	if opts.MaxQ <= 0 || opts.MaxQ > 5 {
		opts.MaxQ = def.MaxQ
	}
	if opts.MinPoints <= 0 {
		opts.MinPoints = def.MinPoints
	}
	if opts.ReturnScale <= 0 {
		opts.ReturnScale = def.ReturnScale
	}
	if !opts.Auto {
		if opts.P < 0 || opts.P > opts.MaxP || opts.D < 0 || opts.D > opts.MaxD || opts.Q < 0 || opts.Q > opts.MaxQ || opts.P+opts.Q == 0 {
			opts.Auto = true
		}
	}
	return &Predictor{opts: opts}
}

func (p *Predictor) ID() domain.PredictorID { return domain.PredictorClassicalTS }

func (p *Predictor) Train(ctx context.Context, history []domain.FeatureRow) (domain.TrainingDiagnostics, error) {
	defer p.state.BeginTraining()()

	logs := logCloses(history)
	if len(logs) < p.opts.MinPoints {
		return domain.TrainingDiagnostics{}, fmt.Errorf("%w: %d points, need >= %d for order search",
			domain.ErrInsufficientHistory, len(logs), p.opts.MinPoints)
	}

	var best *fit
	if p.opts.Auto {
		for d := 0; d <= p.opts.MaxD; d++ {
			series := difference(logs, d)
			for pOrd := 0; pOrd <= p.opts.MaxP; pOrd++ {
				for q := 0; q <= p.opts.MaxQ; q++ {
					if pOrd+q == 0 {
						continue
					}
					if err := ctx.Err(); err != nil {
						return domain.TrainingDiagnostics{}, err
					}
					f, err := fitARMA(series, pOrd, d, q)
					if err != nil {
						continue
					}
					if best == nil || f.aic < best.aic {
						best = f
					}
				}
			}
		}
	} else {
		series := difference(logs, p.opts.D)
		f, err := fitARMA(series, p.opts.P, p.opts.D, p.opts.Q)
		if err != nil {
			return domain.TrainingDiagnostics{}, err
		}
		best = f
	}
	if best == nil {
		return domain.TrainingDiagnostics{}, errors.New("order search produced no viable fit")
	}

	diag := domain.TrainingDiagnostics{
		Predictor:  p.ID(),
		Samples:    len(logs),
		TrainError: best.rmse,
		Iterations: 1,
		Metrics: map[string]float64{
			"aic": best.aic,
			"p":   float64(best.p),
			"d":   float64(best.d),
			"q":   float64(best.q),
		},
	}
	p.state.Publish(&snapshot{
		P:           best.p,
		D:           best.d,
		Q:           best.q,
		Intercept:   best.intercept,
		Phi:         best.phi,
		Theta:       best.theta,
		AIC:         best.aic,
		ReturnScale: p.opts.ReturnScale,
		Diagnostics: diag,
	}, p.state.Version()+1)
	return diag, nil
}

func (p *Predictor) Predict(ctx context.Context, in predictor.Input) (domain.Signal, error) {
	snap := p.state.Load()
	if snap == nil {
		return domain.Signal{}, domain.ErrModelNotInitialized
	}
	logs := logCloses(in.Rows)
	need := snap.D + snap.P + snap.Q + 2
	if len(logs) < need {
		return domain.Signal{}, fmt.Errorf("%w: %d points, need >= %d", domain.ErrInsufficientHistory, len(logs), need)
	}

	series := difference(logs, snap.D)
	next := forecastNext(series, snap)

	// Integrate the differenced forecast back to a log-price step.
	var step float64
	switch snap.D {
	case 0:
		step = next - logs[len(logs)-1]
	case 1:
		step = next
	default:
		step = next + (logs[len(logs)-1] - logs[len(logs)-2])
	}
	ret := math.Expm1(step)
	return predictor.NewSignal(p.ID(), ret/snap.ReturnScale, in.AsOf), nil
}

func (p *Predictor) Info() domain.ModelInfo {
	snap := p.state.Load()
	info := domain.ModelInfo{
		Predictor:   p.ID(),
		Initialized: snap != nil,
		Version:     p.state.Version(),
		Hyperparams: map[string]any{
			"auto":       p.opts.Auto,
			"max_p":      p.opts.MaxP,
			"max_d":      p.opts.MaxD,
			"max_q":      p.opts.MaxQ,
			"min_points": p.opts.MinPoints,
		},
	}
	if snap != nil {
		info.Hyperparams["order"] = []int{snap.P, snap.D, snap.Q}
		info.Hyperparams["aic"] = snap.AIC
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
	if len(snap.Phi) != snap.P || len(snap.Theta) != snap.Q || snap.P+snap.Q == 0 {
		return errors.New("invalid arima artifact")
	}
	p.state.Publish(&snap, version)
	return nil
}

type fit struct {
	p, d, q   int
	intercept float64
	phi       []float64
	theta     []float64
	aic       float64
	rmse      float64
}

// fitARMA estimates an ARMA(p,q) on an already-differenced series using the
// Hannan-Rissanen two-stage procedure: a long-AR fit recovers innovation
// estimates, then one least-squares pass regresses on p value lags and q
// innovation lags.
func fitARMA(series []float64, p, d, q int) (*fit, error) {
	longOrder := maxInt(p, q) + 3
	resid, err := longARResiduals(series, longOrder)
	if err != nil {
		return nil, err
	}

	start := maxInt(p, q) + longOrder
	n := len(series) - start
	if n < p+q+5 {
		return nil, errors.New("series too short for requested order")
	}

	cols := 1 + p + q
	x := make([]float64, 0, n*cols)
	y := make([]float64, 0, n)
	for t := start; t < len(series); t++ {
		x = append(x, 1)
		for i := 1; i <= p; i++ {
			x = append(x, series[t-i])
		}
		for j := 1; j <= q; j++ {
			x = append(x, resid[t-j])
		}
		y = append(y, series[t])
	}

	beta, rss, err := olsSolve(x, y, n, cols)
	if err != nil {
		return nil, err
	}

	k := float64(cols)
	nf := float64(n)
	aic := nf*math.Log(rss/nf+1e-12) + 2*k
	return &fit{
		p:         p,
		d:         d,
		q:         q,
		intercept: beta[0],
		phi:       beta[1 : 1+p],
		theta:     beta[1+p:],
		aic:       aic,
		rmse:      math.Sqrt(rss / nf),
	}, nil
}

// longARResiduals fits a high-order AR by least squares and returns the
// innovation estimates, zero-padded over the warmup.
func longARResiduals(series []float64, order int) ([]float64, error) {
	n := len(series) - order
	if n < order+5 {
		return nil, errors.New("series too short for long-AR stage")
	}
	cols := order + 1
	x := make([]float64, 0, n*cols)
	y := make([]float64, 0, n)
	for t := order; t < len(series); t++ {
		x = append(x, 1)
		for i := 1; i <= order; i++ {
			x = append(x, series[t-i])
		}
		y = append(y, series[t])
	}
	beta, _, err := olsSolve(x, y, n, cols)
	if err != nil {
		return nil, err
	}

	resid := make([]float64, len(series))
	for t := order; t < len(series); t++ {
		pred := beta[0]
		for i := 1; i <= order; i++ {
			pred += beta[i] * series[t-i]
		}
		resid[t] = series[t] - pred
	}
	return resid, nil
}

// olsSolve runs a least-squares solve of Xb = y and returns (beta, RSS).
func olsSolve(x, y []float64, rows, cols int) ([]float64, float64, error) {
	a := mat.NewDense(rows, cols, x)
	b := mat.NewVecDense(rows, y)
	var beta mat.VecDense
	if err := beta.SolveVec(a, b); err != nil {
		return nil, 0, err
	}

	out := make([]float64, cols)
	for i := 0; i < cols; i++ {
		v := beta.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, 0, errors.New("degenerate least-squares solution")
		}
		out[i] = v
	}

	rss := 0.0
	for r := 0; r < rows; r++ {
		pred := 0.0
		for c := 0; c < cols; c++ {
			pred += x[r*cols+c] * out[c]
		}
		d := y[r] - pred
		rss += d * d
	}
	return out, rss, nil
}

// forecastNext produces the one-step forecast of the differenced series by
// filtering the recent window through the model to recover innovations.
func forecastNext(series []float64, snap *snapshot) float64 {
	resid := make([]float64, len(series))
	warm := maxInt(snap.P, snap.Q)
	for t := warm; t < len(series); t++ {
		pred := snap.Intercept
		for i := 1; i <= snap.P; i++ {
			pred += snap.Phi[i-1] * series[t-i]
		}
		for j := 1; j <= snap.Q; j++ {
			pred += snap.Theta[j-1] * resid[t-j]
		}
		resid[t] = series[t] - pred
	}

	next := snap.Intercept
	n := len(series)
	for i := 1; i <= snap.P; i++ {
		next += snap.Phi[i-1] * series[n-i]
	}
	for j := 1; j <= snap.Q; j++ {
		next += snap.Theta[j-1] * resid[n-j]
	}
	return next
}

func difference(series []float64, d int) []float64 {
	out := append([]float64(nil), series...)
	for k := 0; k < d; k++ {
		if len(out) < 2 {
			return nil
		}
		next := make([]float64, len(out)-1)
		for i := 1; i < len(out); i++ {
			next[i-1] = out[i] - out[i-1]
		}
		out = next
	}
	return out
}

func logCloses(rows []domain.FeatureRow) []float64 {
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if r.Close <= 0 {
			continue
		}
		out = append(out, math.Log(r.Close))
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
