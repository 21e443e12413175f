package features

import (
	"math"
	"sort"
	"time"

	"crystal-ball/internal/domain"
	"crystal-ball/internal/ta"
)

const (
	specVersion = "v2"
	rsiPeriod   = 14
	macdFast    = 12
	macdSlow    = 26
	macdSignal  = 9
	bbPeriod    = 20
	bbStdDevs   = 2.0
	emaFast     = 9
	emaSlow     = 21
	warmupSteps = 26
)

// SpecVersion identifies the engineered feature layout. Bump it whenever the
// vector shape changes so stale artifacts are never served against new rows.
func SpecVersion() string { return specVersion }

type Engine struct {
	now func() time.Time
}

func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// BuildRows derives engineered feature rows from candles joined with the
// macro vector. Rows whose forward horizon has already elapsed carry a
// ForwardReturn label; the most recent rows do not.
func (e *Engine) BuildRows(candles []*domain.Candle, macro domain.FeatureVector, horizonSteps int) []domain.FeatureRow {
	cs := normalizeCandles(candles, e.now().UTC())
	if len(cs) == 0 {
		return nil
	}
	if horizonSteps <= 0 {
		horizonSteps = 4
	}

	closes := make([]float64, len(cs))
	volumes := make([]float64, len(cs))
	for i := range cs {
		closes[i] = cs[i].Close
		volumes[i] = cs[i].Volume
	}

	rsi := ta.RSISeries(closes, rsiPeriod)
	macdLine, macdSig := ta.MACDSeries(closes, macdFast, macdSlow, macdSignal)
	bbMid, bbUp, bbLo := ta.BollingerSeries(closes, bbPeriod, bbStdDevs)
	emaF := ta.EMASeries(closes, emaFast)
	emaS := ta.EMASeries(closes, emaSlow)

	usd := macro.GetOr(domain.MacroUSDIndex, 0)
	y10 := macro.GetOr(domain.MacroYield10Y, 0)
	cpi := macro.GetOr(domain.MacroCPI, 0)
	oil := macro.GetOr(domain.MacroOilWTI, 0)
	vix := macro.GetOr(domain.MacroVIX, 0)

	rows := make([]domain.FeatureRow, 0, len(cs))
	for i := warmupSteps; i < len(cs); i++ {
		ret1 := pctReturn(closes, i, 1)
		ret4 := pctReturn(closes, i, 4)
		ret12 := pctReturn(closes, i, 12)
		ret24 := pctReturn(closes, i, 24)
		vol6 := rollingVolatility(closes, i, 6)
		vol24 := rollingVolatility(closes, i, 24)
		volZ := rollingZ(volumes, i, 24)
		if anyNaN(ret1, ret4, ret12, ret24, vol6, vol24, volZ) {
			continue
		}
		if i >= len(rsi) || anyNaN(rsi[i], macdLine[i], macdSig[i], bbMid[i], bbUp[i], bbLo[i]) {
			continue
		}

		bbWidth := 0.0
		if bbMid[i] != 0 {
			bbWidth = (bbUp[i] - bbLo[i]) / bbMid[i]
		}
		bbPos := 0.5
		if bbUp[i] != bbLo[i] {
			bbPos = (closes[i] - bbLo[i]) / (bbUp[i] - bbLo[i])
		}
		emaFastRel := 0.0
		emaSlowRel := 0.0
		if closes[i] != 0 {
			emaFastRel = emaF[i]/closes[i] - 1
			emaSlowRel = emaS[i]/closes[i] - 1
		}

		row := domain.FeatureRow{
			Symbol:       cs[i].Symbol,
			Interval:     cs[i].Interval,
			OpenTime:     cs[i].OpenTime.UTC(),
			Close:        closes[i],
			Ret1:         ret1,
			Ret4:         ret4,
			Ret12:        ret12,
			Ret24:        ret24,
			Volatility6:  vol6,
			Volatility24: vol24,
			VolumeZ24:    volZ,
			RSI14:        rsi[i],
			MACDLine:     macdLine[i],
			MACDSignal:   macdSig[i],
			MACDHist:     macdLine[i] - macdSig[i],
			BBPos:        bbPos,
			BBWidth:      bbWidth,
			EMAFastRel:   emaFastRel,
			EMASlowRel:   emaSlowRel,
			USDIndex:     usd,
			Yield10Y:     y10,
			CPI:          cpi,
			OilWTI:       oil,
			VIX:          vix,
		}

		if target := i + horizonSteps; target < len(closes) && closes[i] != 0 {
			fwd := closes[target]/closes[i] - 1
			row.ForwardReturn = &fwd
		}
		rows = append(rows, row)
	}
	return rows
}

// normalizeCandles drops nil entries and bars stamped after the cutoff. A bar
// ahead of the wall clock is still forming and must not enter the feature set.
func normalizeCandles(in []*domain.Candle, cutoff time.Time) []domain.Candle {
	out := make([]domain.Candle, 0, len(in))
	for _, c := range in {
		if c == nil || c.OpenTime.After(cutoff) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}

func pctReturn(values []float64, idx, lag int) float64 {
	if idx-lag < 0 || idx >= len(values) {
		return math.NaN()
	}
	base := values[idx-lag]
	if base == 0 {
		return math.NaN()
	}
	return values[idx]/base - 1
}

func rollingVolatility(closes []float64, idx, window int) float64 {
	if window <= 1 || idx-window+1 <= 0 || idx >= len(closes) {
		return math.NaN()
	}
	rets := make([]float64, 0, window)
	for j := idx - window + 1; j <= idx; j++ {
		if closes[j-1] == 0 {
			return math.NaN()
		}
		rets = append(rets, closes[j]/closes[j-1]-1)
	}
	_, std := ta.MeanStd(rets)
	return std
}

func rollingZ(values []float64, idx, window int) float64 {
	if window <= 0 || idx-window < 0 || idx >= len(values) {
		return math.NaN()
	}
	mean, std := ta.MeanStd(values[idx-window : idx])
	if std == 0 {
		return 0
	}
	return (values[idx] - mean) / std
}

func anyNaN(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
