package validator

import (
	"math"
	"sort"

	"crystal-ball/internal/domain"

	"gonum.org/v1/gonum/stat/distuv"
)

// SignificanceLevel is the alpha for the mean-return hypothesis test.
const SignificanceLevel = 0.05

// marginalPValue is the looser gate the medium tier accepts.
const marginalPValue = 0.10

// sampleStats holds the per-sample aggregates derived from an analog set.
type sampleStats struct {
	n          int
	winRate    float64
	meanReturn float64
	stdDev     float64
	pValue     float64
	ciLow      float64
	ciHigh     float64
	sharpe     float64
	drawdown   float64
	kelly      float64
}

// computeStats derives every validation statistic from the analog returns for
// a predicted direction (+1 up, -1 down). Degenerate samples (n < 2 or zero
// variance) report p = 1 and a collapsed interval rather than NaNs.
func computeStats(analogs []domain.HistoricalAnalog, direction int) sampleStats {
	returns := make([]float64, 0, len(analogs))
	ordered := append([]domain.HistoricalAnalog(nil), analogs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].OccurredAt.Before(ordered[j].OccurredAt) })
	for _, a := range ordered {
		returns = append(returns, a.ForwardReturn)
	}

	st := sampleStats{n: len(returns), pValue: 1}
	if st.n == 0 {
		return st
	}

	wins := 0
	sum := 0.0
	for _, r := range returns {
		sum += r
		if directionOf(r) == direction {
			wins++
		}
	}
	st.winRate = float64(wins) / float64(st.n)
	st.meanReturn = sum / float64(st.n)
	st.ciLow, st.ciHigh = st.meanReturn, st.meanReturn

	if st.n < 2 {
		return st
	}

	ss := 0.0
	for _, r := range returns {
		d := r - st.meanReturn
		ss += d * d
	}
	st.stdDev = math.Sqrt(ss / float64(st.n-1))

	if st.stdDev > 0 {
		st.pValue, st.ciLow, st.ciHigh = tTestMeanZero(st.meanReturn, st.stdDev, st.n)
		st.sharpe = st.meanReturn / st.stdDev
	}
	st.drawdown = maxDrawdown(returns)
	st.kelly = kellyFraction(returns, st.winRate)
	return st
}

// tTestMeanZero runs a two-sided one-sample t-test of H0: mean = 0 and
// returns the p-value plus the 95% confidence interval for the mean.
func tTestMeanZero(mean, stdDev float64, n int) (pValue, ciLow, ciHigh float64) {
	se := stdDev / math.Sqrt(float64(n))
	t := mean / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}
	pValue = 2 * dist.CDF(-math.Abs(t))
	crit := dist.Quantile(0.975)
	return pValue, mean - crit*se, mean + crit*se
}

// maxDrawdown walks the chronological equity curve implied by compounding the
// analog returns and reports the worst peak-to-trough decline as a positive
// fraction.
func maxDrawdown(returns []float64) float64 {
	equity := 1.0
	peak := 1.0
	worst := 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// kellyFraction computes win_rate - (1-win_rate)/(avg_win/avg_loss), clamped
// to [0, 1]. Zero when the win/loss ratio is undefined.
func kellyFraction(returns []float64, winRate float64) float64 {
	winSum, lossSum := 0.0, 0.0
	winN, lossN := 0, 0
	for _, r := range returns {
		if r > 0 {
			winSum += r
			winN++
		} else if r < 0 {
			lossSum += -r
			lossN++
		}
	}
	if winN == 0 || lossN == 0 {
		return 0
	}
	ratio := (winSum / float64(winN)) / (lossSum / float64(lossN))
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0
	}
	k := winRate - (1-winRate)/ratio
	if k < 0 {
		return 0
	}
	if k > 1 {
		return 1
	}
	return k
}

// compositeConfidence blends win rate, significance, and sample-size adequacy
// into [0, 1]. The cap ladder enforces the documented tier gates: a score can
// never cross a tier boundary whose gate conditions fail.
func compositeConfidence(st sampleStats) float64 {
	sigScore := 0.0
	switch {
	case st.pValue < SignificanceLevel:
		sigScore = 1
	case st.pValue < marginalPValue:
		sigScore = 0.5
	}
	adequacy := math.Min(1, float64(st.n)/100)
	score := 0.55*st.winRate + 0.25*sigScore + 0.20*adequacy

	significant := st.pValue < SignificanceLevel
	if !significant || st.winRate < 0.70 {
		score = math.Min(score, 0.79)
	}
	if !significant || st.winRate < 0.60 {
		score = math.Min(score, 0.64)
	}
	if st.pValue >= marginalPValue || st.winRate < 0.55 {
		score = math.Min(score, 0.49)
	}
	return clamp01(score)
}

func tierFor(score float64) domain.ValidationTier {
	switch {
	case score >= 0.80:
		return domain.TierVeryHigh
	case score >= 0.65:
		return domain.TierHigh
	case score >= 0.50:
		return domain.TierMedium
	default:
		return domain.TierLow
	}
}

func recommendationFor(tier domain.ValidationTier) domain.Recommendation {
	switch tier {
	case domain.TierVeryHigh, domain.TierHigh:
		return domain.RecommendAct
	case domain.TierMedium:
		return domain.RecommendWatch
	default:
		return domain.RecommendPass
	}
}

func directionOf(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
