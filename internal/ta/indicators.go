package ta

import "math"

// MeanStd returns the mean and population standard deviation of values.
func MeanStd(values []float64) (float64, float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(n))
}

// SampleStd returns the mean and sample (n-1) standard deviation of values.
func SampleStd(values []float64) (float64, float64) {
	n := len(values)
	if n < 2 {
		mean, _ := MeanStd(values)
		return mean, 0
	}
	mean, _ := MeanStd(values)
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(n-1))
}

// Clamp bounds v to [lo, hi], mapping NaN/Inf to the midpoint of the range.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return (lo + hi) / 2
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EMASeries computes an exponential moving average over values.
func EMASeries(values []float64, period int) []float64 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	if period <= 1 {
		copy(out, values)
		return out
	}
	alpha := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSISeries computes Wilder-smoothed RSI. Entries before the warmup are NaN.
func RSISeries(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) <= period {
		return nil
	}
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	k := float64(period - 1)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		avgGain = (avgGain*k + math.Max(d, 0)) / float64(period)
		avgLoss = (avgLoss*k + math.Max(-d, 0)) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// MACDSeries returns the MACD line and its signal line.
func MACDSeries(values []float64, fast, slow, signal int) ([]float64, []float64) {
	if len(values) == 0 {
		return nil, nil
	}
	fastEMA := EMASeries(values, fast)
	slowEMA := EMASeries(values, slow)
	line := make([]float64, len(values))
	for i := range values {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	return line, EMASeries(line, signal)
}

// BollingerSeries returns middle/upper/lower bands. Entries before the
// warmup are NaN.
func BollingerSeries(values []float64, period int, stdDevs float64) ([]float64, []float64, []float64) {
	n := len(values)
	if n == 0 {
		return nil, nil, nil
	}
	middle := nanSeries(n)
	upper := nanSeries(n)
	lower := nanSeries(n)
	if period <= 0 {
		return middle, upper, lower
	}
	for i := period - 1; i < n; i++ {
		mean, std := MeanStd(values[i-period+1 : i+1])
		middle[i] = mean
		upper[i] = mean + stdDevs*std
		lower[i] = mean - stdDevs*std
	}
	return middle, upper, lower
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
