package domain

import "time"

// Macro feature names, in the order they appear in a FeatureVector.
const (
	MacroUSDIndex = "usd_index"
	MacroYield10Y = "yield_10y"
	MacroCPI      = "cpi_yoy"
	MacroOilWTI   = "oil_wti"
	MacroVIX      = "vix"
)

// MacroFeatureNames is the canonical ordering of the macro block.
var MacroFeatureNames = []string{MacroUSDIndex, MacroYield10Y, MacroCPI, MacroOilWTI, MacroVIX}

// FeatureVector is an ordered mapping of named macro/technical features.
// Owned by the caller; predictors never mutate it.
type FeatureVector struct {
	Names     []string  `json:"names"`
	Values    []float64 `json:"values"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}

// Get returns the value for a named feature and whether it is present.
func (fv FeatureVector) Get(name string) (float64, bool) {
	for i, n := range fv.Names {
		if n == name && i < len(fv.Values) {
			return fv.Values[i], true
		}
	}
	return 0, false
}

// GetOr returns the value for a named feature, or fallback if absent.
func (fv FeatureVector) GetOr(name string, fallback float64) float64 {
	if v, ok := fv.Get(name); ok {
		return v
	}
	return fallback
}

// Len reports the number of populated features.
func (fv FeatureVector) Len() int {
	if len(fv.Names) < len(fv.Values) {
		return len(fv.Names)
	}
	return len(fv.Values)
}

// FeatureRow is one engineered observation: technical features computed from
// candles joined with the macro vector in effect at that time. Sequence
// predictors consume the raw per-step block; tree predictors consume the full
// engineered vector.
type FeatureRow struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Close    float64   `json:"close"`

	Ret1          float64 `json:"ret_1"`
	Ret4          float64 `json:"ret_4"`
	Ret12         float64 `json:"ret_12"`
	Ret24         float64 `json:"ret_24"`
	Volatility6   float64 `json:"volatility_6"`
	Volatility24  float64 `json:"volatility_24"`
	VolumeZ24     float64 `json:"volume_z_24"`
	RSI14         float64 `json:"rsi_14"`
	MACDLine      float64 `json:"macd_line"`
	MACDSignal    float64 `json:"macd_signal"`
	MACDHist      float64 `json:"macd_hist"`
	BBPos         float64 `json:"bb_pos"`
	BBWidth       float64 `json:"bb_width"`
	EMAFastRel    float64 `json:"ema_fast_rel"`
	EMASlowRel    float64 `json:"ema_slow_rel"`
	USDIndex      float64 `json:"usd_index"`
	Yield10Y      float64 `json:"yield_10y"`
	CPI           float64 `json:"cpi_yoy"`
	OilWTI        float64 `json:"oil_wti"`
	VIX           float64 `json:"vix"`
	ForwardReturn *float64 `json:"forward_return,omitempty"`
}

// SequenceFeatureNames is the fixed 10-feature block consumed per lookback
// step by the sequence predictor.
var SequenceFeatureNames = []string{
	"ret_1", "rsi_14", "macd_hist", "bb_pos", "volume_z_24",
	MacroUSDIndex, MacroYield10Y, MacroCPI, MacroOilWTI, MacroVIX,
}

// SequenceBlock returns the per-step feature block in SequenceFeatureNames order.
func (r FeatureRow) SequenceBlock() []float64 {
	return []float64{
		r.Ret1, r.RSI14, r.MACDHist, r.BBPos, r.VolumeZ24,
		r.USDIndex, r.Yield10Y, r.CPI, r.OilWTI, r.VIX,
	}
}

// EngineeredFeatureNames is the full vector consumed by the tree predictors.
var EngineeredFeatureNames = []string{
	"ret_1", "ret_4", "ret_12", "ret_24",
	"volatility_6", "volatility_24", "volume_z_24",
	"rsi_14", "macd_line", "macd_signal", "macd_hist",
	"bb_pos", "bb_width", "ema_fast_rel", "ema_slow_rel",
	MacroUSDIndex, MacroYield10Y, MacroCPI, MacroOilWTI, MacroVIX,
}

// EngineeredVector returns the full feature vector in EngineeredFeatureNames order.
func (r FeatureRow) EngineeredVector() []float64 {
	return []float64{
		r.Ret1, r.Ret4, r.Ret12, r.Ret24,
		r.Volatility6, r.Volatility24, r.VolumeZ24,
		r.RSI14, r.MACDLine, r.MACDSignal, r.MACDHist,
		r.BBPos, r.BBWidth, r.EMAFastRel, r.EMASlowRel,
		r.USDIndex, r.Yield10Y, r.CPI, r.OilWTI, r.VIX,
	}
}
