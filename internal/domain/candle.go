package domain

import "time"

// Candle represents a single OHLCV candle for an asset at a given interval.
type Candle struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// SupportedSymbols lists all tracked crypto symbols.
var SupportedSymbols = []string{
	"BTC", "ETH", "SOL", "XRP", "ADA",
	"DOGE", "DOT", "AVAX", "LINK", "MATIC",
}

// SupportedTimeframes defines the forecast horizons served by the engine.
var SupportedTimeframes = []string{"1h", "4h", "24h"}

// TimeframeHours maps a timeframe label to its horizon in hours.
var TimeframeHours = map[string]int{
	"1h":  1,
	"4h":  4,
	"24h": 24,
}
