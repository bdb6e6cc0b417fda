// Package models holds the core domain types shared across the monitor and
// trading engine packages.
package models

// Candle is one OHLCV bar for a (symbol, timeframe) pair. Batches returned by
// a CandleFetcher are ordered ascending by OpenTimeMs.
type Candle struct {
	Symbol      string  `json:"symbol"`
	OpenTimeMs  int64   `json:"open_time_ms"`
	CloseTimeMs int64   `json:"close_time_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// Pair is a (symbol, timeframe) tuple under monitoring. Timeframe is the
// caller-facing label (e.g. "1小时"); Interval is the provider-mapped value
// (e.g. "1h").
type Pair struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Interval  string `json:"interval"`
}

// Key returns the (symbol, timeframe) identity used by MonitorState maps.
func (p Pair) Key() string {
	return p.Symbol + "|" + p.Timeframe
}
