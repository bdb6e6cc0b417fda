// Package strategy implements the SpecialK convergence/momentum detector
// used by the market monitor. It is a pure function over aligned close-price
// series; it owns no state.
package strategy

import "fmt"

const (
	fastPeriod   = 12
	slowPeriod   = 26
	signalPeriod = 9
)

// Params bundles SpecialK's tunable thresholds.
type Params struct {
	Lookback int     // consecutive bullish bars required while monitoring
	Ratio    float64 // subject-vs-reference change ratio requirement
}

// DefaultParams matches the monitor's defaults.
var DefaultParams = Params{Lookback: 4, Ratio: 1.5}

// Detect runs the SpecialK algorithm over subjectCloses/subjectOpens and
// referenceCloses, returning true iff the most recently closed bar is a
// trigger. All three series must be the same length and at least 2 bars
// long; an error is returned otherwise. A 12/26/9 MACD needs
// slowPeriod+signalPeriod bars to settle, so 50 or more are recommended, but
// shorter series are not rejected.
func Detect(subjectCloses, subjectOpens, referenceCloses []float64, p Params) (bool, error) {
	n := len(subjectCloses)
	if n != len(subjectOpens) || n != len(referenceCloses) {
		return false, fmt.Errorf("specialk: series length mismatch: closes=%d opens=%d ref=%d", n, len(subjectOpens), len(referenceCloses))
	}
	if n < 2 {
		return false, fmt.Errorf("specialk: need at least 2 bars, got %d", n)
	}

	macdLine, signalLine := macd(subjectCloses)

	monitoring := false
	bullCount := 0
	startPrice := 0.0
	refStartPrice := 0.0
	lastTriggerIdx := -1

	for i := 1; i < n; i++ {
		crossAbove := macdLine[i-1] <= signalLine[i-1] && macdLine[i] > signalLine[i]
		crossBelow := macdLine[i-1] >= signalLine[i-1] && macdLine[i] < signalLine[i]

		if crossAbove {
			monitoring = true
			bullCount = 0
			startPrice = subjectOpens[i]
			refStartPrice = referenceCloses[i]
		} else if crossBelow {
			monitoring = false
		}

		if !monitoring {
			continue
		}

		if subjectCloses[i] > subjectOpens[i] {
			bullCount++
		} else {
			bullCount = 0
			startPrice = subjectOpens[i]
			refStartPrice = referenceCloses[i]
		}

		if startPrice == 0 || refStartPrice == 0 {
			continue
		}

		chg := (subjectCloses[i] - startPrice) / startPrice * 100
		refChg := (referenceCloses[i] - refStartPrice) / refStartPrice * 100

		ratioOK := false
		if refChg > 0 {
			ratioOK = chg >= p.Ratio*refChg
		} else if chg > 0 {
			ratioOK = true
		}

		if bullCount == p.Lookback && ratioOK {
			lastTriggerIdx = i
		}
	}

	return lastTriggerIdx == n-1, nil
}

// macd computes the 12/26/9 MACD line and signal line over closes, with EMAs
// seeded single-bar (ema[0] = closes[0]) rather than SMA-of-first-N-bars —
// see SPEC_FULL.md (internal/strategy) for the rationale.
func macd(closes []float64) (macdLine, signalLine []float64) {
	fast := ema(closes, fastPeriod)
	slow := ema(closes, slowPeriod)

	macdLine = make([]float64, len(closes))
	for i := range closes {
		macdLine[i] = fast[i] - slow[i]
	}
	signalLine = ema(macdLine, signalPeriod)
	return macdLine, signalLine
}

// ema computes an exponential moving average seeded with the series'
// first value (ema[0] = series[0]).
func ema(series []float64, period int) []float64 {
	out := make([]float64, len(series))
	if len(series) == 0 {
		return out
	}
	k := 2.0 / (float64(period) + 1.0)
	out[0] = series[0]
	for i := 1; i < len(series); i++ {
		out[i] = series[i]*k + out[i-1]*(1-k)
	}
	return out
}
