package models

import "strings"

// SignalType is the caller-declared trade direction of an inbound webhook
// signal.
type SignalType string

const (
	SignalBuy   SignalType = "buy"
	SignalLong  SignalType = "long"
	SignalSell  SignalType = "sell"
	SignalShort SignalType = "short"
	SignalClose SignalType = "close"
)

// PrevPosition is the caller-supplied hint about the position the signal
// source believes is currently open, used only for intent parsing.
type PrevPosition string

const (
	PrevPositionFlat  PrevPosition = "flat"
	PrevPositionLong  PrevPosition = "long"
	PrevPositionShort PrevPosition = "short"
)

// Intent is the parsed meaning of a signal: does it open a new position or
// close an existing one.
type Intent string

const (
	IntentOpen    Intent = "open"
	IntentClose   Intent = "close"
	IntentUnknown Intent = "unknown"
)

// Signal is the wire shape of an inbound webhook payload. The 先前仓位 /
// 先前仓位大小 fields are preserved byte-exact as they are the wire format's
// own field names.
type Signal struct {
	SignalType   SignalType `json:"signal"`
	Symbol       string     `json:"symbol"`
	InstanceID   string     `json:"instance_id,omitempty"`
	StrategyName string     `json:"strategy_name,omitempty"`
	Price        float64    `json:"price,omitempty"`
	PrevPosition string     `json:"先前仓位,omitempty"`
	PrevSize     string     `json:"先前仓位大小,omitempty"`
}

// ParseIntent derives the Intent from the caller-supplied prior-position
// hints.
func ParseIntent(prevPosition, prevSize string) Intent {
	isZero := prevSize == "0" || prevSize == "0.0"
	switch PrevPosition(prevPosition) {
	case PrevPositionFlat:
		if isZero {
			return IntentOpen
		}
	case PrevPositionLong, PrevPositionShort:
		if !isZero {
			return IntentClose
		}
	}
	return IntentUnknown
}

// TargetSide maps a signal's direction to the resulting position side for
// "open" intents. Only meaningful for buy/long/sell/short signal types.
func (s SignalType) TargetSide() PositionSide {
	switch s {
	case SignalBuy, SignalLong:
		return PositionSideLong
	default:
		return PositionSideShort
	}
}

// SymbolsMatch fuzz-compares two symbols by stripping separators and
// uppercasing, then checking prefix containment either direction. Used to
// match a signal's base asset against an engine's configured symbol without
// requiring exact exchange-suffix agreement (e.g. "ETH" vs "ETHUSDT").
func SymbolsMatch(a, b string) bool {
	na, nb := NormalizeSymbol(a), NormalizeSymbol(b)
	if na == "" || nb == "" {
		return false
	}
	return strings.HasPrefix(na, nb) || strings.HasPrefix(nb, na)
}

// NormalizeSymbol uppercases s and strips the common separators exchanges
// use between base and quote asset.
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(s)
	replacer := strings.NewReplacer("/", "", "-", "", "_", "")
	return replacer.Replace(s)
}
