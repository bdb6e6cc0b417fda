package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a held position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is a held (or just-closed) position for one instance/symbol.
// At most one row with ClosedAt == nil may exist per (Source, Symbol, Side).
type Position struct {
	ID             string          `json:"id" db:"id"`
	Source         string          `json:"source" db:"source"` // instance_id, or exchange discriminator
	Symbol         string          `json:"symbol" db:"symbol"`
	Side           PositionSide    `json:"side" db:"side"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice     decimal.Decimal `json:"entry_price" db:"entry_price"`
	Collateral     decimal.Decimal `json:"collateral" db:"collateral"`
	CurrentPrice   decimal.Decimal `json:"current_price" db:"current_price"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	TradeIndex     int64           `json:"trade_index" db:"trade_index"`
	PairID         string          `json:"pair_id" db:"pair_id"`
	OpenedAt       time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// IsOpen reports whether the position has not yet been closed.
func (p Position) IsOpen() bool {
	return p.ClosedAt == nil
}

// Opposite returns the opposite side, used for flatten-then-reverse logic.
func (s PositionSide) Opposite() PositionSide {
	if s == PositionSideLong {
		return PositionSideShort
	}
	return PositionSideLong
}
