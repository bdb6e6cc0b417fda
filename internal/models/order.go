package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide mirrors the broker-facing trade direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is always market for signal-driven execution, but the type is
// kept open for future limit/stop support at the broker boundary.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the lifecycle state of a placed order.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is an append-only record of a broker order placement. OrderID is
// unique per (instance, exchange); orders are never mutated after insert.
type Order struct {
	OrderID   string          `json:"order_id" db:"order_id"`
	Source    string          `json:"source" db:"source"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      OrderSide       `json:"side" db:"side"`
	Type      OrderType       `json:"type" db:"type"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Status    OrderStatus     `json:"status" db:"status"`
	TxHash    string          `json:"tx_hash,omitempty" db:"tx_hash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Trade is an append-only execution/close record. TradeID uniqueness is
// enforced at write-time; duplicate inserts are silently dropped (P6).
type Trade struct {
	TradeID     string           `json:"trade_id" db:"trade_id"`
	OrderID     string           `json:"order_id" db:"order_id"`
	Source      string           `json:"source" db:"source"`
	Symbol      string           `json:"symbol" db:"symbol"`
	Side        OrderSide        `json:"side" db:"side"`
	Quantity    decimal.Decimal  `json:"quantity" db:"quantity"`
	Price       decimal.Decimal  `json:"price" db:"price"`
	ClosePrice  *decimal.Decimal `json:"close_price,omitempty" db:"close_price"`
	PnLPercent  *decimal.Decimal `json:"pnl_percent,omitempty" db:"pnl_percent"`
	PnLAmount   *decimal.Decimal `json:"pnl_amount,omitempty" db:"pnl_amount"`
	Reason      string           `json:"reason,omitempty" db:"reason"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// RiskEventSeverity classifies a risk event for operator triage.
type RiskEventSeverity string

const (
	RiskSeverityMedium RiskEventSeverity = "medium"
	RiskSeverityHigh   RiskEventSeverity = "high"
)

// RiskEvent records a broker rejection, stop-loss breach, or other risk
// condition surfaced by the trading engine.
type RiskEvent struct {
	ID              string            `json:"id" db:"id"`
	Source          string            `json:"source" db:"source"`
	EventType       string            `json:"event_type" db:"event_type"`
	Severity        RiskEventSeverity `json:"severity" db:"severity"`
	Description     string            `json:"description" db:"description"`
	AffectedSymbols string            `json:"affected_symbols" db:"affected_symbols"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// PortfolioSnapshot is a point-in-time balance/equity checkpoint.
type PortfolioSnapshot struct {
	ID         string          `json:"id" db:"id"`
	Source     string          `json:"source" db:"source"`
	Equity     decimal.Decimal `json:"equity" db:"equity"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}

// UserInstanceBinding associates a running instance with its owning user and
// a sanitized (secret-free) configuration blob.
type UserInstanceBinding struct {
	UserID       string    `json:"user_id" db:"user_id"`
	InstanceType string    `json:"instance_type" db:"instance_type"` // live, grid, currency_monitor
	InstanceID   string    `json:"instance_id" db:"instance_id"`
	ConfigJSON   string    `json:"config_json" db:"config_json"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Balance is the broker-reported account balance used by the /balance
// endpoint and portfolio snapshots.
type Balance struct {
	Symbol string          `json:"symbol"`
	Cash   decimal.Decimal `json:"cash"`
	Equity decimal.Decimal `json:"equity"`
}
